// Command azazeld is the Azazel gateway daemon. It wires the
// configuration, enforcer, evaluator, posture machine, decision
// recorder and notifier (internal/daemon) to a real nftables/netlink
// backend and exposes the spec's three-verb CLI surface:
// "events --config PATH" (one-shot YAML feed replay), "serve --config
// PATH" (long-running daemon), and "status [--json]" (print the
// current snapshot). Grounded on azctl/daemon.py's startup sequence
// and the pack's flag-based, subcommand-switch cmd/flywall-sim/main.go
// (no cobra in either the teacher's or azctl's CLI entrypoints).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/nftables"

	"azazel.dev/azazel/internal/config"
	"azazel.dev/azazel/internal/daemon"
	"azazel.dev/azazel/internal/enforcer"
	"azazel.dev/azazel/internal/ingest"
	"azazel.dev/azazel/internal/logging"

	"gopkg.in/yaml.v3"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: azazeld <events|serve|status> [flags]")
		return 2
	}

	switch args[0] {
	case "events":
		return runEvents(args[1:])
	case "serve":
		return runServe(args[1:])
	case "status":
		return runStatus(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		return 2
	}
}

func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, string, error) {
	path := fs.String("config", "", "path to the YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}
	if *path == "" {
		return nil, "", fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(*path)
	if err != nil {
		return nil, *path, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, *path, err
	}
	logger := logging.WithComponent("config")
	for _, w := range cfg.Warnings() {
		logger.Warn("configuration warning", "field", w.Field, "message", w.Message)
	}
	return cfg, *path, nil
}

// buildDaemon constructs component K against a real nftables
// connection and a tc-backed shaper, the same dependency-injection
// seam internal/daemon's tests substitute with fakes.
func buildDaemon(cfg *config.Config) (*daemon.Daemon, error) {
	logger := logging.WithComponent("daemon")
	metrics := daemon.NewMetrics()
	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("connect nftables: %w", err)
	}
	filter, err := enforcer.NewNFTFilter(conn, logger.WithComponent("enforcer.nft"))
	if err != nil {
		return nil, fmt.Errorf("init packet filter: %w", err)
	}
	shaper := enforcer.NewTCShaper(cfg.Network.Interface, logger.WithComponent("enforcer.tc"))
	return daemon.New(cfg, filter, shaper, nil, logger, metrics)
}

// eventFeed is the YAML shape "events" replays: a plain list of
// sensor-shaped records, one per entry, fed through the same
// Daemon.ProcessEvent path a tailed sensor line would take.
type eventFeed struct {
	Name      string         `yaml:"name"`
	Severity  int            `yaml:"severity"`
	Signature string         `yaml:"signature"`
	SrcIP     string         `yaml:"src_ip"`
	DestIP    string         `yaml:"dest_ip"`
	DestPort  int            `yaml:"dest_port"`
	Proto     string         `yaml:"proto"`
	Details   map[string]any `yaml:"details"`
}

func runEvents(args []string) int {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	feedPath := fs.String("events", "", "path to the YAML event feed to replay")
	cfg, _, err := loadConfig(fs, args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return 1
	}
	if *feedPath == "" {
		fmt.Fprintln(os.Stderr, "--events is required")
		return 2
	}

	raw, err := os.ReadFile(*feedPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read event feed:", err)
		return 1
	}
	var feed []eventFeed
	if err := yaml.Unmarshal(raw, &feed); err != nil {
		fmt.Fprintln(os.Stderr, "parse event feed:", err)
		return 1
	}

	d, err := buildDaemon(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "initialize daemon:", err)
		return 1
	}
	defer d.Close()

	ctx := context.Background()
	for _, rec := range feed {
		d.ProcessEvent(ctx, ingest.Event{
			Name:      rec.Name,
			Severity:  rec.Severity,
			Signature: rec.Signature,
			SrcIP:     rec.SrcIP,
			DestIP:    rec.DestIP,
			DestPort:  rec.DestPort,
			Proto:     rec.Proto,
			Details:   rec.Details,
		})
	}
	return 0
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	metricsAddr := fs.String("metrics-addr", "127.0.0.1:9373", "loopback address to serve /metrics on")
	cfg, _, err := loadConfig(fs, args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return 1
	}

	logger := logging.WithComponent("daemon")
	d, err := buildDaemon(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "initialize daemon:", err)
		return 1
	}
	defer d.Close()

	if *metricsAddr != "" {
		if err := daemon.ServeLoopback(*metricsAddr, logger.WithComponent("metrics")); err != nil {
			logger.Warn("metrics server not started", "addr", *metricsAddr, "error", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting azazel daemon")
	d.Run(ctx)
	logger.Info("azazel daemon stopped")
	return 0
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print the snapshot as JSON")
	path := fs.String("config", "", "path to the YAML configuration file (defaults apply when omitted)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg := config.Defaults()
	if *path != "" {
		loaded, err := config.Load(*path)
		if err == nil {
			err = loaded.Validate()
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "configuration error:", err)
			return 1
		}
		cfg = loaded
	}

	raw, err := os.ReadFile(cfg.Paths.Snapshot)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		return 1
	}
	if *asJSON {
		fmt.Println(string(raw))
		return 0
	}

	var snap map[string]any
	if err := json.Unmarshal(raw, &snap); err != nil {
		fmt.Fprintln(os.Stderr, "parse snapshot:", err)
		return 1
	}
	fmt.Printf("mode=%v ewma=%v score=%v src_ip=%v timestamp=%v\n",
		snap["mode"], snap["ewma"], snap["score"], snap["src_ip"], snap["timestamp"])
	return 0
}
