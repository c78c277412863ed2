// Package daemon implements component K: the controller that wires
// the tailers, normalizer, evaluator router, posture state machine,
// enforcer, decision recorder and notifier together, and owns the
// background decay/TTL-sweep/trend-sample timers. Grounded on
// azctl/daemon.py's AzazelDaemon — the same decay-writer /
// trend-sampler / periodic-cleanup thread trio, and the same
// single-path "process_event" serialization per Design Note §9.
package daemon

import (
	"context"
	"sync"
	"time"

	"azazel.dev/azazel/internal/config"
	"azazel.dev/azazel/internal/decisionlog"
	"azazel.dev/azazel/internal/enforcer"
	"azazel.dev/azazel/internal/evaluator"
	"azazel.dev/azazel/internal/ingest"
	"azazel.dev/azazel/internal/logging"
	"azazel.dev/azazel/internal/notify"
	"azazel.dev/azazel/internal/posture"
)

// decayCheckInterval and trendSampleInterval match azctl/daemon.py's
// start_decay_writer/start_trend_sampler defaults (5s, 10s); neither
// is a recognized config key in spec.md §6, so they are carried as
// constants rather than invented configuration surface.
const (
	decayCheckInterval  = 5 * time.Second
	trendSampleInterval = 10 * time.Second
)

// Daemon is component K.
type Daemon struct {
	cfg    *config.Config
	logger *logging.Logger
	clock  func() time.Time

	router   *evaluator.Router
	machine  *posture.Machine
	engine   *enforcer.Engine
	recorder *decisionlog.Recorder
	notifier *notify.Notifier
	metrics  *Metrics

	// mu serializes ProcessEvent end to end, per Design Note §9: the
	// router, state machine and enforcer share one serialization
	// point so the decision log's append order matches dispatch order.
	mu sync.Mutex

	lastEventMu sync.Mutex
	lastEventAt time.Time
}

// New wires every component from cfg. filter and shaper are injected
// so tests (and alternate backends) can substitute fakes; production
// callers (cmd/azazeld) pass the nftables/netlink-backed
// implementations.
func New(cfg *config.Config, filter enforcer.PacketFilter, shaper enforcer.Shaper, clock func() time.Time, logger *logging.Logger, metrics *Metrics) (*Daemon, error) {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = logging.WithComponent("daemon")
	}

	engine, err := enforcer.New(filter, shaper, cfg.Paths.DiversionState, cfg, clock, logger.WithComponent("enforcer"))
	if err != nil {
		return nil, err
	}

	recorder, err := decisionlog.New(cfg.Paths.DecisionLog, cfg.Paths.Snapshot, clock, logger.WithComponent("decisionlog"))
	if err != nil {
		return nil, err
	}

	exception := evaluator.NewExceptionMatcher(cfg.SOC)
	scorer := evaluator.NewScorer(clock)
	deep := evaluator.NewDeepEvaluator(cfg.AI, logger.WithComponent("evaluator.deep"))
	router := evaluator.NewRouter(exception, scorer, deep, logger.WithComponent("evaluator.router"))

	machine := posture.New(cfg.Thresholds, cfg.Scoring, clock)
	notifier := notify.New(cfg.Notify, clock, logger.WithComponent("notify"))

	d := &Daemon{
		cfg:         cfg,
		logger:      logger,
		clock:       clock,
		router:      router,
		machine:     machine,
		engine:      engine,
		recorder:    recorder,
		notifier:    notifier,
		metrics:     metrics,
		lastEventAt: clock(),
	}
	return d, nil
}

// Close releases the recorder's underlying file.
func (d *Daemon) Close() error {
	return d.recorder.Close()
}

// Run starts the two sensor tailers and the three background timers
// and processes events until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) {
	var wg sync.WaitGroup

	if d.cfg.Paths.SuricataEVE != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.tailAlerts(ctx, d.cfg.Paths.SuricataEVE)
		}()
	}
	if d.cfg.Paths.OpenCanaryLog != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.tailCanary(ctx, d.cfg.Paths.OpenCanaryLog)
		}()
	}

	wg.Add(4)
	go func() { defer wg.Done(); d.runDecayWriter(ctx) }()
	go func() { defer wg.Done(); d.runTrendSampler(ctx) }()
	go func() { defer wg.Done(); d.runTTLSweep(ctx) }()
	go func() { defer wg.Done(); d.drainFollowups(ctx) }()

	wg.Wait()
}

func (d *Daemon) tailAlerts(ctx context.Context, path string) {
	t := ingest.New(path, true, d.logger.WithComponent("ingest.tailer.alert"))
	for line := range t.Lines(ctx) {
		ev, ok := ingest.NormalizeAlertLine(line, d.cfg.SOC)
		if !ok {
			continue
		}
		d.ProcessEvent(ctx, ev)
	}
}

func (d *Daemon) tailCanary(ctx context.Context, path string) {
	t := ingest.New(path, true, d.logger.WithComponent("ingest.tailer.canary"))
	for line := range t.Lines(ctx) {
		ev, ok := ingest.NormalizeCanaryLine(line)
		if !ok {
			continue
		}
		d.ProcessEvent(ctx, ev)
	}
}

func (d *Daemon) runDecayWriter(ctx context.Context) {
	ticker := time.NewTicker(decayCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			age := d.clock().Sub(d.getLastEventAt())
			if age >= decayCheckInterval {
				d.ProcessEvent(ctx, ingest.Event{Name: "decay_tick", Severity: 0})
			}
		}
	}
}

func (d *Daemon) runTrendSampler(ctx context.Context) {
	ticker := time.NewTicker(trendSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.ProcessEvent(ctx, ingest.Event{Name: "trend_sample", Severity: 0})
		}
	}
}

func (d *Daemon) runTTLSweep(ctx context.Context) {
	interval := time.Duration(d.cfg.Network.CleanupIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	maxAge := time.Duration(d.cfg.Network.MaxAgeSeconds) * time.Second
	if maxAge <= 0 {
		maxAge = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.engine.CleanupExpiredRules(maxAge)
		}
	}
}

// drainFollowups appends router-produced deep_followup entries to the
// decision log as they arrive, without touching posture state.
func (d *Daemon) drainFollowups(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fu, ok := <-d.router.Followups():
			if !ok {
				return
			}
			d.recorder.Append(decisionlog.Entry{
				Event:          "deep_followup",
				Score:          fu.Result.Score,
				Classification: fu.Result.Category,
				SrcIP:          fu.Event.SrcIP,
				ModeSnapshot: map[string]any{
					"method":      fu.Result.Method,
					"action_hint": fu.Result.ActionHint,
					"confidence":  fu.Result.Confidence,
				},
			})
		}
	}
}

// ProcessEvent runs one event through evaluation, posture, enforcement
// and recording, matching the flow documented in spec.md §4.K. It is
// exported so the "events" CLI verb can replay a YAML/JSON feed
// through the exact same path a tailed sensor line would take.
func (d *Daemon) ProcessEvent(ctx context.Context, ev ingest.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !ev.IsSynthetic() {
		d.setLastEventAt(d.clock())
	}

	var result evaluator.Result
	if ev.IsSynthetic() {
		result = evaluator.Result{Score: 0, Category: "", Method: "synthetic"}
	} else {
		result = d.router.Evaluate(ctx, ev)
	}

	previous := d.machine.Current()
	var applied posture.ApplyResult
	if ev.Name == "trend_sample" {
		// Trend samples record the machine's current values only.
		snap := d.machine.Snapshot()
		applied = posture.ApplyResult{Average: snap.EWMA, TargetMode: snap.State, AppliedMode: snap.State}
	} else {
		applied = d.machine.ApplyScore(result.Score)
	}

	if d.metrics != nil {
		d.metrics.observePosture(string(applied.AppliedMode.Base()), applied.Average)
		if !ev.IsSynthetic() {
			d.metrics.ScoreHistogram.Observe(float64(result.Score))
			d.metrics.EventsTotal.WithLabelValues(ev.Name).Inc()
		}
	}

	var actions []string
	if ev.SrcIP != "" && !ev.IsSynthetic() {
		if result.Method == "exception" && !isIPv6Source(ev.SrcIP) {
			// Exception hits (denylist/critical signature) bypass the
			// posture-driven preset and get an immediate drop rule,
			// mirroring main_suricata.py's pre-evaluation exception
			// block: apply_block is called directly, independent of
			// whatever apply_combined_action the current mode implies.
			if d.engine.ApplyBlock(ev.SrcIP) {
				actions = []string{"block"}
			}
		}
		if enforced := d.enforce(ev, applied.AppliedMode); len(enforced) > 0 {
			actions = append(actions, enforced...)
		}
		if d.metrics != nil && len(actions) > 0 {
			d.metrics.EnforcementsTot.WithLabelValues(string(applied.AppliedMode.Base())).Inc()
		}
	}

	if ev.Name != "trend_sample" {
		d.recorder.Append(decisionlog.Entry{
			Event:          ev.Name,
			Score:          result.Score,
			Classification: result.Category,
			Average:        applied.Average,
			DesiredMode:    string(applied.DesiredMode),
			TargetMode:     string(applied.TargetMode),
			Mode:           string(applied.AppliedMode),
			Actions:        actions,
			SrcIP:          ev.SrcIP,
		})
	} else {
		d.recorder.Append(decisionlog.Entry{
			Event:       ev.Name,
			Average:     applied.Average,
			Mode:        string(applied.AppliedMode),
			DesiredMode: string(applied.DesiredMode),
			TargetMode:  string(applied.TargetMode),
		})
	}

	if !ev.IsSynthetic() && result.ActionHint != evaluator.ActionAllow {
		d.notifier.ThreatDetected(ev.SrcIP, result.Category, result.Score, ev.Signature)
	}
	if applied.AppliedMode.Base() != previous.Base() {
		d.notifier.ModeChange(string(previous), string(applied.AppliedMode), applied.Average)
	}
}

// enforce converges the enforcer to applied for ev.SrcIP, honoring the
// IPv6-ineligible rule (spec.md §2 data model), and returns the action
// labels for the decision log entry.
func (d *Daemon) enforce(ev ingest.Event, applied posture.State) []string {
	if isIPv6Source(ev.SrcIP) {
		d.logger.Debug("skipping enforcement for IPv6-ineligible source", "src_ip", ev.SrcIP)
		return nil
	}

	if applied.Base() == posture.StateNormal {
		if d.engine.RemoveRulesForIP(ev.SrcIP) {
			return []string{"removed"}
		}
		return nil
	}

	destPort := ev.DestPort
	if destPort == 0 && len(d.cfg.OpenCanary.Ports) > 0 {
		destPort = d.cfg.OpenCanary.Ports[0]
	}

	applied2 := d.engine.ApplyCombinedAction(ev.SrcIP, applied, destPort)
	if !applied2 {
		return nil
	}

	d.notifier.RedirectChange(ev.SrcIP, []string{d.cfg.Canary.IP}, true)
	return []string{string(applied.Base())}
}

func isIPv6Source(ip string) bool {
	for _, c := range ip {
		if c == ':' {
			return true
		}
	}
	return false
}

func (d *Daemon) getLastEventAt() time.Time {
	d.lastEventMu.Lock()
	defer d.lastEventMu.Unlock()
	return d.lastEventAt
}

func (d *Daemon) setLastEventAt(t time.Time) {
	d.lastEventMu.Lock()
	defer d.lastEventMu.Unlock()
	d.lastEventAt = t
}

// Machine exposes the posture machine to callers outside the package.
func (d *Daemon) Machine() *posture.Machine { return d.machine }

// Engine exposes the enforcer to callers outside the package.
func (d *Daemon) Engine() *enforcer.Engine { return d.engine }

// Recorder exposes the decision recorder to callers outside the package.
func (d *Daemon) Recorder() *decisionlog.Recorder { return d.recorder }

// StartUserMode forwards a manual posture override to the state
// machine, applying its enforcement consequences for ip if provided.
func (d *Daemon) StartUserMode(ctx context.Context, mode posture.State, duration time.Duration, ip string, destPort int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.machine.StartUserMode(mode, duration)
	if ip == "" {
		return
	}
	if isIPv6Source(ip) {
		return
	}
	applied := d.machine.Current()
	if applied.Base() == posture.StateNormal {
		d.engine.RemoveRulesForIP(ip)
		return
	}
	d.engine.ApplyCombinedAction(ip, applied, destPort)
}
