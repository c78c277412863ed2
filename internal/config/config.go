// Package config loads and validates the single YAML document that
// drives an Azazel gateway. The shape mirrors the original Python
// azazel_pi/core/config.py (a thin yaml.safe_load wrapper with
// get/require accessors) but is promoted to a typed struct with an
// explicit Load/Validate separation, in the style this codebase uses
// throughout its other configuration-bearing packages.
package config

import (
	"os"

	azerrors "azazel.dev/azazel/internal/errors"
	"gopkg.in/yaml.v3"
)

// UnlockWaitSecs is the minimum dwell time, per target state, before a
// downward posture transition into that state is permitted.
type UnlockWaitSecs struct {
	Shield int `yaml:"shield"`
	Portal int `yaml:"portal"`
}

// Thresholds carries the EWMA boundaries that select a desired posture
// and the hysteresis windows that gate stepping back down.
type Thresholds struct {
	T0Normal            int            `yaml:"t0_normal"`
	T1Shield            int            `yaml:"t1_shield"`
	T2Lockdown          int            `yaml:"t2_lockdown"`
	UnlockWaitSecs      UnlockWaitSecs `yaml:"unlock_wait_secs"`
	UserModeTimeoutMins float64        `yaml:"user_mode_timeout_mins"`
}

// ActionPreset is the enforcement plan attached to one posture.
type ActionPreset struct {
	DelayMS   int  `yaml:"delay_ms"`
	ShapeKbps *int `yaml:"shape_kbps"`
	Block     bool `yaml:"block"`
}

// Actions maps each automatic posture to its enforcement preset.
type Actions struct {
	Normal   ActionPreset `yaml:"normal"`
	Portal   ActionPreset `yaml:"portal"`
	Shield   ActionPreset `yaml:"shield"`
	Lockdown ActionPreset `yaml:"lockdown"`
}

// Scoring controls the EWMA smoothing and the raw-score display window.
type Scoring struct {
	EWMATau    float64 `yaml:"ewma_tau"`
	WindowSize int     `yaml:"window_size"`
}

// SOC (security operations) holds the deterministic exception-matcher
// inputs and the normalizer's category filters.
type SOC struct {
	DenylistIPs        []string `yaml:"denylist_ips"`
	CriticalSignatures []string `yaml:"critical_signatures"`
	AllowedCategories  []string `yaml:"allowed_categories"`
	DeniedCategories   []string `yaml:"denied_categories"`
}

// Network names the egress interface the enforcer manages and the TTL
// sweep cadence.
type Network struct {
	Interface              string `yaml:"interface"`
	CleanupIntervalSeconds int    `yaml:"cleanup_interval_seconds"`
	MaxAgeSeconds          int    `yaml:"max_age_seconds"`
	UplinkMbps             int    `yaml:"uplink_mbps"`
}

// AI configures the optional remote deep evaluator.
type AI struct {
	Endpoint         string  `yaml:"endpoint"`
	Model            string  `yaml:"model"`
	TimeoutSeconds   int     `yaml:"timeout_seconds"`
	DeepSampleRate   float64 `yaml:"deep_sample_rate"`
	DeepMaxPerMin    int     `yaml:"deep_max_per_min"`
	DeepEvalRetries  int     `yaml:"deep_eval_retries"`
	DeepPersistRetries int   `yaml:"deep_persist_retries"`
}

// Canary describes the honeypot backend traffic is diverted to.
type Canary struct {
	IP string `yaml:"ip"`
}

// OpenCanary lists the ports the honeypot listens on, used by
// apply_dnat_redirect when no destination port is specified on the event.
type OpenCanary struct {
	Ports []int `yaml:"ports"`
}

// Paths names the runtime files Azazel reads and writes.
type Paths struct {
	SuricataEVE    string `yaml:"suricata_eve"`
	OpenCanaryLog  string `yaml:"opencanary_log"`
	DecisionLog    string `yaml:"decision_log"`
	DiversionState string `yaml:"diversion_state"`
	Snapshot       string `yaml:"snapshot"`
	RuntimeDir     string `yaml:"runtime_dir"`
}

// NotifyChannel is one webhook sink.
type NotifyChannel struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// Notify configures the notifier's dedup cooldown and webhook sinks.
type Notify struct {
	CooldownSeconds int             `yaml:"cooldown_seconds"`
	Webhooks        []NotifyChannel `yaml:"webhooks"`
}

// Config is the root of the YAML document.
type Config struct {
	Thresholds Thresholds `yaml:"thresholds"`
	Actions    Actions    `yaml:"actions"`
	Scoring    Scoring    `yaml:"scoring"`
	SOC        SOC        `yaml:"soc"`
	Network    Network    `yaml:"network"`
	AI         AI         `yaml:"ai"`
	Canary     Canary     `yaml:"canary"`
	OpenCanary OpenCanary `yaml:"opencanary"`
	Paths      Paths      `yaml:"paths"`
	Notify     Notify     `yaml:"notify"`
}

// Defaults returns a fully populated configuration matching the
// defaults observed in the original azazel_core/notify_config.py and
// azazel_pi/core/state_machine.py (t0=20, t1=50, t2=80; 60s
// notification cooldown; opencanary ports 22/80/5432).
func Defaults() *Config {
	return &Config{
		Thresholds: Thresholds{
			T0Normal: 20, T1Shield: 50, T2Lockdown: 80,
			UnlockWaitSecs:      UnlockWaitSecs{Shield: 600, Portal: 1800},
			UserModeTimeoutMins: 3.0,
		},
		Actions: Actions{
			Normal:   ActionPreset{},
			Portal:   ActionPreset{},
			Shield:   ActionPreset{DelayMS: 500, ShapeKbps: intPtr(2048)},
			Lockdown: ActionPreset{DelayMS: 1500, ShapeKbps: intPtr(256), Block: false},
		},
		Scoring: Scoring{EWMATau: 60, WindowSize: 5},
		SOC:     SOC{},
		Network: Network{Interface: "eth0", CleanupIntervalSeconds: 60, MaxAgeSeconds: 3600, UplinkMbps: 100},
		AI: AI{
			Endpoint: "http://127.0.0.1:11434/api/generate", Model: "phi3:mini",
			TimeoutSeconds: 15, DeepSampleRate: 0.2, DeepMaxPerMin: 10,
			DeepEvalRetries: 3, DeepPersistRetries: 2,
		},
		Canary:     Canary{IP: "172.16.10.10"},
		OpenCanary: OpenCanary{Ports: []int{22, 80, 5432}},
		Paths: Paths{
			SuricataEVE:    "/var/log/suricata/eve.json",
			OpenCanaryLog:  "/opt/azazel/logs/opencanary.log",
			DecisionLog:    "/var/log/azazel/decisions.log",
			DiversionState: "/var/lib/azazel/diversions.json",
			Snapshot:       "/var/lib/azazel/snapshot.json",
			RuntimeDir:     "/var/lib/azazel",
		},
		Notify: Notify{CooldownSeconds: 60},
	}
}

func intPtr(v int) *int { return &v }

// Load reads and parses the YAML document at path, merging it onto
// Defaults(). A missing or unparseable file is a fatal configuration
// error per the error-handling policy in the specification: both are
// wrapped as KindValidation so callers (cmd/azazeld) can distinguish a
// bad configuration from any other startup failure.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, azerrors.Wrapf(err, azerrors.KindValidation, "read config %s", path)
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, azerrors.Wrapf(err, azerrors.KindValidation, "parse config %s", path)
	}
	return cfg, nil
}
