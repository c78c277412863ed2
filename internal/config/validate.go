package config

import "fmt"

// ValidationError is one violation found while validating a Config,
// in the style this codebase's other configuration-bearing packages
// use: a field name, a human message, and a severity so callers can
// decide whether to treat warnings as fatal.
type ValidationError struct {
	Field    string
	Message  string
	Severity string // "error" (default) or "warning"
}

func (e ValidationError) String() string {
	return fmt.Sprintf("[%s] %s: %s", e.Severity, e.Field, e.Message)
}

// ValidationErrors is an accumulated set of violations.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return ""
	}
	msg := ""
	for i, e := range v {
		if i > 0 {
			msg += "; "
		}
		msg += e.String()
	}
	return msg
}

// HasErrors reports whether any violation has severity "error".
func (v ValidationErrors) HasErrors() bool {
	for _, e := range v {
		if e.Severity != "warning" {
			return true
		}
	}
	return false
}

func fail(errs *ValidationErrors, field, msg string) {
	*errs = append(*errs, ValidationError{Field: field, Message: msg, Severity: "error"})
}

func warn(errs *ValidationErrors, field, msg string) {
	*errs = append(*errs, ValidationError{Field: field, Message: msg, Severity: "warning"})
}

// Validate accumulates every configuration violation before returning,
// matching the fatal-at-startup error handling policy: a missing
// required key or an inconsistent threshold ordering is an error, an
// absent optional integration (e.g. no webhook sinks) is a warning.
// The returned error is non-nil only when at least one entry has
// error severity; use Warnings to retrieve warning-only entries.
func (c *Config) Validate() error {
	errs := c.check()
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// Warnings runs the same checks as Validate but returns only the
// warning-severity entries, for callers that want to log them without
// treating the configuration as invalid.
func (c *Config) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, e := range c.check() {
		if e.Severity == "warning" {
			warnings = append(warnings, e)
		}
	}
	return warnings
}

func (c *Config) check() ValidationErrors {
	var errs ValidationErrors

	if c.Thresholds.T0Normal < 0 || c.Thresholds.T1Shield < 0 || c.Thresholds.T2Lockdown < 0 {
		fail(&errs, "thresholds", "t0_normal, t1_shield and t2_lockdown must be non-negative")
	}
	if !(c.Thresholds.T0Normal < c.Thresholds.T1Shield && c.Thresholds.T1Shield < c.Thresholds.T2Lockdown) {
		fail(&errs, "thresholds", "t0_normal < t1_shield < t2_lockdown must hold")
	}
	if c.Thresholds.UnlockWaitSecs.Shield < 0 || c.Thresholds.UnlockWaitSecs.Portal < 0 {
		fail(&errs, "thresholds.unlock_wait_secs", "wait seconds must be non-negative")
	}

	if c.Scoring.EWMATau <= 0 {
		fail(&errs, "scoring.ewma_tau", "must be greater than zero")
	}
	if c.Scoring.WindowSize <= 0 {
		fail(&errs, "scoring.window_size", "must be greater than zero")
	}

	if c.Network.Interface == "" {
		fail(&errs, "network.interface", "required")
	}
	if c.Network.CleanupIntervalSeconds <= 0 {
		fail(&errs, "network.cleanup_interval_seconds", "must be greater than zero")
	}
	if c.Network.MaxAgeSeconds <= 0 {
		fail(&errs, "network.max_age_seconds", "must be greater than zero")
	}

	if c.AI.DeepSampleRate < 0 || c.AI.DeepSampleRate > 1 {
		fail(&errs, "ai.deep_sample_rate", "must be within [0, 1]")
	}
	if c.AI.DeepMaxPerMin < 0 {
		fail(&errs, "ai.deep_max_per_min", "must be non-negative")
	}

	if c.Canary.IP == "" {
		warn(&errs, "canary.ip", "no honeypot address configured; apply_dnat_redirect will fail")
	}

	if len(c.Notify.Webhooks) == 0 {
		warn(&errs, "notify.webhooks", "no webhook sinks configured; notifications will be no-ops")
	}

	if c.Paths.DecisionLog == "" {
		fail(&errs, "paths.decision_log", "required")
	}
	if c.Paths.DiversionState == "" {
		fail(&errs, "paths.diversion_state", "required")
	}

	return errs
}
