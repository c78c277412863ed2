package evaluator

import (
	"strings"

	"azazel.dev/azazel/internal/config"
	"azazel.dev/azazel/internal/ingest"
)

// ExceptionMatcher implements component C: a constant-time check for
// a denylisted source address or a critical signature substring.
type ExceptionMatcher struct {
	denylist          map[string]struct{}
	criticalPatterns  []string // already lowercased
}

// NewExceptionMatcher builds a matcher from the soc configuration
// section.
func NewExceptionMatcher(soc config.SOC) *ExceptionMatcher {
	denylist := make(map[string]struct{}, len(soc.DenylistIPs))
	for _, ip := range soc.DenylistIPs {
		denylist[ip] = struct{}{}
	}
	patterns := make([]string, len(soc.CriticalSignatures))
	for i, p := range soc.CriticalSignatures {
		patterns[i] = strings.ToLower(p)
	}
	return &ExceptionMatcher{denylist: denylist, criticalPatterns: patterns}
}

// Match runs the two ordered tests from the specification: denylisted
// source address, then a case-insensitive critical-pattern substring
// match against the signature. A hit returns the synthetic
// {score=95, category=critical, action_hint=block, method=exception,
// confidence=1.0} result and short-circuits further evaluation.
func (m *ExceptionMatcher) Match(ev ingest.Event) (Result, bool) {
	if ev.SrcIP != "" {
		if _, denied := m.denylist[ev.SrcIP]; denied {
			return exceptionResult(), true
		}
	}

	sig := strings.ToLower(ev.Signature)
	if sig == "" {
		return Result{}, false
	}
	for _, pattern := range m.criticalPatterns {
		if pattern != "" && strings.Contains(sig, pattern) {
			return exceptionResult(), true
		}
	}
	return Result{}, false
}

func exceptionResult() Result {
	return Result{
		Score:      95,
		Category:   "critical",
		ActionHint: ActionBlock,
		Method:     "exception",
		Confidence: 1.0,
	}
}
