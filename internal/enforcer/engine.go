package enforcer

import (
	"sync"
	"time"

	"azazel.dev/azazel/internal/config"
	"azazel.dev/azazel/internal/logging"
	"azazel.dev/azazel/internal/posture"
)

// Engine is component H. Exactly one Engine exists per process,
// constructed explicitly in main and passed as a dependency — the
// source's module-level singleton (get_traffic_control_engine) is not
// reproduced.
type Engine struct {
	mu    sync.Mutex
	rules map[string][]Rule

	filter  PacketFilter
	shaper  Shaper
	persist *diversionStore
	clock   func() time.Time
	canary  string
	actions config.Actions
	logger  *logging.Logger
}

// New builds an Engine, ensures the shaping hierarchy exists, and
// restores + validates any persisted diversion records. cfg.Canary.IP
// is the honeypot address apply_dnat_redirect diverts to.
func New(filter PacketFilter, shaper Shaper, diversionPath string, cfg *config.Config, clock func() time.Time, logger *logging.Logger) (*Engine, error) {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = logging.WithComponent("enforcer")
	}
	e := &Engine{
		rules:   make(map[string][]Rule),
		filter:  filter,
		shaper:  shaper,
		persist: newDiversionStore(diversionPath, logger),
		clock:   clock,
		canary:  cfg.Canary.IP,
		actions: cfg.Actions,
		logger:  logger,
	}
	if err := e.shaper.EnsureHierarchy(cfg.Network.UplinkMbps * 1000); err != nil {
		return nil, err
	}
	e.restoreAndValidate()
	return e, nil
}

// restoreAndValidate loads persisted diversion records into the
// in-memory rule map, then dry-run checks each one against the
// backend and prunes both the file and the map for any that are no
// longer present at the kernel level.
func (e *Engine) restoreAndValidate() {
	records := e.persist.load()
	if len(records) == 0 {
		return
	}

	valid := make(map[string]DiversionRecord, len(records))
	e.mu.Lock()
	for ip, rec := range records {
		present, err := e.checkPersisted(ip, rec)
		if err != nil || !present {
			e.logger.Debug("pruning stale persisted diversion", "ip", ip, "action", rec.Action)
			continue
		}
		valid[ip] = rec
		e.rules[ip] = append(e.rules[ip], Rule{
			TargetIP:  ip,
			Action:    rec.Action,
			Params:    map[string]any{"handle": rec.RuleSpec, "dest_port": rec.DestPort, "canary_ip": rec.CanaryIP},
			CreatedAt: e.clock(),
		})
	}
	e.mu.Unlock()

	if len(valid) != len(records) {
		if err := e.persist.save(valid); err != nil {
			e.logger.Warn("failed saving pruned diversion state", "error", err)
		}
	}
}

func (e *Engine) checkPersisted(ip string, rec DiversionRecord) (bool, error) {
	switch rec.Action {
	case ActionBlock:
		return e.filter.CheckBlock(rec.RuleSpec)
	case ActionRedirect:
		return e.filter.CheckRedirect(rec.RuleSpec)
	default:
		return false, nil
	}
}

// ApplyDelay introduces a per-source latency bucket. Idempotent: a
// second call for the same IP is a no-op.
func (e *Engine) ApplyDelay(ip string, delayMS int) bool {
	e.mu.Lock()
	if e.hasAction(ip, ActionDelay) {
		e.mu.Unlock()
		e.logger.Debug("delay already applied, skip", "ip", ip)
		return true
	}
	e.mu.Unlock()

	if err := e.shaper.ApplyDelay(ip, delayMS); err != nil {
		e.logger.Warn("apply delay failed", "ip", ip, "error", err)
		return false
	}
	e.recordRule(ip, Rule{TargetIP: ip, Action: ActionDelay, Params: map[string]any{"delay_ms": delayMS}, CreatedAt: e.clock()})
	return true
}

// ApplyShaping rate-limits ip to rateKbps. Idempotent.
func (e *Engine) ApplyShaping(ip string, rateKbps int) bool {
	e.mu.Lock()
	if e.hasAction(ip, ActionShape) {
		e.mu.Unlock()
		e.logger.Debug("shaping already applied, skip", "ip", ip)
		return true
	}
	e.mu.Unlock()

	if err := e.shaper.ApplyShape(ip, rateKbps); err != nil {
		e.logger.Warn("apply shaping failed", "ip", ip, "error", err)
		return false
	}
	e.recordRule(ip, Rule{TargetIP: ip, Action: ActionShape, Params: map[string]any{"rate_kbps": rateKbps}, CreatedAt: e.clock()})
	return true
}

// ApplyDNATRedirect diverts ip's traffic to the honeypot. IPv6
// sources are refused; at most one redirect rule is retained per IP,
// the latest call overwriting the metadata of any previous one.
func (e *Engine) ApplyDNATRedirect(ip string, destPort int) bool {
	if isIPv6(ip) {
		e.logger.Info("skipping DNAT redirect for IPv6 address", "ip", ip)
		return false
	}

	present, handle, err := e.filter.EnsureRedirect(ip, destPort, e.canary)
	if err != nil {
		e.logger.Warn("apply dnat redirect failed", "ip", ip, "error", err)
		return false
	}
	_ = present

	rec := DiversionRecord{
		Action:   ActionRedirect,
		Backend:  backendNFTables,
		Table:    nftTableName,
		Chain:    nratChainName,
		RuleSpec: handle,
		DestPort: destPort,
		CanaryIP: e.canary,
	}
	e.mu.Lock()
	existing := e.rules[ip]
	kept := existing[:0]
	for _, r := range existing {
		if r.Action != ActionRedirect {
			kept = append(kept, r)
		}
	}
	kept = append(kept, Rule{TargetIP: ip, Action: ActionRedirect, Params: map[string]any{"dest_port": destPort, "canary_ip": e.canary, "handle": handle}, CreatedAt: e.clock()})
	e.rules[ip] = kept
	e.mu.Unlock()

	e.persist.put(ip, rec)
	e.logger.Info("dnat redirect applied", "ip", ip, "canary_ip", e.canary, "dest_port", destPort)
	return true
}

// ApplyBlock installs a drop rule for ip. Idempotent.
func (e *Engine) ApplyBlock(ip string) bool {
	present, handle, err := e.filter.EnsureBlock(ip)
	if err != nil {
		e.logger.Warn("apply block failed", "ip", ip, "error", err)
		return false
	}
	e.mu.Lock()
	if !e.hasAction(ip, ActionBlock) {
		e.rules[ip] = append(e.rules[ip], Rule{TargetIP: ip, Action: ActionBlock, Params: map[string]any{"handle": handle}, CreatedAt: e.clock()})
	}
	e.mu.Unlock()
	if !present {
		e.persist.put(ip, DiversionRecord{Action: ActionBlock, Backend: backendNFTables, Table: nftTableName, Chain: blockChainName, RuleSpec: handle})
		e.logger.Info("block rule applied", "ip", ip)
	}
	return true
}

// ApplySuspectClassification attaches ip to the low-priority shaping
// class. It does not imply diversion.
func (e *Engine) ApplySuspectClassification(ip string) bool {
	e.mu.Lock()
	if e.hasAction(ip, ActionSuspect) {
		e.mu.Unlock()
		return true
	}
	e.mu.Unlock()

	if err := e.shaper.ApplySuspect(ip); err != nil {
		e.logger.Warn("apply suspect classification failed", "ip", ip, "error", err)
		return false
	}
	e.recordRule(ip, Rule{TargetIP: ip, Action: ActionSuspect, CreatedAt: e.clock()})
	return true
}

// ApplyCombinedAction maps a posture to a preset and applies the
// corresponding combination of rules. normal removes everything;
// portal keeps only the honeypot diversion; shield and lockdown add
// delay+shape+suspect classification on top of diversion.
func (e *Engine) ApplyCombinedAction(ip string, mode posture.State, destPort int) bool {
	base := mode.Base()
	if base == posture.StateNormal {
		e.logger.Info("normal mode: removing all rules", "ip", ip)
		return e.RemoveRulesForIP(ip)
	}

	preset := e.presetFor(base)
	success := true

	if !e.ApplyDNATRedirect(ip, destPort) {
		success = false
	}
	if base == posture.StateShield || base == posture.StateLockdown {
		if !e.ApplySuspectClassification(ip) {
			success = false
		}
	}
	if preset.DelayMS > 0 {
		if !e.ApplyDelay(ip, preset.DelayMS) {
			success = false
		}
	}
	if preset.ShapeKbps != nil && *preset.ShapeKbps > 0 {
		if !e.ApplyShaping(ip, *preset.ShapeKbps) {
			success = false
		}
	}

	if success {
		e.logger.Info("combined action applied", "ip", ip, "mode", string(base))
	} else {
		e.logger.Warn("partial failure in combined action", "ip", ip, "mode", string(base))
	}
	return success
}

func (e *Engine) presetFor(base posture.State) config.ActionPreset {
	switch base {
	case posture.StateShield:
		return e.actions.Shield
	case posture.StateLockdown:
		return e.actions.Lockdown
	case posture.StatePortal:
		return e.actions.Portal
	default:
		return e.actions.Normal
	}
}

// RemoveRulesForIP drops every rule this engine has installed for ip,
// in the correct subsystem order, and clears the persistent record.
func (e *Engine) RemoveRulesForIP(ip string) bool {
	e.mu.Lock()
	rules, ok := e.rules[ip]
	if !ok {
		e.mu.Unlock()
		e.logger.Debug("no active rules for ip", "ip", ip)
		return true
	}
	delete(e.rules, ip)
	e.mu.Unlock()

	success := true
	for _, r := range rules {
		var err error
		switch r.Action {
		case ActionDelay:
			err = e.shaper.RemoveDelay(ip)
		case ActionShape:
			err = e.shaper.RemoveShape(ip)
		case ActionSuspect:
			err = e.shaper.RemoveSuspect(ip)
		case ActionRedirect:
			destPort, canaryIP, handle := redirectParams(r)
			err = e.filter.RemoveRedirect(ip, handle, destPort, canaryIP)
			if err == nil {
				e.persist.remove(ip)
			}
		case ActionBlock:
			err = e.filter.RemoveBlock(ip, handleParam(r))
			if err == nil {
				e.persist.remove(ip)
			}
		}
		if err != nil {
			e.logger.Warn("failed removing rule", "ip", ip, "action", string(r.Action), "error", err)
			success = false
		}
	}

	e.logger.Info("all rules removed", "ip", ip)
	return success
}

func redirectParams(r Rule) (destPort int, canaryIP string, handle uint64) {
	destPort, _ = r.Params["dest_port"].(int)
	canaryIP, _ = r.Params["canary_ip"].(string)
	handle = handleParam(r)
	return destPort, canaryIP, handle
}

func handleParam(r Rule) uint64 {
	handle, _ := r.Params["handle"].(uint64)
	return handle
}

// CleanupExpiredRules sweeps every tracked source whose oldest rule
// exceeds maxAge and removes it entirely. Returns the number of
// source addresses cleaned.
func (e *Engine) CleanupExpiredRules(maxAge time.Duration) int {
	now := e.clock()
	var expired []string

	e.mu.Lock()
	for ip, rules := range e.rules {
		oldest := rules[0].CreatedAt
		for _, r := range rules[1:] {
			if r.CreatedAt.Before(oldest) {
				oldest = r.CreatedAt
			}
		}
		if now.Sub(oldest) > maxAge {
			expired = append(expired, ip)
		}
	}
	e.mu.Unlock()

	cleaned := 0
	for _, ip := range expired {
		if e.RemoveRulesForIP(ip) {
			cleaned++
		}
	}
	if cleaned > 0 {
		e.logger.Info("periodic cleanup removed rule sets", "count", cleaned)
	}
	return cleaned
}

// GetActiveRules returns a snapshot of the in-memory rule map.
func (e *Engine) GetActiveRules() map[string][]Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string][]Rule, len(e.rules))
	for ip, rules := range e.rules {
		cp := make([]Rule, len(rules))
		copy(cp, rules)
		out[ip] = cp
	}
	return out
}

// Stats summarizes the engine's current load: tracked source
// addresses, total rules, and redirect/block rules.
type Stats struct {
	ActiveIPs   int
	TotalRules  int
	Diversions  int
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	diversions := 0
	for _, rules := range e.rules {
		total += len(rules)
		for _, r := range rules {
			if r.Action == ActionRedirect || r.Action == ActionBlock {
				diversions++
			}
		}
	}
	return Stats{ActiveIPs: len(e.rules), TotalRules: total, Diversions: diversions}
}

func (e *Engine) hasAction(ip string, action Action) bool {
	for _, r := range e.rules[ip] {
		if r.Action == action {
			return true
		}
	}
	return false
}

func (e *Engine) recordRule(ip string, r Rule) {
	e.mu.Lock()
	e.rules[ip] = append(e.rules[ip], r)
	e.mu.Unlock()
}

func isIPv6(ip string) bool {
	for _, c := range ip {
		if c == ':' {
			return true
		}
	}
	return false
}
