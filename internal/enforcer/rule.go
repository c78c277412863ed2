// Package enforcer implements component H: the idempotent, crash-safe
// manager of per-source kernel packet-filter and traffic-shaping
// rules. Its shape is ported from
// azazel_pi/core/enforcer/traffic_control.py's TrafficControlEngine —
// the same rule bookkeeping, the same "replace tries first, already
// exists is success" idempotency contract, and the same persisted
// diversion file semantics — re-expressed on top of
// github.com/google/nftables and github.com/vishvananda/netlink in
// place of shelling out to nft/tc/iptables.
package enforcer

import "time"

// Action identifies which subsystem a Rule occupies.
type Action string

const (
	ActionDelay    Action = "delay"
	ActionShape    Action = "shape"
	ActionRedirect Action = "redirect"
	ActionBlock    Action = "block"
	ActionSuspect  Action = "suspect_qos"
)

// Rule is the in-memory record of one installed kernel-level rule.
type Rule struct {
	TargetIP  string
	Action    Action
	Params    map[string]any
	CreatedAt time.Time
}
