// Package ingest implements the tailer (component A) and normalizer
// (component B): following rotating sensor logs and mapping each
// sensor's record schema onto one internal Event.
package ingest

// Event is the common record produced by the normalizer and consumed
// by the evaluator router and the posture state machine. One Event is
// created per admitted line and discarded after one pass.
type Event struct {
	// Name is a short event-kind token: "alert", "canary", "decay_tick",
	// "trend_sample".
	Name string `json:"name"`

	// Severity is sensor-provided, 1 (most severe) through 5, or 0 for
	// synthetic and honeypot (canary) events.
	Severity int `json:"severity"`

	Signature string `json:"signature,omitempty"`

	SrcIP  string `json:"src_ip,omitempty"`
	DestIP string `json:"dest_ip,omitempty"`

	// DestPort is 0 when absent.
	DestPort int    `json:"dest_port,omitempty"`
	Proto    string `json:"proto,omitempty"`

	Timestamp string `json:"timestamp,omitempty"`

	// Details preserves the original record for downstream logging.
	Details map[string]any `json:"details,omitempty"`
}

// IsSynthetic reports whether this event was generated by one of the
// daemon's background timers rather than by a sensor line.
func (e Event) IsSynthetic() bool {
	return e.Name == "decay_tick" || e.Name == "trend_sample"
}
