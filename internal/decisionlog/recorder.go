// Package decisionlog implements component I: the audit record of
// every posture/score transition, plus the in-memory snapshot the
// dashboard and e-paper display poll instead of tailing the log.
package decisionlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"azazel.dev/azazel/internal/logging"
)

// Entry is one decision-log line, per spec.md §3 "Decision log entry".
// Fields are declared in the order the original sorted-keys JSON
// expects to read naturally; the actual on-disk ordering is produced
// by marshaling through a map (see Append), so Go's own alphabetical
// map-key marshaling — not this declaration order — is what gives the
// sorted-keys guarantee.
type Entry struct {
	ID             string         `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	Event          string         `json:"event"`
	Score          int            `json:"score"`
	Classification string         `json:"classification"`
	Average        float64        `json:"average"`
	DesiredMode    string         `json:"desired_mode"`
	TargetMode     string         `json:"target_mode"`
	Mode           string         `json:"mode"`
	Actions        []string       `json:"actions,omitempty"`
	SrcIP          string         `json:"src_ip,omitempty"`
	ModeSnapshot   map[string]any `json:"mode_snapshot,omitempty"`
}

// Snapshot is the most recent state the recorder has observed,
// retained in memory for readers that prefer to poll.
type Snapshot struct {
	Mode      string    `json:"mode"`
	EWMA      float64   `json:"ewma"`
	Score     int       `json:"score"`
	SrcIP     string    `json:"src_ip,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Recorder appends Entry lines to an append-only JSON-lines file with
// sorted keys, flushing after every line, and keeps the latest
// Snapshot in memory and mirrored to a runtime snapshot file for
// dashboards that poll rather than tail.
type Recorder struct {
	mu           sync.Mutex
	file         *os.File
	snapshotPath string
	clock        func() time.Time
	logger       *logging.Logger

	latest Snapshot
}

// New opens logPath in append mode (creating it and any parent
// directories if necessary) and returns a Recorder. snapshotPath may
// be empty to disable the runtime-snapshot mirror.
func New(logPath, snapshotPath string, clock func() time.Time, logger *logging.Logger) (*Recorder, error) {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = logging.WithComponent("decisionlog")
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Recorder{file: f, snapshotPath: snapshotPath, clock: clock, logger: logger}, nil
}

// Close flushes and closes the underlying log file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}

// Append writes one Entry as a sorted-keys JSON line and updates the
// in-memory snapshot. Exactly one Entry is appended per dispatched
// event, per the invariant in spec.md §3; trend_sample entries are
// also appended (for display) but never alter posture state — that
// invariant lives in the caller (the daemon), not here.
func (r *Recorder) Append(e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.clock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.writeLineLocked(e); err != nil {
		r.logger.Error("failed appending decision log entry", "error", err)
	}

	r.latest = Snapshot{
		Mode:      e.Mode,
		EWMA:      e.Average,
		Score:     e.Score,
		SrcIP:     e.SrcIP,
		Timestamp: e.Timestamp,
	}
	if r.snapshotPath != "" {
		if err := r.writeSnapshotLocked(); err != nil {
			r.logger.Warn("failed writing runtime snapshot", "error", err)
		}
	}
}

// writeLineLocked marshals e through a map so the on-disk key order is
// alphabetical (encoding/json sorts map keys), matching the original's
// json.dumps(..., sort_keys=True), then appends a newline and flushes.
func (r *Recorder) writeLineLocked(e Entry) error {
	fields := map[string]any{
		"id":          e.ID,
		"timestamp":   e.Timestamp.UTC().Format(time.RFC3339Nano),
		"event":       e.Event,
		"score":       e.Score,
		"classification": e.Classification,
		"average":     e.Average,
		"desired_mode": e.DesiredMode,
		"target_mode": e.TargetMode,
		"mode":        e.Mode,
	}
	if len(e.Actions) > 0 {
		fields["actions"] = e.Actions
	}
	if e.SrcIP != "" {
		fields["src_ip"] = e.SrcIP
	}
	if e.ModeSnapshot != nil {
		fields["mode_snapshot"] = e.ModeSnapshot
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := r.file.Write(data); err != nil {
		return err
	}
	return r.file.Sync()
}

func (r *Recorder) writeSnapshotLocked() error {
	data, err := json.Marshal(r.latest)
	if err != nil {
		return err
	}
	tmp := r.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.snapshotPath)
}

// Latest returns the most recent snapshot, for the status CLI and any
// in-process reader that prefers polling to tailing the log file.
func (r *Recorder) Latest() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest
}
