package enforcer

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	azerrors "azazel.dev/azazel/internal/errors"
	"azazel.dev/azazel/internal/logging"
)

// DiversionRecord is the persisted form of a redirect or block rule,
// sufficient to both recreate the in-memory Rule after a restart and
// to validate (and, if stale, delete) the underlying kernel rule
// without re-parsing the live rule listing. Mirrors the metadata dict
// built by _record_redirect_rule and apply_block in
// traffic_control.py, extended with the backend/table/chain/rule_spec
// fields spec.md §3 and §6 require so a rule can be deleted "by
// specification" rather than by re-scanning every live rule for a
// source-address match (the fragile pattern spec.md §9's Open
// Questions calls out). RuleSpec is the kernel-assigned rule handle
// captured at insertion time; a value of 0 means no handle was
// captured (e.g. a record written by an older version); removal then
// falls back to a source-address scan, and the startup check treats
// the record as stale. RecordID identifies the record independent of
// the source-address key.
type DiversionRecord struct {
	RecordID string `json:"record_id,omitempty"`
	Backend  string `json:"backend"`
	Table    string `json:"table"`
	Chain    string `json:"chain"`
	RuleSpec uint64 `json:"rule_spec"`
	Action   Action `json:"action"`
	DestPort int    `json:"dest_port,omitempty"`
	CanaryIP string `json:"canary_ip,omitempty"`
}

type diversionStore struct {
	path   string
	logger *logging.Logger
}

func newDiversionStore(path string, logger *logging.Logger) *diversionStore {
	if logger == nil {
		logger = logging.WithComponent("enforcer.persist")
	}
	return &diversionStore{path: path, logger: logger}
}

// load reads the diversion file, tolerating a missing or unparseable
// file by returning an empty map — a corrupt file is truthful only
// about rules this engine itself installed, so losing it merely
// forfeits the ability to delete pre-existing rules on restart.
func (d *diversionStore) load() map[string]DiversionRecord {
	data, err := os.ReadFile(d.path)
	if err != nil {
		if !os.IsNotExist(err) {
			wrapped := azerrors.Wrap(err, azerrors.KindUnavailable, "read diversion state")
			d.logger.Warn("failed reading diversion state, treating as empty", "error", wrapped)
		}
		return map[string]DiversionRecord{}
	}
	var records map[string]DiversionRecord
	if err := json.Unmarshal(data, &records); err != nil {
		// Persistent-state corruption per spec.md §7: the file is
		// truthful only about rules this engine itself installed, so
		// treating it as empty merely forfeits deleting pre-existing
		// rules on restart.
		wrapped := azerrors.Wrap(err, azerrors.KindValidation, "parse diversion state")
		d.logger.Warn("failed parsing diversion state, treating as empty", "error", wrapped)
		return map[string]DiversionRecord{}
	}
	return records
}

// save rewrites the file atomically: write a sibling .tmp file, then
// rename over the original.
func (d *diversionStore) save(records map[string]DiversionRecord) error {
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return azerrors.Wrap(err, azerrors.KindUnavailable, "create diversion state directory")
	}
	data, err := json.Marshal(records)
	if err != nil {
		return azerrors.Wrap(err, azerrors.KindInternal, "marshal diversion state")
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return azerrors.Wrap(err, azerrors.KindUnavailable, "write diversion state")
	}
	if err := os.Rename(tmp, d.path); err != nil {
		return azerrors.Wrap(err, azerrors.KindUnavailable, "replace diversion state")
	}
	return nil
}

func (d *diversionStore) put(ip string, rec DiversionRecord) {
	records := d.load()
	if rec.RecordID == "" {
		if existing, ok := records[ip]; ok && existing.RecordID != "" {
			rec.RecordID = existing.RecordID
		} else {
			rec.RecordID = uuid.NewString()
		}
	}
	records[ip] = rec
	if err := d.save(records); err != nil {
		d.logger.Warn("failed persisting diversion entry", "ip", ip, "error", err, "kind", azerrors.GetKind(err))
	}
}

func (d *diversionStore) remove(ip string) {
	records := d.load()
	if _, ok := records[ip]; !ok {
		return
	}
	delete(records, ip)
	if err := d.save(records); err != nil {
		d.logger.Warn("failed removing diversion entry", "ip", ip, "error", err, "kind", azerrors.GetKind(err))
	}
}
