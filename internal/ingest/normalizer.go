package ingest

import (
	"encoding/json"
	"strings"

	"azazel.dev/azazel/internal/config"
)

// alertRecord mirrors the Suricata EVE "alert" event-type schema
// (azazel_core/ingest/suricata_tail.py / azazel_pi/core/ingest/suricata_tail.py):
// a flat envelope with a nested alert object.
type alertRecord struct {
	EventType string `json:"event_type"`
	Timestamp string `json:"timestamp"`
	SrcIP     string `json:"src_ip"`
	DestIP    string `json:"dest_ip"`
	Proto     string `json:"proto"`
	DestPort  int    `json:"dest_port"`
	Alert     struct {
		Signature string         `json:"signature"`
		Severity  int            `json:"severity"`
		Category  string         `json:"category"`
		Metadata  map[string]any `json:"metadata"`
	} `json:"alert"`
}

// ETCategory extracts the "ET category" token from a signature: the
// second whitespace-separated word when the signature begins with
// "ET ", otherwise empty (uncategorized).
func ETCategory(signature string) string {
	if !strings.HasPrefix(signature, "ET ") {
		return ""
	}
	fields := strings.Fields(signature)
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

// categoryAllowed applies the soc.allowed_categories / denied_categories
// filters: a denied category always drops the event; when an allow
// list is present, only listed categories survive.
func categoryAllowed(category string, soc config.SOC) bool {
	for _, denied := range soc.DeniedCategories {
		if strings.EqualFold(denied, category) {
			return false
		}
	}
	if len(soc.AllowedCategories) == 0 {
		return true
	}
	for _, allowed := range soc.AllowedCategories {
		if strings.EqualFold(allowed, category) {
			return true
		}
	}
	return false
}

// NormalizeAlertLine maps one Suricata EVE JSON line to an Event. Only
// event_type == "alert" records are admitted; malformed JSON or a
// category excluded by soc's allow/deny lists yields ok=false.
func NormalizeAlertLine(line string, soc config.SOC) (Event, bool) {
	var rec alertRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return Event{}, false
	}
	if rec.EventType != "alert" {
		return Event{}, false
	}

	category := rec.Alert.Category
	if category == "" {
		category = ETCategory(rec.Alert.Signature)
	}
	if !categoryAllowed(category, soc) {
		return Event{}, false
	}

	details := map[string]any{
		"signature": rec.Alert.Signature,
		"category":  category,
	}
	for k, v := range rec.Alert.Metadata {
		details[k] = v
	}

	return Event{
		Name:      "alert",
		Severity:  rec.Alert.Severity,
		Signature: rec.Alert.Signature,
		SrcIP:     rec.SrcIP,
		DestIP:    rec.DestIP,
		DestPort:  rec.DestPort,
		Proto:     rec.Proto,
		Timestamp: rec.Timestamp,
		Details:   details,
	}, true
}

// NormalizeCanaryLine maps one OpenCanary JSON line to an Event. Any
// object carrying a source-address field (src_ip, src, or remote_addr
// — OpenCanary's own output varies) becomes a "canary" Event with
// severity 0, per azazel_core/ingest/canary_tail.py.
func NormalizeCanaryLine(line string) (Event, bool) {
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return Event{}, false
	}

	srcIP, _ := firstString(rec, "src_ip", "src", "remote_addr")
	if srcIP == "" {
		return Event{}, false
	}
	ts, _ := firstString(rec, "timestamp", "time")

	return Event{
		Name:      "canary",
		Severity:  0,
		SrcIP:     srcIP,
		Timestamp: ts,
		Details:   rec,
	}, true
}

func firstString(rec map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := rec[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}
