// Package notify implements component J: a thin, deduplicated fan-out
// of threat/redirect/mode-change events to one or more webhook-style
// sinks. It generalizes the teacher's internal/notification.Dispatcher
// (per-channel best-effort send, independent failures) to the
// azazel_pi/core/notify.py cooldown-keyed suppression convention: a
// send for a given key is silently dropped if the previous send for
// that same key was within cooldown_seconds.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"azazel.dev/azazel/internal/config"
	"azazel.dev/azazel/internal/logging"
)

// Sink is one outbound webhook destination.
type Sink struct {
	Name string
	URL  string
}

// Notifier fans threat/redirect/mode-change events out to every
// configured Sink, independently and best-effort, applying a
// per-(kind,key) cooldown before sending at all.
type Notifier struct {
	mu       sync.Mutex
	lastSent map[string]time.Time

	sinks    []Sink
	cooldown time.Duration
	clock    func() time.Time
	client   *http.Client
	logger   *logging.Logger
}

// New builds a Notifier from the notify configuration section.
func New(cfg config.Notify, clock func() time.Time, logger *logging.Logger) *Notifier {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = logging.WithComponent("notify")
	}
	cooldown := time.Duration(cfg.CooldownSeconds) * time.Second
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	sinks := make([]Sink, 0, len(cfg.Webhooks))
	for _, w := range cfg.Webhooks {
		sinks = append(sinks, Sink{Name: w.Name, URL: w.URL})
	}
	return &Notifier{
		lastSent: make(map[string]time.Time),
		sinks:    sinks,
		cooldown: cooldown,
		clock:    clock,
		client:   &http.Client{Timeout: 8 * time.Second},
		logger:   logger,
	}
}

// ThreatDetected notifies sinks of a scored threat. The cooldown key
// is "threat:<src_ip>:<category>".
func (n *Notifier) ThreatDetected(srcIP, category string, score int, signature string) {
	key := fmt.Sprintf("threat:%s:%s", srcIP, category)
	n.send(key, map[string]any{
		"kind":      "threat",
		"src_ip":    srcIP,
		"category":  category,
		"score":     score,
		"signature": signature,
	})
}

// RedirectChange notifies sinks that ip's diversion endpoints changed.
func (n *Notifier) RedirectChange(ip string, endpoints []string, applied bool) {
	key := fmt.Sprintf("redirect:%s", ip)
	n.send(key, map[string]any{
		"kind":      "redirect_change",
		"ip":        ip,
		"endpoints": endpoints,
		"applied":   applied,
	})
}

// ModeChange notifies sinks the gateway's posture changed.
func (n *Notifier) ModeChange(previous, current string, average float64) {
	key := fmt.Sprintf("mode:%s_%s", previous, current)
	n.send(key, map[string]any{
		"kind":     "mode_change",
		"previous": previous,
		"current":  current,
		"average":  average,
	})
}

// send applies the cooldown-keyed suppression check, then fans the
// payload out to every sink concurrently and independently; one
// sink's failure never prevents another's attempt.
func (n *Notifier) send(key string, payload map[string]any) {
	if n.suppressed(key) {
		n.logger.Debug("notification suppressed by cooldown", "key", key)
		return
	}
	if len(n.sinks) == 0 {
		return
	}

	payload["timestamp"] = n.clock().UTC().Format(time.RFC3339)
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("failed marshaling notification payload", "key", key, "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, sink := range n.sinks {
		wg.Add(1)
		go func(sink Sink) {
			defer wg.Done()
			if err := n.post(sink, body); err != nil {
				n.logger.Warn("notification send failed", "sink", sink.Name, "error", err)
			}
		}(sink)
	}
	wg.Wait()
}

func (n *Notifier) post(sink Sink, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, sink.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned status %d", sink.Name, resp.StatusCode)
	}
	return nil
}

// suppressed reports whether key was last sent within the cooldown
// window, and if not, records now as the new last-sent time.
func (n *Notifier) suppressed(key string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.clock()
	if last, ok := n.lastSent[key]; ok && now.Sub(last) < n.cooldown {
		return true
	}
	n.lastSent[key] = now
	return false
}
