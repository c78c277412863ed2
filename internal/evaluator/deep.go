package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"azazel.dev/azazel/internal/config"
	"azazel.dev/azazel/internal/ingest"
	"azazel.dev/azazel/internal/logging"
)

// tokenBucket is a minute-granularity admission gate guarded by its
// own small mutex, per the specification's concurrency model. The
// refill-once-per-minute shape is grounded on the IAmSoThirsty budget
// package's token bucket, adapted from a background refill goroutine
// to a lazy "refill on check" bucket (no extra goroutine needed for a
// once-a-minute cadence).
type tokenBucket struct {
	mu         sync.Mutex
	capacity   int
	tokens     int
	lastRefill time.Time
	clock      func() time.Time
}

func newTokenBucket(capacity int, clock func() time.Time) *tokenBucket {
	if clock == nil {
		clock = time.Now
	}
	return &tokenBucket{capacity: capacity, tokens: capacity, lastRefill: clock(), clock: clock}
}

func (b *tokenBucket) take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	if now.Sub(b.lastRefill) >= time.Minute {
		b.tokens = b.capacity
		b.lastRefill = now
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// jsonPatterns are tried in order, looser each time, mirroring
// azazel_edge/core/enhanced_ai_evaluator.py's json_patterns cascade:
// first a score-keyed object, then a risk-keyed object, then any
// bare object.
var jsonPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)\{[^{}]*"score"\s*:\s*-?\d+[^{}]*\}`),
	regexp.MustCompile(`(?is)\{[^{}]*"risk"\s*:\s*-?\d+[^{}]*\}`),
	regexp.MustCompile(`(?is)\{[^{}]*\}`),
}

type deepResponse struct {
	Score       *int    `json:"score"`
	Risk        *int    `json:"risk"`
	Explanation string  `json:"explanation"`
	Reason      string  `json:"reason"`
	Action      string  `json:"action"`
	Category    string  `json:"category"`
}

func (r deepResponse) usable() bool {
	return r.Score != nil || r.Risk != nil
}

// DeepEvaluator implements component E: an optional remote HTTP call
// to an LLM-style analysis service, gated by sampling and a token
// bucket, with a deterministic fallback that guarantees a result is
// always produced.
type DeepEvaluator struct {
	cfg    config.AI
	client *http.Client
	bucket *tokenBucket
	rand   *rand.Rand
	clock  func() time.Time
	logger *logging.Logger

	mu sync.Mutex
}

// NewDeepEvaluator builds a DeepEvaluator from the ai configuration
// section.
func NewDeepEvaluator(cfg config.AI, logger *logging.Logger) *DeepEvaluator {
	if logger == nil {
		logger = logging.WithComponent("evaluator.deep")
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &DeepEvaluator{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		bucket: newTokenBucket(cfg.DeepMaxPerMin, time.Now),
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
		clock:  time.Now,
		logger: logger,
	}
}

// Admit performs the Bernoulli sample-rate draw followed by the token
// bucket check. Both are thread-safe; failing either means the deep
// stage is skipped for this event.
func (d *DeepEvaluator) Admit() bool {
	d.mu.Lock()
	draw := d.rand.Float64()
	d.mu.Unlock()
	if draw >= d.cfg.DeepSampleRate {
		return false
	}
	return d.bucket.take()
}

// Evaluate asks the remote service to analyze ev, retrying up to
// cfg.DeepEvalRetries times with exponential backoff (0.5s, 1.0s,
// 2.0s, ...). A deep-stage result is never missing: on any failure
// that exhausts the retries it falls back to a deterministic
// keyword-based classification over the same fields.
func (d *DeepEvaluator) Evaluate(ctx context.Context, ev ingest.Event) Result {
	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= d.cfg.DeepEvalRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return d.fallback(ev)
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		result, err := d.call(ctx, ev)
		if err == nil {
			return result
		}
		lastErr = err
		d.logger.Debug("deep evaluator attempt failed", "attempt", attempt, "error", err)
	}
	d.logger.Warn("deep evaluator exhausted retries, using fallback", "error", lastErr)
	return d.fallback(ev)
}

func (d *DeepEvaluator) call(ctx context.Context, ev ingest.Event) (Result, error) {
	prompt := buildPrompt(ev)
	body, err := json.Marshal(map[string]any{
		"model":  d.cfg.Model,
		"prompt": prompt,
		"stream": false,
		"options": map[string]any{
			"num_predict": 64,
			"temperature": 0.1,
		},
	})
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("deep evaluator HTTP %d", resp.StatusCode)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, err
	}

	var envelope struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Result{}, err
	}

	parsed, ok := extractJSON(envelope.Response)
	if !ok {
		return Result{}, fmt.Errorf("deep evaluator: no usable JSON in response")
	}
	return normalize(parsed), nil
}

// extractJSON tries a direct parse first, then the three progressively
// looser regex patterns, accepting the first candidate that parses and
// carries a usable score or risk field.
func extractJSON(text string) (deepResponse, bool) {
	var direct deepResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &direct); err == nil && direct.usable() {
		return direct, true
	}

	for _, pattern := range jsonPatterns {
		for _, match := range pattern.FindAllString(text, -1) {
			var candidate deepResponse
			if err := json.Unmarshal([]byte(match), &candidate); err == nil && candidate.usable() {
				return candidate, true
			}
		}
	}
	return deepResponse{}, false
}

func normalize(r deepResponse) Result {
	var score int
	switch {
	case r.Score != nil:
		score = clampScore(*r.Score)
	case r.Risk != nil:
		risk := *r.Risk
		if risk < 1 {
			risk = 1
		}
		if risk > 5 {
			risk = 5
		}
		score = 20 + (risk-1)*20 // 1->20, 5->100
	default:
		score = 50
	}

	explanation := r.Explanation
	if explanation == "" {
		explanation = r.Reason
	}
	if len(explanation) > 100 {
		explanation = explanation[:100]
	}

	action := r.Action
	switch action {
	case ActionAllow, ActionMonitor, ActionDelay, ActionBlock:
	default:
		action = actionHintForScore(score)
	}

	category := r.Category
	if category == "" {
		category = CategoryUnknown
	}

	return Result{
		Score:      score,
		Category:   category,
		ActionHint: action,
		Method:     "deep",
		Confidence: 0.75,
	}
}

func buildPrompt(ev ingest.Event) string {
	return fmt.Sprintf("Analyze: %s proto=%s port=%d src=%s", ev.Signature, ev.Proto, ev.DestPort, ev.SrcIP)
}

// threatKeywords is the deterministic fallback table, grounded on
// azazel_edge/core/enhanced_ai_evaluator.py's threat_keywords.
var threatKeywords = []struct {
	keywords []string
	score    int
	category string
	action   string
}{
	{[]string{"malware", "c2", "c&c", "botnet", "ransomware", "trojan"}, 85, CategoryMalware, ActionBlock},
	{[]string{"exploit", "attack", "brute", "injection", "vulnerability"}, 70, CategoryExploit, ActionBlock},
	{[]string{"suspicious", "anomaly", "reconnaissance", "scan"}, 50, CategoryScan, ActionDelay},
	{[]string{"warning", "notice", "info"}, 30, CategoryBenign, ActionMonitor},
}

func (d *DeepEvaluator) fallback(ev ingest.Event) Result {
	text := strings.ToLower(ev.Signature + " " + ev.Proto)
	for _, tk := range threatKeywords {
		for _, kw := range tk.keywords {
			if strings.Contains(text, kw) {
				return Result{
					Score:      tk.score,
					Category:   tk.category,
					ActionHint: tk.action,
					Method:     "fallback",
					Confidence: 0.4,
				}
			}
		}
	}
	return Result{
		Score:      30,
		Category:   CategoryUnknown,
		ActionHint: ActionMonitor,
		Method:     "fallback",
		Confidence: 0.3,
	}
}
