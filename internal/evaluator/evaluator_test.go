package evaluator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"azazel.dev/azazel/internal/config"
	"azazel.dev/azazel/internal/ingest"
	"github.com/stretchr/testify/require"
)

func TestExceptionMatcherDenylist(t *testing.T) {
	m := NewExceptionMatcher(config.SOC{DenylistIPs: []string{"192.168.1.100"}})
	result, ok := m.Match(ingest.Event{SrcIP: "192.168.1.100", Signature: "ET INFO benign"})
	require.True(t, ok)
	require.Equal(t, 95, result.Score)
	require.Equal(t, ActionBlock, result.ActionHint)
	require.Equal(t, "exception", result.Method)
}

func TestExceptionMatcherCriticalSignature(t *testing.T) {
	m := NewExceptionMatcher(config.SOC{CriticalSignatures: []string{"TROJAN.GEN"}})
	_, ok := m.Match(ingest.Event{Signature: "ET MALWARE Trojan.Gen C2 Communication"})
	require.True(t, ok)
}

func TestExceptionMatcherMiss(t *testing.T) {
	m := NewExceptionMatcher(config.SOC{})
	_, ok := m.Match(ingest.Event{SrcIP: "1.2.3.4", Signature: "benign traffic"})
	require.False(t, ok)
}

func TestScorerMalwareSignatureScoresHigh(t *testing.T) {
	s := NewScorer(func() time.Time { return time.Unix(0, 0) })
	ev := ingest.Event{
		Signature: "ET MALWARE Trojan.Gen C2 Communication",
		Severity:  1,
		DestPort:  22,
		Proto:     "tcp",
	}
	payload := "POST /gate.php HTTP/1.1 eval(base64_decode(%27union select password from users--sleep(5)%27))"
	// Repeated sightings of the same signature/source push the
	// temporal-frequency feature into its "medium" bucket, matching a C2
	// beacon that checks in on a short interval rather than a one-off.
	s.Score(ev, payload)
	s.Score(ev, payload)
	result := s.Score(ev, payload)
	require.GreaterOrEqual(t, result.Score, 60)
	require.Equal(t, CategoryExploit, result.Category)
}

func TestScorerBenignSignatureScoresLow(t *testing.T) {
	s := NewScorer(nil)
	ev := ingest.Event{
		Signature: "ET INFO HTTPS request to legitimate CDN",
		Severity:  4,
		DestPort:  443,
		Proto:     "tcp",
	}
	result := s.Score(ev, "")
	require.Less(t, result.Score, 50)
	require.Equal(t, CategoryBenign, result.Category)
}

func TestScoreIsAlwaysBounded(t *testing.T) {
	s := NewScorer(nil)
	for _, ev := range []ingest.Event{
		{Signature: "", DestPort: 0},
		{Signature: "exploit malware trojan backdoor shellcode", DestPort: 22, Proto: "tcp"},
	} {
		r := s.Score(ev, "\\x41\\x42eval(base64_decode(")
		require.GreaterOrEqual(t, r.Score, 0)
		require.LessOrEqual(t, r.Score, 100)
	}
}

func TestRouterFallsBackToRuleWhenDeepDisabled(t *testing.T) {
	router := NewRouter(NewExceptionMatcher(config.SOC{}), NewScorer(nil), nil, nil)
	ev := ingest.Event{Signature: "ET SCAN nmap probe detected", DestPort: 22, Proto: "tcp"}
	result := router.Evaluate(context.Background(), ev)
	require.GreaterOrEqual(t, result.Score, 0)
	require.LessOrEqual(t, result.Score, 100)
	require.Equal(t, "rule", result.Method)
}

func TestTokenBucketRefillsOncePerMinute(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	b := newTokenBucket(2, clock)
	require.True(t, b.take())
	require.True(t, b.take())
	require.False(t, b.take())

	now = now.Add(61 * time.Second)
	require.True(t, b.take())
}

func TestExtractJSONTriesAllThreePatterns(t *testing.T) {
	_, ok := extractJSON(`some preamble {"score": 85, "explanation": "bad"} trailing`)
	require.True(t, ok)

	_, ok = extractJSON(`noise {"risk": 4} more noise`)
	require.True(t, ok)

	_, ok = extractJSON(`not json at all`)
	require.False(t, ok)
}

func TestNormalizeMapsRiskToScoreRange(t *testing.T) {
	risk := 5
	result := normalize(deepResponse{Risk: &risk})
	require.Equal(t, 100, result.Score)
	require.Equal(t, ActionBlock, result.ActionHint)
}

// TestDeepEvaluationIsCappedAtMaxPerMinute seeds spec.md §8 scenario 6:
// with deep_max_per_min = 10, 100 low-confidence events in a tight loop
// must produce no more than 10 HTTP calls to the remote evaluator, and
// every one of the 100 events must still come back with a usable
// result (falling back to the rule stage once the budget is spent).
func TestDeepEvaluationIsCappedAtMaxPerMinute(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, `{"response": "{\"score\": 90, \"category\": \"exploit\"}"}`)
	}))
	defer server.Close()

	cfg := config.AI{
		Endpoint:       server.URL,
		Model:          "test-model",
		TimeoutSeconds: 5,
		DeepSampleRate: 1.0,
		DeepMaxPerMin:  10,
	}
	deep := NewDeepEvaluator(cfg, nil)
	router := NewRouter(NewExceptionMatcher(config.SOC{}), NewScorer(nil), deep, nil)

	var deepCount, ruleCount int
	for i := 0; i < 100; i++ {
		ev := ingest.Event{Signature: fmt.Sprintf("unusual activity %d", i), SrcIP: "198.51.100.1"}
		result := router.Evaluate(context.Background(), ev)
		require.GreaterOrEqual(t, result.Score, 0)
		require.LessOrEqual(t, result.Score, 100)
		switch result.Method {
		case "deep":
			deepCount++
		case "rule":
			ruleCount++
		default:
			t.Fatalf("unexpected method %q for event %d", result.Method, i)
		}
	}

	require.LessOrEqual(t, int(atomic.LoadInt32(&calls)), 10)
	require.Equal(t, int(atomic.LoadInt32(&calls)), deepCount)
	require.Equal(t, 100, deepCount+ruleCount)
}
