package evaluator

import (
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"azazel.dev/azazel/internal/ingest"
)

// sigRule is one entry of the curated signature pattern table: a
// regex naming a category, a 1-5 base risk, and a confidence. The
// table and its keyword-fallback counterpart are grounded on the
// rule-based classification tables in azazel_pi/core/ai_evaluator.py's
// _fallback_evaluation and azazel_edge/core/enhanced_ai_evaluator.py's
// threat_keywords.
type sigRule struct {
	pattern    *regexp.Regexp
	category   string
	baseRisk   int
	confidence float64
}

var signatureTable = []sigRule{
	{regexp.MustCompile(`(?i)(union\s+select|\bor\s+1\s*=\s*1\b|sleep\(\s*\d+\s*\)|information_schema|' ?or ?')`), CategorySQLi, 4, 0.85},
	{regexp.MustCompile(`(?i)(exploit|malware|trojan|backdoor|shellcode|\bc2\b|c&c|botnet|ransomware)`), CategoryExploit, 4, 0.8},
	{regexp.MustCompile(`(?i)(brute\s*force|password\s*guess|credential\s*stuffing)`), CategoryBruteforce, 3, 0.75},
	{regexp.MustCompile(`(?i)(port\s*scan|\bnmap\b|reconnaissance|\bprobe\b)`), CategoryScan, 2, 0.7},
	{regexp.MustCompile(`(?i)(\bdos\b|\bddos\b|flood)`), CategoryDoS, 4, 0.75},
	{regexp.MustCompile(`(?i)(\bet info\b|\blegitimate\b|\bheartbeat\b|informational)`), CategoryBenign, 1, 0.75},
}

// keywordFallback mirrors the same categories via plain substring
// matching, used when no regex in signatureTable matches, at a lower
// confidence. The benign entry is checked last so it never shadows a
// genuine threat keyword.
var keywordFallback = []struct {
	keywords []string
	category string
	baseRisk int
}{
	{[]string{"exploit", "malware", "trojan", "backdoor", "shellcode"}, CategoryExploit, 4},
	{[]string{"brute", "password", "login", "auth"}, CategoryBruteforce, 3},
	{[]string{"scan", "probe", "recon", "nmap"}, CategoryScan, 2},
	{[]string{"dos", "flood"}, CategoryDoS, 4},
	{[]string{"info", "benign", "cdn", "allowed"}, CategoryBenign, 1},
}

var suspiciousTokenPattern = regexp.MustCompile(`(?i)(\\x[0-9a-f]{2}|%[0-9a-f]{2}|eval\(|exec\(|base64_decode|<script)`)

var criticalPorts = map[int]float64{
	22: 0.9, 3389: 0.85, 443: 0.7,
	23: 0.6, 80: 0.6, 5432: 0.6, 3306: 0.6, 1433: 0.6, 21: 0.6, 25: 0.6,
}

// Scorer implements component D, the rule/heuristic 0-100 scorer.
// Its temporal-frequency feature needs a monotone clock and a rolling
// window, both injected at construction per the Design Notes'
// requirement that time sources be explicit for deterministic tests.
type Scorer struct {
	clock      func() time.Time
	windowSpan time.Duration

	mu           sync.Mutex
	frequency    []frequencyEntry
	reputation   map[string]float64
}

type frequencyEntry struct {
	key string // signature + "|" + src_ip
	at  time.Time
}

// NewScorer builds a Scorer with a 60-minute rolling frequency window.
func NewScorer(clock func() time.Time) *Scorer {
	if clock == nil {
		clock = time.Now
	}
	return &Scorer{
		clock:      clock,
		windowSpan: 60 * time.Minute,
		reputation: make(map[string]float64),
	}
}

// Score computes {score, category, confidence} for one event.
func (s *Scorer) Score(ev ingest.Event, payload string) Result {
	category, baseRisk, sigConfidence := classifySignature(ev.Signature)
	sigScore := float64((baseRisk-1)*25) // 1-5 risk scale to 0-100

	payloadScore := payloadComplexity(payload) * 100
	targetScore := targetCriticality(ev.DestPort) * 100
	reputationScore := s.sourceReputation(ev.SrcIP) * 100
	frequencyScore := s.temporalFrequency(ev.Signature, ev.SrcIP) * 100
	protocolScore := protocolAnomaly(ev.Proto, ev.DestPort, payload) * 100

	total := 0.40*sigScore + 0.15*payloadScore + 0.15*targetScore +
		0.10*reputationScore + 0.10*frequencyScore + 0.10*protocolScore

	score := clampScore(int(total + 0.5))
	return Result{
		Score:      score,
		Category:   category,
		ActionHint: actionHintForScore(score),
		Method:     "rule",
		Confidence: sigConfidence,
	}
}

// classifySignature returns (category, 1-5 base risk, confidence).
// The curated regex table is tried first; a keyword fallback follows;
// a total miss is "unknown" at base risk 1, confidence 0.5.
func classifySignature(signature string) (string, int, float64) {
	for _, rule := range signatureTable {
		if rule.pattern.MatchString(signature) {
			return rule.category, rule.baseRisk, rule.confidence
		}
	}
	lower := strings.ToLower(signature)
	for _, fb := range keywordFallback {
		for _, kw := range fb.keywords {
			if strings.Contains(lower, kw) {
				return fb.category, fb.baseRisk, 0.55
			}
		}
	}
	return CategoryUnknown, 1, 0.5
}

func payloadComplexity(payload string) float64 {
	if payload == "" {
		return 0
	}
	var lengthScore float64
	switch {
	case len(payload) > 200:
		lengthScore = 0.4
	case len(payload) > 50:
		lengthScore = 0.25
	default:
		lengthScore = 0.1
	}

	distinct := make(map[rune]struct{})
	for _, r := range payload {
		distinct[r] = struct{}{}
	}
	sample := len(payload)
	if sample > 64 {
		sample = 64
	}
	distinctScore := 0.0
	if sample > 0 {
		distinctScore = 0.3 * float64(min(len(distinct), sample)) / float64(sample)
	}

	suspiciousScore := 0.0
	if suspiciousTokenPattern.MatchString(payload) {
		suspiciousScore = 0.3
	}

	score := lengthScore + distinctScore + suspiciousScore
	if score > 1 {
		score = 1
	}
	return score
}

func targetCriticality(port int) float64 {
	if v, ok := criticalPorts[port]; ok {
		return v
	}
	if port == 0 || port < 1024 {
		return 0.3
	}
	return 0.4
}

func (s *Scorer) sourceReputation(srcIP string) float64 {
	if srcIP == "" {
		return 0.5
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.reputation[srcIP]; ok {
		return v
	}
	v := classifyReputation(srcIP)
	s.reputation[srcIP] = v
	return v
}

func classifyReputation(addr string) float64 {
	ip := net.ParseIP(addr)
	if ip == nil {
		return 0.9
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
		return 0.2
	}
	if ip.IsMulticast() || ip.IsUnspecified() || isReserved(ip) {
		return 0.8
	}
	if isRFC1918(ip) {
		return 0.3
	}
	return 0.5
}

func isRFC1918(ip net.IP) bool {
	for _, cidr := range []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"} {
		_, block, _ := net.ParseCIDR(cidr)
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

func isReserved(ip net.IP) bool {
	for _, cidr := range []string{"240.0.0.0/4", "100.64.0.0/10", "198.18.0.0/15"} {
		_, block, _ := net.ParseCIDR(cidr)
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// temporalFrequency prunes entries older than windowSpan, records the
// current event, and buckets the resulting count into low/medium/high.
func (s *Scorer) temporalFrequency(signature, srcIP string) float64 {
	key := signature + "|" + srcIP
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.windowSpan)
	kept := s.frequency[:0]
	count := 0
	for _, e := range s.frequency {
		if e.at.After(cutoff) {
			kept = append(kept, e)
			if e.key == key {
				count++
			}
		}
	}
	kept = append(kept, frequencyEntry{key: key, at: now})
	s.frequency = kept
	count++ // include this event

	switch {
	case count >= 10:
		return 0.9
	case count >= 3:
		return 0.5
	default:
		return 0.2
	}
}

var webPorts = map[int]bool{80: true, 443: true, 8080: true}

func protocolAnomaly(proto string, port int, payload string) float64 {
	proto = strings.ToLower(proto)
	score := 0.0

	if proto == "tcp" && !webPorts[port] {
		if containsHTTPTokens(payload) {
			score += 0.6
		}
	}
	if suspiciousTokenPattern.MatchString(payload) && webPorts[port] {
		score += 0.4
	}
	if proto == "udp" && len(payload) > 512 {
		score += 0.5
	}
	if score > 1 {
		score = 1
	}
	return score
}

func containsHTTPTokens(payload string) bool {
	for _, tok := range []string{"GET ", "POST ", "HTTP/1.", "Host: "} {
		if strings.Contains(payload, tok) {
			return true
		}
	}
	return false
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
