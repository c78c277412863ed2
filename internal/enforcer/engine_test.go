package enforcer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"azazel.dev/azazel/internal/config"
	"azazel.dev/azazel/internal/posture"
)

type fakeFilter struct {
	blocked    map[string]uint64
	redirects  map[string]DiversionRecord
	nextHandle uint64
}

func newFakeFilter() *fakeFilter {
	return &fakeFilter{blocked: map[string]uint64{}, redirects: map[string]DiversionRecord{}}
}

func (f *fakeFilter) allocHandle() uint64 {
	f.nextHandle++
	return f.nextHandle
}

func (f *fakeFilter) EnsureBlock(ip string) (bool, uint64, error) {
	if h, ok := f.blocked[ip]; ok {
		return true, h, nil
	}
	h := f.allocHandle()
	f.blocked[ip] = h
	return false, h, nil
}

func (f *fakeFilter) CheckBlock(handle uint64) (bool, error) {
	for _, h := range f.blocked {
		if h == handle {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeFilter) RemoveBlock(ip string, _ uint64) error {
	delete(f.blocked, ip)
	return nil
}

func (f *fakeFilter) EnsureRedirect(ip string, destPort int, canaryIP string) (bool, uint64, error) {
	if rec, ok := f.redirects[ip]; ok {
		return true, rec.RuleSpec, nil
	}
	h := f.allocHandle()
	f.redirects[ip] = DiversionRecord{Action: ActionRedirect, RuleSpec: h, DestPort: destPort, CanaryIP: canaryIP}
	return false, h, nil
}

func (f *fakeFilter) CheckRedirect(handle uint64) (bool, error) {
	for _, rec := range f.redirects {
		if rec.RuleSpec == handle {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeFilter) RemoveRedirect(ip string, _ uint64, destPort int, canaryIP string) error {
	delete(f.redirects, ip)
	return nil
}

type fakeShaper struct {
	delayed, shaped, suspect map[string]bool
}

func newFakeShaper() *fakeShaper {
	return &fakeShaper{delayed: map[string]bool{}, shaped: map[string]bool{}, suspect: map[string]bool{}}
}

func (s *fakeShaper) EnsureHierarchy(int) error { return nil }
func (s *fakeShaper) ApplyDelay(ip string, _ int) error { s.delayed[ip] = true; return nil }
func (s *fakeShaper) RemoveDelay(ip string) error       { delete(s.delayed, ip); return nil }
func (s *fakeShaper) ApplyShape(ip string, _ int) error { s.shaped[ip] = true; return nil }
func (s *fakeShaper) RemoveShape(ip string) error       { delete(s.shaped, ip); return nil }
func (s *fakeShaper) ApplySuspect(ip string) error      { s.suspect[ip] = true; return nil }
func (s *fakeShaper) RemoveSuspect(ip string) error     { delete(s.suspect, ip); return nil }

func newTestEngine(t *testing.T) (*Engine, *fakeFilter, *fakeShaper) {
	t.Helper()
	filter := newFakeFilter()
	shaper := newFakeShaper()
	cfg := config.Defaults()
	path := filepath.Join(t.TempDir(), "diversions.json")
	now := time.Unix(0, 0)
	e, err := New(filter, shaper, path, cfg, func() time.Time { return now }, nil)
	require.NoError(t, err)
	return e, filter, shaper
}

func TestApplyDelayIsIdempotent(t *testing.T) {
	e, _, shaper := newTestEngine(t)
	require.True(t, e.ApplyDelay("10.0.0.5", 500))
	require.True(t, e.ApplyDelay("10.0.0.5", 500))
	require.Len(t, e.GetActiveRules()["10.0.0.5"], 1)
	require.True(t, shaper.delayed["10.0.0.5"])
}

func TestApplyDNATRedirectRefusesIPv6(t *testing.T) {
	e, filter, _ := newTestEngine(t)
	require.False(t, e.ApplyDNATRedirect("2001:db8::1", 0))
	require.Empty(t, filter.redirects)
}

func TestAtMostOneRedirectPerSource(t *testing.T) {
	e, filter, _ := newTestEngine(t)
	require.True(t, e.ApplyDNATRedirect("10.0.0.9", 22))
	// a second redirect overwrites rather than stacking
	require.True(t, filter.EnsureRedirect2(t, "10.0.0.9"))
	require.True(t, e.ApplyDNATRedirect("10.0.0.9", 80))
	rules := e.GetActiveRules()["10.0.0.9"]
	count := 0
	for _, r := range rules {
		if r.Action == ActionRedirect {
			count++
		}
	}
	require.Equal(t, 1, count)
}

// EnsureRedirect2 is a tiny test helper simulating a config change
// (different dest port) that re-applies a redirect.
func (f *fakeFilter) EnsureRedirect2(t *testing.T, ip string) bool {
	t.Helper()
	delete(f.redirects, ip) // allow the backend to "reapply"
	present, _, err := f.EnsureRedirect(ip, 80, "172.16.10.10")
	require.NoError(t, err)
	return !present
}

func TestApplyBlockPersistsAndIsIdempotent(t *testing.T) {
	e, filter, _ := newTestEngine(t)
	require.True(t, e.ApplyBlock("192.168.1.100"))
	require.True(t, e.ApplyBlock("192.168.1.100"))
	_, blocked := filter.blocked["192.168.1.100"]
	require.True(t, blocked)
	require.Len(t, e.GetActiveRules()["192.168.1.100"], 1)
}

func TestApplyCombinedActionNormalRemovesEverything(t *testing.T) {
	e, filter, shaper := newTestEngine(t)
	ip := "10.0.0.7"
	e.ApplyCombinedAction(ip, posture.StateShield, 0)
	require.NotEmpty(t, e.GetActiveRules()[ip])

	ok := e.ApplyCombinedAction(ip, posture.StateNormal, 0)
	require.True(t, ok)
	require.Empty(t, e.GetActiveRules()[ip])
	require.False(t, filter.redirects[ip].Action == ActionRedirect)
	require.False(t, shaper.delayed[ip])
}

func TestApplyCombinedActionShieldAppliesDiversionDelayShapeSuspect(t *testing.T) {
	e, filter, shaper := newTestEngine(t)
	ip := "10.0.0.8"
	ok := e.ApplyCombinedAction(ip, posture.StateShield, 0)
	require.True(t, ok)
	_, redirected := filter.redirects[ip]
	require.True(t, redirected)
	require.True(t, shaper.suspect[ip])
	require.True(t, shaper.delayed[ip])
	require.True(t, shaper.shaped[ip])
}

func TestCleanupExpiredRulesSweepsOldEntries(t *testing.T) {
	filter := newFakeFilter()
	shaper := newFakeShaper()
	cfg := config.Defaults()
	path := filepath.Join(t.TempDir(), "diversions.json")
	now := time.Unix(0, 0)
	e, err := New(filter, shaper, path, cfg, func() time.Time { return now }, nil)
	require.NoError(t, err)

	e.ApplyBlock("203.0.113.9")
	now = now.Add(2 * time.Hour)
	cleaned := e.CleanupExpiredRules(time.Hour)
	require.Equal(t, 1, cleaned)
	require.Empty(t, e.GetActiveRules())
}

func TestPersistedDiversionsSurviveRestart(t *testing.T) {
	filter := newFakeFilter()
	shaper := newFakeShaper()
	cfg := config.Defaults()
	path := filepath.Join(t.TempDir(), "diversions.json")
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }

	e1, err := New(filter, shaper, path, cfg, clock, nil)
	require.NoError(t, err)
	e1.ApplyBlock("198.51.100.5")

	e2, err := New(filter, shaper, path, cfg, clock, nil)
	require.NoError(t, err)
	require.NotEmpty(t, e2.GetActiveRules()["198.51.100.5"])
}

func TestStalePersistedDiversionsArePruned(t *testing.T) {
	shaper := newFakeShaper()
	cfg := config.Defaults()
	path := filepath.Join(t.TempDir(), "diversions.json")
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }

	priming := newFakeFilter()
	e1, err := New(priming, shaper, path, cfg, clock, nil)
	require.NoError(t, err)
	e1.ApplyBlock("198.51.100.6")

	// Simulate the underlying rule vanishing out from under the engine
	// (e.g. a reboot that reset the kernel table).
	fresh := newFakeFilter()
	e2, err := New(fresh, shaper, path, cfg, clock, nil)
	require.NoError(t, err)
	require.Empty(t, e2.GetActiveRules())
}
