package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"azazel.dev/azazel/internal/config"
	"azazel.dev/azazel/internal/enforcer"
	"azazel.dev/azazel/internal/ingest"
	"azazel.dev/azazel/internal/posture"
)

type fakeFilter struct {
	blocked    map[string]uint64
	redirects  map[string]uint64
	nextHandle uint64
}

func newFakeFilter() *fakeFilter {
	return &fakeFilter{blocked: map[string]uint64{}, redirects: map[string]uint64{}}
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
	if h, ok := f.redirects[ip]; ok {
		return true, h, nil
	}
	h := f.allocHandle()
	f.redirects[ip] = h
	return false, h, nil
}

func (f *fakeFilter) CheckRedirect(handle uint64) (bool, error) {
	for _, h := range f.redirects {
		if h == handle {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeFilter) RemoveRedirect(ip string, _ uint64, destPort int, canaryIP string) error {
	delete(f.redirects, ip)
	return nil
}

type fakeShaper struct{}

func (fakeShaper) EnsureHierarchy(int) error          { return nil }
func (fakeShaper) ApplyDelay(string, int) error       { return nil }
func (fakeShaper) RemoveDelay(string) error           { return nil }
func (fakeShaper) ApplyShape(string, int) error       { return nil }
func (fakeShaper) RemoveShape(string) error           { return nil }
func (fakeShaper) ApplySuspect(string) error          { return nil }
func (fakeShaper) RemoveSuspect(string) error         { return nil }

func testConfig(t *testing.T) *config.Config {
	cfg := config.Defaults()
	dir := t.TempDir()
	cfg.Paths.DecisionLog = filepath.Join(dir, "decisions.log")
	cfg.Paths.DiversionState = filepath.Join(dir, "diversions.json")
	cfg.Paths.Snapshot = filepath.Join(dir, "snapshot.json")
	cfg.Paths.SuricataEVE = ""
	cfg.Paths.OpenCanaryLog = ""
	cfg.SOC.DenylistIPs = []string{"192.168.1.100"}
	return cfg
}

func newTestDaemon(t *testing.T) (*Daemon, *fakeFilter) {
	cfg := testConfig(t)
	filter := newFakeFilter()
	clock := time.Unix(0, 0)
	d, err := New(cfg, filter, fakeShaper{}, func() time.Time { return clock }, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d, filter
}

func TestProcessEventDenylistedSourceIsBlocked(t *testing.T) {
	d, filter := newTestDaemon(t)
	d.ProcessEvent(context.Background(), ingest.Event{
		Name:      "alert",
		Severity:  1,
		Signature: "ET MALWARE Trojan.Gen C2 Communication",
		SrcIP:     "192.168.1.100",
	})

	_, blocked := filter.blocked["192.168.1.100"]
	require.True(t, blocked)
	snap := d.Recorder().Latest()
	require.Equal(t, 95, snap.Score)
}

// TestProcessEventMalwareAlertTriggersRedirect seeds spec.md §8
// scenario 1: a single high-confidence malware alert with a payload
// referencing a C2 gate script must score >= 60, push the posture
// machine to shield or lockdown, and cause the enforcer to record a
// redirect rule for the source.
func TestProcessEventMalwareAlertTriggersRedirect(t *testing.T) {
	d, filter := newTestDaemon(t)
	d.ProcessEvent(context.Background(), ingest.Event{
		Name:      "alert",
		Severity:  1,
		Signature: "ET MALWARE Trojan.Gen C2 Communication",
		SrcIP:     "198.51.100.5",
		DestPort:  22,
		Proto:     "tcp",
		Details: map[string]any{
			"payload_printable": "POST /gate.php HTTP/1.1 eval(base64_decode(%27union select password from users--sleep(5)%27))",
		},
	})

	snap := d.Recorder().Latest()
	require.GreaterOrEqual(t, snap.Score, 60)
	require.True(t, d.Machine().Current() == posture.StateShield || d.Machine().Current() == posture.StateLockdown)
	_, redirected := filter.redirects["198.51.100.5"]
	require.True(t, redirected)
}

func TestProcessEventBenignAlertDoesNotEnforce(t *testing.T) {
	d, filter := newTestDaemon(t)
	d.ProcessEvent(context.Background(), ingest.Event{
		Name:      "alert",
		Severity:  4,
		Signature: "ET INFO HTTPS request to legitimate CDN",
		SrcIP:     "198.51.100.20",
		DestPort:  443,
		Proto:     "tcp",
	})

	_, blocked := filter.blocked["198.51.100.20"]
	_, redirected := filter.redirects["198.51.100.20"]
	require.False(t, blocked)
	require.False(t, redirected)
}

func TestProcessEventIPv6SourceIsNeverEnforced(t *testing.T) {
	d, filter := newTestDaemon(t)
	d.ProcessEvent(context.Background(), ingest.Event{
		Name:      "alert",
		Severity:  1,
		Signature: "ET MALWARE Trojan.Gen C2 Communication",
		SrcIP:     "2001:db8::1",
	})

	require.Empty(t, filter.blocked)
	require.Empty(t, filter.redirects)
}

func TestTrendSampleNeverAltersPosture(t *testing.T) {
	d, _ := newTestDaemon(t)
	before := d.Machine().Current()
	d.ProcessEvent(context.Background(), ingest.Event{Name: "trend_sample", Severity: 0})
	require.Equal(t, before, d.Machine().Current())
}

func TestStartUserModeOverridesAutomaticThresholds(t *testing.T) {
	d, filter := newTestDaemon(t)
	d.StartUserMode(context.Background(), posture.StateLockdown, time.Minute, "203.0.113.7", 80)

	require.Equal(t, posture.UserState(posture.StateLockdown), d.Machine().Current())
	_, redirected := filter.redirects["203.0.113.7"]
	require.True(t, redirected)
}
