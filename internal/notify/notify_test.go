package notify

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"azazel.dev/azazel/internal/config"
)

func newTestServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestThreatDetectedSendsToAllSinks(t *testing.T) {
	var hitsA, hitsB int32
	srvA := newTestServer(t, &hitsA)
	srvB := newTestServer(t, &hitsB)

	cfg := config.Notify{
		CooldownSeconds: 60,
		Webhooks: []config.NotifyChannel{
			{Name: "a", URL: srvA.URL},
			{Name: "b", URL: srvB.URL},
		},
	}
	n := New(cfg, nil, nil)
	n.ThreatDetected("203.0.113.7", "malware", 90, "ET MALWARE Trojan.Gen")

	require.EqualValues(t, 1, atomic.LoadInt32(&hitsA))
	require.EqualValues(t, 1, atomic.LoadInt32(&hitsB))
}

func TestCooldownSuppressesDuplicateSend(t *testing.T) {
	var hits int32
	srv := newTestServer(t, &hits)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	cfg := config.Notify{CooldownSeconds: 60, Webhooks: []config.NotifyChannel{{Name: "a", URL: srv.URL}}}
	n := New(cfg, clock, nil)

	n.ModeChange("portal", "shield", 55.0)
	n.ModeChange("portal", "shield", 55.0)
	require.EqualValues(t, 1, atomic.LoadInt32(&hits))

	now = now.Add(61 * time.Second)
	n.ModeChange("portal", "shield", 55.0)
	require.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestSendWithNoSinksIsNoop(t *testing.T) {
	n := New(config.Notify{CooldownSeconds: 60}, nil, nil)
	n.RedirectChange("203.0.113.7", []string{"172.16.10.10:80"}, true)
}

func TestOneSinkFailureDoesNotBlockAnother(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	var hits int32
	good := newTestServer(t, &hits)

	cfg := config.Notify{
		CooldownSeconds: 60,
		Webhooks: []config.NotifyChannel{
			{Name: "bad", URL: bad.URL},
			{Name: "good", URL: good.URL},
		},
	}
	n := New(cfg, nil, nil)
	n.ThreatDetected("198.51.100.5", "scan", 40, "ET SCAN Nmap")

	require.EqualValues(t, 1, atomic.LoadInt32(&hits))
}
