package daemon

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"azazel.dev/azazel/internal/logging"
)

// Metrics is the ambient Prometheus add-on described in
// SPEC_FULL.md's DOMAIN STACK: a posture gauge, a score histogram,
// and enforcement counters, grounded on the teacher's
// internal/ebpf/metrics.Metrics (plain prometheus.New* constructors
// registered against the default registry and served by
// promhttp.Handler()).
type Metrics struct {
	Posture         *prometheus.GaugeVec
	EWMA            prometheus.Gauge
	ScoreHistogram  prometheus.Histogram
	EventsTotal     *prometheus.CounterVec
	EnforcementsTot *prometheus.CounterVec
}

// NewMetrics constructs and registers the gauges/counters/histogram
// against the default Prometheus registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Posture: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "azazel_posture_state",
			Help: "1 for the gateway's currently applied posture, 0 otherwise, labeled by state.",
		}, []string{"state"}),
		EWMA: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "azazel_posture_ewma",
			Help: "Current EWMA-smoothed threat score feeding the posture state machine.",
		}),
		ScoreHistogram: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "azazel_evaluator_score",
			Help:    "Distribution of per-event evaluator scores.",
			Buckets: []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "azazel_events_total",
			Help: "Total events processed, labeled by sensor-assigned event name.",
		}, []string{"event"}),
		EnforcementsTot: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "azazel_enforcements_total",
			Help: "Total enforcement actions applied, labeled by posture.",
		}, []string{"mode"}),
	}
	prometheus.MustRegister(m.Posture, m.EWMA, m.ScoreHistogram, m.EventsTotal, m.EnforcementsTot)
	return m
}

// observePosture flips the single-state gauge and records the EWMA.
func (m *Metrics) observePosture(state string, ewma float64) {
	for _, s := range []string{"normal", "portal", "shield", "lockdown"} {
		if s == state {
			m.Posture.WithLabelValues(s).Set(1)
		} else {
			m.Posture.WithLabelValues(s).Set(0)
		}
	}
	m.EWMA.Set(ewma)
}

// ServeLoopback starts a loopback-only /metrics endpoint on addr
// (e.g. "127.0.0.1:9373") and returns once the listener is bound; it
// serves in a background goroutine until the process exits. An
// ambient addition per SPEC_FULL.md's DOMAIN STACK — spec.md's
// Non-goals never exclude observability, only the external
// dashboards that would consume it.
func ServeLoopback(addr string, logger *logging.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.Serve(ln, mux); err != nil {
			logger.Debug("metrics server stopped", "error", err)
		}
	}()
	return nil
}
