package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the master's prometheus collectors. They live on their own
// registry so a master embedded in tests never collides with the default
// registerer.
type Metrics struct {
	Registry *prometheus.Registry

	runs       *prometheus.GaugeVec
	workers    prometheus.Gauge
	ticks      prometheus.Counter
	submitted  prometheus.Counter
	retries    prometheus.Counter
	cascaded   prometheus.Counter
	timeouts   prometheus.Counter
	runSeconds prometheus.Histogram
}

// NewMetrics builds the collector set on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		runs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ensemble_runs",
			Help: "Runs of the controlled simulation by status.",
		}, []string{"status"}),
		workers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ensemble_worker_jobs_live",
			Help: "Worker jobs currently queued or running on the cluster.",
		}),
		ticks: factory.NewCounter(prometheus.CounterOpts{
			Name: "ensemble_master_ticks_total",
			Help: "Master poll-loop iterations.",
		}),
		submitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "ensemble_worker_jobs_submitted_total",
			Help: "Worker jobs submitted to the cluster manager.",
		}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Name: "ensemble_run_retries_total",
			Help: "Failed runs requeued with a fresh attempt.",
		}),
		cascaded: factory.NewCounter(prometheus.CounterOpts{
			Name: "ensemble_runs_cascade_aborted_total",
			Help: "Policy runs aborted because their baseline died.",
		}),
		timeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "ensemble_runs_timed_out_total",
			Help: "Running runs failed by the timeout sweep.",
		}),
		runSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ensemble_run_duration_seconds",
			Help:    "Wall-clock duration of finished runs.",
			Buckets: prometheus.ExponentialBuckets(30, 2, 12),
		}),
	}
}

func (m *Metrics) setRuns(counts map[string]int) {
	if m == nil {
		return
	}
	m.runs.Reset()
	for status, n := range counts {
		m.runs.WithLabelValues(status).Set(float64(n))
	}
}

func (m *Metrics) observeRun(seconds float64) {
	if m == nil {
		return
	}
	m.runSeconds.Observe(seconds)
}
