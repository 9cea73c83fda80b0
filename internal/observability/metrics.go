package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce       sync.Once
	runsTotal          *prometheus.CounterVec
	runDurationSeconds prometheus.Histogram
	relaxationsTotal   *prometheus.CounterVec
	transitionsTotal   *prometheus.CounterVec
	httpRequestsTotal  *prometheus.CounterVec
	httpLatencySeconds *prometheus.HistogramVec
)

// RegisterMetrics initialises the Prometheus collectors used by the
// evaluation engine.
func RegisterMetrics() {
	registerOnce.Do(func() {
		runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peereval_runs_total",
			Help: "Assignment runs by terminal result.",
		}, []string{"result"})

		runDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "peereval_run_duration_seconds",
			Help:    "Wall time of assignment runs including retries.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		})

		relaxationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peereval_relaxations_total",
			Help: "Constraint relaxations applied during assignment runs.",
		}, []string{"stage"})

		transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peereval_transitions_total",
			Help: "Evaluation lifecycle transitions by action and result.",
		}, []string{"action", "result"})

		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peereval_http_requests_total",
			Help: "HTTP requests served by the evaluation API.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peereval_http_latency_seconds",
			Help:    "Latency distribution of evaluation API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		prometheus.MustRegister(runsTotal, runDurationSeconds, relaxationsTotal, transitionsTotal, httpRequestsTotal, httpLatencySeconds)
	})
}

// Runs exposes the run result counter.
func Runs() *prometheus.CounterVec {
	RegisterMetrics()
	return runsTotal
}

// RunDuration exposes the run duration histogram.
func RunDuration() prometheus.Histogram {
	RegisterMetrics()
	return runDurationSeconds
}

// Relaxations exposes the relaxation counter.
func Relaxations() *prometheus.CounterVec {
	RegisterMetrics()
	return relaxationsTotal
}

// Transitions exposes the lifecycle transition counter.
func Transitions() *prometheus.CounterVec {
	RegisterMetrics()
	return transitionsTotal
}

// HTTPRequests exposes the request counter used by the middleware.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram used by the middleware.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}
