// Package metrics exposes Prometheus instrumentation for the master,
// worker, and client engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry metrics (master)
	RegisteredWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "clupy_registered_workers",
			Help: "Current number of workers in the master's registration map",
		},
	)

	LeasedWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "clupy_leased_workers",
			Help: "Current number of workers with a non-null holder_id",
		},
	)

	RegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clupy_registrations_total",
			Help: "Total register/unregister calls handled by the master",
		},
		[]string{"op"},
	)

	EvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clupy_evictions_total",
			Help: "Total workers removed by the maintenance loop for a stale registration",
		},
	)

	AllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clupy_allocations_total",
			Help: "Total allocate() calls by outcome",
		},
		[]string{"outcome"},
	)

	AllocationLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clupy_allocation_latency_seconds",
			Help:    "Time taken to serve an allocate() request",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Worker metrics
	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clupy_worker_heartbeats_total",
			Help: "Total register heartbeat attempts by outcome",
		},
		[]string{"outcome"},
	)

	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clupy_worker_executions_total",
			Help: "Total execute() calls handled by a worker, by outcome",
		},
		[]string{"outcome"},
	)

	ExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clupy_worker_execution_duration_seconds",
			Help:    "Wall time of a single execute() invocation",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Client engine metrics
	PendingRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clupy_client_pending_requests",
			Help: "Requests currently queued in a function's pool",
		},
		[]string{"function_key"},
	)

	InFlightRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clupy_client_inflight_requests",
			Help: "Requests currently dispatched and awaiting a response",
		},
		[]string{"function_key"},
	)

	FuturesCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clupy_client_futures_completed_total",
			Help: "Completed futures by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(RegisteredWorkers)
	prometheus.MustRegister(LeasedWorkers)
	prometheus.MustRegister(RegistrationsTotal)
	prometheus.MustRegister(EvictionsTotal)
	prometheus.MustRegister(AllocationsTotal)
	prometheus.MustRegister(AllocationLatency)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(ExecutionsTotal)
	prometheus.MustRegister(ExecutionDuration)
	prometheus.MustRegister(PendingRequests)
	prometheus.MustRegister(InFlightRequests)
	prometheus.MustRegister(FuturesCompletedTotal)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to one series of a histogram
// vec, identified by its label values in declaration order.
func (t *Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, labelValues ...string) {
	histogram.WithLabelValues(labelValues...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
