package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs inserted into background_jobs"}, []string{"type"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_rate_limit_rejects_total", Help: "Enqueue requests rejected by the rate limiter"})
	JobsCompleted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"}, []string{"type"})
	JobsRetried      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Failed attempts returned to pending"}, []string{"type"})
	JobsFailed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs that exhausted their retries"}, []string{"type"})
	JobDuration      = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "job_handler_duration_seconds", Help: "Handler execution time", Buckets: prometheus.DefBuckets}, []string{"type"})
	DispatchRuns     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dispatch_runs_total", Help: "Dispatcher invocations by outcome"}, []string{"outcome"})
	DispatchBatch    = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "dispatch_batch_size", Help: "Jobs claimed per dispatcher invocation", Buckets: []float64{0, 1, 2, 5, 10, 20, 50}})
	JobsByStatus     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "jobs_by_status", Help: "Rows in background_jobs per status"}, []string{"status"})
	DeadLetterDepth  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_dead_letter_depth", Help: "Entries in the dead-letter list"})
)

func register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			RateLimitRejects,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			JobDuration,
			DispatchRuns,
			DispatchBatch,
			JobsByStatus,
			DeadLetterDepth,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	register()
	return promhttp.Handler()
}
