package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// =============================================================================
// PROMETHEUS METRICS
// =============================================================================
// Instrumentation for the import pipeline: job lifecycle counters, per-row
// validation outcomes, confidence distribution and batch timings.

// Metrics holds all collectors for the import pipeline.
type Metrics struct {
	registry *prometheus.Registry

	JobsStarted   prometheus.Counter
	JobsCompleted prometheus.Counter
	JobsFailed    prometheus.Counter

	RowsProcessed *prometheus.CounterVec // label: status
	Confidence    prometheus.Histogram
	BatchDuration prometheus.Histogram

	HTTPRequests *prometheus.CounterVec // labels: method, path, status
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		JobsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "import_jobs_started_total",
			Help: "Number of import jobs picked up for processing.",
		}),
		JobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "import_jobs_completed_total",
			Help: "Number of import jobs that finished successfully.",
		}),
		JobsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "import_jobs_failed_total",
			Help: "Number of import jobs that ended in failure.",
		}),
		RowsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "import_rows_processed_total",
			Help: "Number of CSV rows processed, by result status.",
		}, []string{"status"}),
		Confidence: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "import_validation_confidence",
			Help:    "Distribution of email validation confidence scores.",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
		BatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "import_batch_duration_seconds",
			Help:    "Time spent validating one batch of rows.",
			Buckets: prometheus.DefBuckets,
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests served, by method, path and status code.",
		}, []string{"method", "path", "status"}),
	}
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
