// Package metrics exposes Prometheus collectors for the crawl service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlJobsTotal         *prometheus.CounterVec
	crawlActiveCrawls      prometheus.Gauge
	indexingTasksTotal     *prometheus.CounterVec
	indexingInFlightTasks  *prometheus.GaugeVec
	indexingBatchSeconds   *prometheus.HistogramVec
	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDurationSec *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_jobs_total",
				Help: "Total number of crawl job state transitions, labeled by state.",
			},
			[]string{"state"},
		)

		crawlActiveCrawls = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawl_active_crawls",
				Help: "Number of jobs currently RUNNING or STARTING.",
			},
		)

		indexingTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexing_tasks_total",
				Help: "Total number of indexing tasks, labeled by collection and outcome.",
			},
			[]string{"collection", "outcome"},
		)

		indexingInFlightTasks = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "indexing_inflight_tasks",
				Help: "Number of indexing tasks currently in flight, labeled by collection.",
			},
			[]string{"collection"},
		)

		indexingBatchSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indexing_batch_duration_seconds",
				Help:    "Histogram of indexing batch cycle durations.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
			},
			[]string{"collection"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSec = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJobState increments the job transition counter for the given state.
func ObserveJobState(state string) {
	if crawlJobsTotal != nil {
		crawlJobsTotal.WithLabelValues(state).Inc()
	}
}

// SetActiveCrawls records the current number of RUNNING/STARTING jobs.
func SetActiveCrawls(n int) {
	if crawlActiveCrawls != nil {
		crawlActiveCrawls.Set(float64(n))
	}
}

// ObserveIndexingTask increments the indexing task counter for an outcome
// (indexed, deleted or failed).
func ObserveIndexingTask(collection, outcome string) {
	if indexingTasksTotal != nil {
		indexingTasksTotal.WithLabelValues(collection, outcome).Inc()
	}
}

// SetInFlightTasks records the number of in-flight indexing tasks.
func SetInFlightTasks(collection string, n int) {
	if indexingInFlightTasks != nil {
		indexingInFlightTasks.WithLabelValues(collection).Set(float64(n))
	}
}

// ObserveBatch records the duration of one indexing batch cycle.
func ObserveBatch(collection string, duration time.Duration) {
	if indexingBatchSeconds != nil {
		indexingBatchSeconds.WithLabelValues(collection).Observe(duration.Seconds())
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route, code string, duration time.Duration) {
	if httpRequestsTotal != nil {
		httpRequestsTotal.WithLabelValues(method, code).Inc()
	}
	if httpRequestDurationSec != nil {
		httpRequestDurationSec.WithLabelValues(method, route).Observe(duration.Seconds())
	}
}
