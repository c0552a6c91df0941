package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ScansTotal       = prometheus.NewCounter(prometheus.CounterOpts{Name: "enhancer_scans_total", Help: "Pages scanned for images"})
	ImagesDiscovered = prometheus.NewCounter(prometheus.CounterOpts{Name: "enhancer_images_discovered_total", Help: "Images discovered across all scans"})
	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "enhancer_jobs_enqueued_total", Help: "Enhancement jobs enqueued"})
	JobsSucceeded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "enhancer_jobs_succeeded_total", Help: "Enhancement jobs completed successfully"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "enhancer_jobs_retried_total", Help: "Enhancement attempts that failed and were rescheduled"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "enhancer_jobs_failed_total", Help: "Enhancement jobs that exhausted their attempt budget"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "enhancer_rate_limit_rejects_total", Help: "Requests rejected by the rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "enhancer_queue_depth", Help: "Ready queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "enhancer_inflight", Help: "Jobs currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ScansTotal,
			ImagesDiscovered,
			JobsEnqueued,
			JobsSucceeded,
			JobsRetried,
			JobsFailed,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
