package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	PostsEnqueued    = prometheus.NewCounter(prometheus.CounterOpts{Name: "posts_enqueued_total", Help: "Posts accepted for scheduling"})
	JobsClaimed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_jobs_claimed_total", Help: "Jobs claimed from the queue"})
	PublishSuccess   = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_success_total", Help: "Jobs delivered successfully"})
	PublishRetries   = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_retries_total", Help: "Failed attempts that will retry"})
	PublishExhausted = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_exhausted_total", Help: "Jobs that ran out of attempts"})
	AlreadyPublished = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_skipped_total", Help: "Jobs short-circuited by the idempotency guard"})
	ReclaimedLeases  = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_reclaimed_total", Help: "Jobs reclaimed from expired processing leases"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "enqueue_rate_limit_rejects_total", Help: "Enqueue requests rejected by the rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "publish_queue_depth", Help: "Queued jobs due for delivery"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "publish_inflight", Help: "Jobs currently being processed"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			PostsEnqueued,
			JobsClaimed,
			PublishSuccess,
			PublishRetries,
			PublishExhausted,
			AlreadyPublished,
			ReclaimedLeases,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
