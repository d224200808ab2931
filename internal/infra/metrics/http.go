package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(webhookRequests, webhookDuration, retrierQueueSize) }

var (
	// result: ok|terminal|retry|bad_request|unauthorized
	webhookRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_webhook_requests_total",
			Help: "Provider webhook deliveries by provider and result.",
		},
		[]string{"provider", "result"},
	)

	webhookDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_webhook_duration_seconds",
			Help:    "Duration of provider webhook handlers in seconds.",
			Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"provider"},
	)

	retrierQueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "payment_activation_retry_queue",
			Help: "Orders left VERIFIED awaiting an activation retry.",
		},
	)
)

func ObserveWebhook(provider, result string, seconds float64) {
	webhookRequests.WithLabelValues(norm(provider), norm(result)).Inc()
	webhookDuration.WithLabelValues(norm(provider)).Observe(seconds)
}

func SetRetryQueue(n int) {
	retrierQueueSize.Set(float64(n))
}
