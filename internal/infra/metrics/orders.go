package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		ordersCreatedTotal,
		orderCreateFailuresTotal,
		verifyOutcomesTotal,
		activationsTotal,
		activationFailuresTotal,
		storeConflictsTotal,
		providerCallDuration,
	)
}

var (
	ordersCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_orders_created_total",
			Help: "Payment orders persisted, by provider.",
		},
		[]string{"provider"},
	)

	// reason: provider_unavailable|invalid_request|id_collision|ref_collision|store_error
	orderCreateFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_order_create_failures_total",
			Help: "Failed order creations by provider and bounded reason.",
		},
		[]string{"provider", "reason"},
	)

	// result: activated|replayed|verified|unknown_order|mismatch|closed|expired|verification_failed|provider_unavailable|error
	verifyOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_order_verify_total",
			Help: "Outcome of verifyAndActivatePayment calls.",
		},
		[]string{"provider", "result"},
	)

	activationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_order_activations_total",
			Help: "Activation sink invocations that completed, by tier.",
		},
		[]string{"tier"},
	)

	activationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_order_activation_failures_total",
			Help: "Activation sink invocations that failed and left the order VERIFIED.",
		},
		[]string{"tier"},
	)

	// op: create|transition|attach_ref|claim|index_ref
	storeConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_order_store_conflicts_total",
			Help: "Compare-and-set writes that lost against a concurrent writer.",
		},
		[]string{"op"},
	)

	providerCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_provider_call_duration_seconds",
			Help:    "Latency of provider initiate/verify calls.",
			Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"provider", "op", "success"},
	)
)

func IncOrderCreated(provider string) {
	ordersCreatedTotal.WithLabelValues(norm(provider)).Inc()
}

func IncOrderCreateFailure(provider, reason string) {
	orderCreateFailuresTotal.WithLabelValues(norm(provider), norm(reason)).Inc()
}

func IncVerifyOutcome(provider, result string) {
	verifyOutcomesTotal.WithLabelValues(norm(provider), norm(result)).Inc()
}

func IncActivation(tier string) {
	activationsTotal.WithLabelValues(norm(tier)).Inc()
}

func IncActivationFailure(tier string) {
	activationFailuresTotal.WithLabelValues(norm(tier)).Inc()
}

func IncStoreConflict(op string) {
	storeConflictsTotal.WithLabelValues(norm(op)).Inc()
}

func ObserveProviderCall(provider, op string, seconds float64, success bool) {
	s := "false"
	if success {
		s = "true"
	}
	providerCallDuration.WithLabelValues(norm(provider), norm(op), s).Observe(seconds)
}
