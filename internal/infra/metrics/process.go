package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(buildInfo, dbPoolConns, retryRuns) }

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "payment_orders_build_info",
			Help: "Constant 1, labelled with version and the configured store driver.",
		},
		[]string{"version", "store"},
	)

	dbPoolConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "payment_orders_db_pool_conns",
			Help: "Postgres pool connections by state.",
		},
		[]string{"state"}, // total|idle|in_use
	)

	// result: activated|skipped|failed
	retryRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_activation_retries_total",
			Help: "Activation retries attempted by the retrier, by result.",
		},
		[]string{"result"},
	)
)

func SetBuildInfo(version, store string) {
	buildInfo.WithLabelValues(version, norm(store)).Set(1)
}

func SetDBPoolStats(total, idle, inUse int32) {
	dbPoolConns.WithLabelValues("total").Set(float64(total))
	dbPoolConns.WithLabelValues("idle").Set(float64(idle))
	dbPoolConns.WithLabelValues("in_use").Set(float64(inUse))
}

func IncActivationRetry(result string) {
	retryRuns.WithLabelValues(norm(result)).Inc()
}
