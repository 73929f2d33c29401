package chain

import "github.com/prometheus/client_golang/prometheus"

var (
	chainCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "credgate",
		Subsystem: "chain",
		Name:      "calls_total",
		Help:      "Contract calls by operation and outcome.",
	}, []string{"op", "outcome"}) // outcome: "ok", "error", "skipped"

	lookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "credgate",
		Subsystem: "chain",
		Name:      "authorization_lookups_total",
		Help:      "Allow-list lookups by result and source.",
	}, []string{"result", "source"}) // source: "cache", "rpc", "breaker"

	confirmationLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "credgate",
		Subsystem: "chain",
		Name:      "confirmation_seconds",
		Help:      "Time from submission to confirmed receipt.",
		Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 180},
	})

	cacheErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "credgate",
		Subsystem: "chain",
		Name:      "cache_errors_total",
		Help:      "Failed Redis commands in the authorization cache.",
	}, []string{"command"})
)

func init() {
	prometheus.MustRegister(chainCalls, lookups, confirmationLatency, cacheErrors)
}
