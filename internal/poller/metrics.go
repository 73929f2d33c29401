package poller

import "github.com/prometheus/client_golang/prometheus"

var (
	fetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "credgate",
		Subsystem: "poller",
		Name:      "fetches_total",
		Help:      "Poller fetches by poller and outcome.",
	}, []string{"poller", "outcome"})

	skipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "credgate",
		Subsystem: "poller",
		Name:      "skipped_total",
		Help:      "Ticks dropped because the previous fetch had not returned.",
	}, []string{"poller"})

	fetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "credgate",
		Subsystem: "poller",
		Name:      "fetch_duration_seconds",
		Help:      "Poller fetch latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"poller"})
)

func init() {
	prometheus.MustRegister(fetches, skipped, fetchDuration)
}
