package authflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "credgate",
		Subsystem: "flow",
		Name:      "transitions_total",
		Help:      "Flow state transitions by target state.",
	}, []string{"state"})

	failures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "credgate",
		Subsystem: "flow",
		Name:      "failures_total",
		Help:      "Failed flows by kind.",
	}, []string{"flow", "kind"})

	flowDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "credgate",
		Subsystem: "flow",
		Name:      "duration_seconds",
		Help:      "Flow duration from marker acquisition to completion.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 180, 300},
	}, []string{"flow", "outcome"})

	busyRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "credgate",
		Subsystem: "flow",
		Name:      "busy_rejections_total",
		Help:      "Actions refused because another request held the processing marker.",
	})

	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "credgate",
		Subsystem: "flow",
		Name:      "active_sessions",
		Help:      "Open reviewer sessions.",
	})
)

func init() {
	prometheus.MustRegister(transitions, failures, flowDuration, busyRejections, activeSessions)
}

// observeFlow returns a func recording the flow's duration and outcome.
func observeFlow(flow string) func(fe *FlowError) {
	start := time.Now()
	return func(fe *FlowError) {
		outcome := "ok"
		if fe != nil {
			outcome = string(fe.Kind)
			failures.WithLabelValues(flow, outcome).Inc()
		}
		flowDuration.WithLabelValues(flow, outcome).Observe(time.Since(start).Seconds())
	}
}
