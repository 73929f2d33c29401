package requests

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	storeOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "credgate",
		Subsystem: "requests",
		Name:      "store_operations_total",
		Help:      "Request store operations by operation and outcome.",
	}, []string{"op", "outcome"}) // outcome: "ok", "not_found", "conflict", "validation", "unavailable"

	storeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "credgate",
		Subsystem: "requests",
		Name:      "store_latency_seconds",
		Help:      "Request store call latency in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"op"})

	statusTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "credgate",
		Subsystem: "requests",
		Name:      "status_transitions_total",
		Help:      "Requests moved out of pending, by new status.",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(storeOps, storeLatency, statusTransitions)
}

func observe(op string, start time.Time, err error) {
	storeLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	storeOps.WithLabelValues(op, outcome(err)).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrValidation):
		return "validation"
	default:
		return "unavailable"
	}
}
