// Package metrics holds the Prometheus collectors shared across credgate's
// HTTP surface. Domain packages register their own collectors.
package metrics

import (
	"database/sql"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "credgate"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route pattern and status class.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by method and route pattern.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"method", "path"})

	// RateLimitedTotal counts 429 responses.
	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests refused by a rate limiter, by route pattern.",
	}, []string{"path"})

	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_websocket_clients",
		Help:      "Dashboards currently connected over WebSocket.",
	})

	RealtimeEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "realtime_events_total",
		Help:      "Realtime events by type and outcome (queued or dropped).",
	}, []string{"type", "outcome"})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RateLimitedTotal,
		ActiveWebSocketClients,
		RealtimeEventsTotal,
	)
}

var (
	dbMu        sync.Mutex
	dbCollector prometheus.Collector
)

// RegisterDB exports connection pool statistics for db, replacing any pool
// registered earlier. A nil db only removes the previous one.
func RegisterDB(db *sql.DB) {
	dbMu.Lock()
	defer dbMu.Unlock()
	if dbCollector != nil {
		prometheus.Unregister(dbCollector)
		dbCollector = nil
	}
	if db == nil {
		return
	}
	dbCollector = collectors.NewDBStatsCollector(db, namespace)
	prometheus.MustRegister(dbCollector)
}

// Middleware records request count and latency keyed by route pattern, so
// request IDs in paths do not explode cardinality.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))
		c.Next()
		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusClass(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// statusClass maps 404 to "4xx" and so on.
func statusClass(code int) string {
	if code < http.StatusContinue || code > 599 {
		return "5xx"
	}
	return strconv.Itoa(code/100) + "xx"
}
