// Package metrics provides Prometheus instrumentation for the keymux service.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, route pattern,
	// and status class.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keymux",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status class.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route.
	// Selection and admission are in-memory or single-row operations, so
	// the buckets lean low.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "keymux",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method", "path"},
	)

	// SuspendedKeys tracks keys currently sitting in cooldown.
	SuspendedKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "keymux", Name: "suspended_keys",
		Help: "Number of keys currently suspended.",
	})

	// InFlightLeases tracks currently held concurrency leases.
	InFlightLeases = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "keymux", Name: "in_flight_leases",
		Help: "Number of concurrency leases currently held.",
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "keymux", Name: "active_websocket_clients",
		Help: "Number of currently connected WebSocket clients.",
	})

	// DBConnections tracks pool connections by state (open, idle, in_use).
	DBConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "keymux", Name: "db_connections",
		Help: "Database connections by state.",
	}, []string{"state"})

	// DBWaitCount mirrors sql.DBStats.WaitCount.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "keymux", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})

	// DBWaitDuration mirrors sql.DBStats.WaitDuration.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "keymux", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})

	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "keymux", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SuspendedKeys,
		InFlightLeases,
		ActiveWebSocketClients,
		DBConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// CollectDBStats samples sql.DBStats and the goroutine count into gauges
// until ctx ends. It samples once up front so gauges are populated before
// the first interval elapses. Run it in a goroutine.
func CollectDBStats(ctx context.Context, db *sql.DB, interval time.Duration) {
	sample := func() {
		stats := db.Stats()
		DBConnections.WithLabelValues("open").Set(float64(stats.OpenConnections))
		DBConnections.WithLabelValues("idle").Set(float64(stats.Idle))
		DBConnections.WithLabelValues("in_use").Set(float64(stats.InUse))
		DBWaitCount.Set(float64(stats.WaitCount))
		DBWaitDuration.Set(stats.WaitDuration.Seconds())
		GoroutineCount.Set(float64(runtime.NumGoroutine()))
	}
	sample()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample()
		}
	}
}

// Middleware records request counts and latency. Labels use the gin route
// pattern, not the raw URL, so path cardinality stays bounded; requests
// that match no route share one label.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).
			Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusClass(c.Writer.Status())).
			Inc()
	}
}

// Handler adapts the Prometheus exposition handler for the gin router.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
