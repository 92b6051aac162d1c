// Package metrics provides Prometheus instrumentation for the protocol core.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PositionsOpened counts paired positions opened.
	PositionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collar_positions_opened_total",
		Help: "Total paired positions opened",
	})

	// Settlements counts paired-position settlements.
	Settlements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collar_settlements_total",
		Help: "Total paired positions settled",
	})

	// Rolls counts executed position rolls.
	Rolls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collar_rolls_total",
		Help: "Total roll executions",
	})

	// LoansByEvent counts loan lifecycle events, partitioned by event.
	LoansByEvent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collar_loan_events_total",
		Help: "Loan lifecycle events",
	}, []string{"event"})

	// ActivePositions tracks paired positions that are open and unsettled.
	ActivePositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collar_active_positions",
		Help: "Paired positions currently open and unsettled",
	})

	// EscrowSeizures counts forced escrow seizures.
	EscrowSeizures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collar_escrow_seizures_total",
		Help: "Total escrow records seized after the grace period",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collar_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "collar_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// RequestMetrics is gin middleware recording request counts and latency.
func RequestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method, path, strconv.Itoa(c.Writer.Status()),
		).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).
			Observe(time.Since(start).Seconds())
	}
}
