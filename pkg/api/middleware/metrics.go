package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts served requests by route and status
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "geotask",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"server", "method", "route", "status"},
	)

	// HTTPRequestDuration tracks request latency
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "geotask",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"server", "method", "route"},
	)

	// HTTPResponseSize tracks response body size
	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "geotask",
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP response body size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 6),
		},
		[]string{"server", "method", "route"},
	)

	// HTTPActiveRequests tracks in-flight requests
	HTTPActiveRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "geotask",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
		[]string{"server"},
	)
)

// MetricsMiddleware records request metrics labelled with server, the name
// of the process serving them.
func MetricsMiddleware(server string) gin.HandlerFunc {
	inFlight := HTTPActiveRequests.WithLabelValues(server)
	return func(c *gin.Context) {
		switch c.Request.URL.Path {
		case "/metrics", "/health":
			c.Next()
			return
		}

		start := time.Now()
		inFlight.Inc()
		defer inFlight.Dec()

		c.Next()

		route := routeLabel(c)
		method := c.Request.Method
		HTTPRequestsTotal.WithLabelValues(server, method, route, strconv.Itoa(c.Writer.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(server, method, route).Observe(time.Since(start).Seconds())
		HTTPResponseSize.WithLabelValues(server, method, route).Observe(float64(c.Writer.Size()))
	}
}

// routeLabel keeps label cardinality bounded: job ids only appear as :job.
func routeLabel(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return "unmatched"
}
