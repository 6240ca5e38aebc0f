package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/developer-mesh/timeline-sync/pkg/observability"
)

// RequestLogger logs every request except the websocket upgrades, which
// the websocket server logs itself
func RequestLogger(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		if c.FullPath() == "/ws/:session" {
			return
		}
		fields := map[string]interface{}{
			"client_ip": c.ClientIP(),
			"status":    c.Writer.Status(),
			"latency":   time.Since(start).String(),
			"method":    c.Request.Method,
			"path":      path,
		}
		if len(c.Errors) > 0 {
			fields["errors"] = c.Errors.String()
			logger.Warn("HTTP request failed", fields)
			return
		}
		logger.Debug("HTTP request", fields)
	}
}

// MetricsMiddleware records request counts and latency per route
func MetricsMiddleware(metrics observability.MetricsClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		labels := map[string]string{
			"method": c.Request.Method,
			"route":  route,
			"status": strconv.Itoa(c.Writer.Status()),
		}
		metrics.IncrementCounterWithLabels("http_requests_total", 1, labels)
		metrics.RecordHistogram("http_request_duration_seconds", time.Since(start).Seconds(), map[string]string{"route": route})
	}
}
