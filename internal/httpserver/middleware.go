package httpserver

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"mailtriage/pkg/metrics"
)

// MetricsMiddleware records request latency by route template, so /mails/3
// and /mails/4 share one series.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequestDuration(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
