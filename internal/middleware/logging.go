package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/streamforge/pipeline/internal/logging"
	"github.com/streamforge/pipeline/internal/metrics"
)

// Logger middleware logs request details and records request metrics
func Logger(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()

		log.LogHTTPRequest(c.Request.Method, path, c.ClientIP(), status, duration)
		metrics.RecordHTTPRequest(c.Request.Method, c.FullPath(), strconv.Itoa(status), duration.Seconds())
	}
}
