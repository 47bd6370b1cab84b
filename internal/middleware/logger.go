package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Logger returns a zap-based request logging middleware. Paths in skip (health checks, scrapes and the
// high-frequency command poll) are logged at debug level only.
func Logger(logger *zap.Logger, skip ...string) gin.HandlerFunc {
	quiet := make(map[string]bool, len(skip))
	for _, p := range skip {
		quiet[p] = true
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		fields := []zap.Field{
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("client_ip", c.ClientIP()),
		}
		if code := c.Param("code"); code != "" {
			fields = append(fields, zap.String("session_code", code))
		}
		if quiet[route] || quiet[c.Request.URL.Path] {
			logger.Debug("request", fields...)
			return
		}
		logger.Info("request", fields...)
	}
}
