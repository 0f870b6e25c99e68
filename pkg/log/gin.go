package log

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// GinMiddleware returns a Gin middleware that:
//  1. Generates or reads a request ID from X-Request-ID header.
//  2. Creates a child logger with request metadata and injects it into context.
//  3. Sets the X-Request-ID response header.
//  4. Logs the completed request with status, latency, and actor info.
//
// Paths listed in skip (health checks, long-poll endpoints) are still
// given a request logger but their completion line is logged at debug.
func GinMiddleware(logger zerolog.Logger, skip ...string) gin.HandlerFunc {
	quiet := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		quiet[p] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()

		child, reqID := requestLogger(logger, c.GetHeader(headerRequestID), c.Request.Method, c.Request.URL.Path, c.ClientIP())
		c.Header(headerRequestID, reqID)
		c.Request = c.Request.WithContext(WithLogger(c.Request.Context(), child))

		c.Next()

		evt := child.Info()
		if _, ok := quiet[c.FullPath()]; ok {
			evt = child.Debug()
		}
		evt = evt.
			Int(FieldStatus, c.Writer.Status()).
			Float64(FieldLatency, float64(time.Since(start).Milliseconds()))

		if username := c.GetString(FieldUsername); username != "" {
			evt = evt.Str(FieldUsername, username)
		}
		if connID := c.GetString(FieldConnID); connID != "" {
			evt = evt.Str(FieldConnID, connID)
		}
		if len(c.Errors) > 0 {
			evt = evt.Str("errors", c.Errors.String())
		}

		evt.Msg("request completed")
	}
}
