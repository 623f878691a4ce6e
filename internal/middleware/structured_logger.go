// Access logging for the gateway's REST/upgrade surface, through the
// same zerolog component logger used everywhere else in the tree rather
// than a one-off format.
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lanternfabric/core/internal/logger"
)

// StructuredLogger logs every request with its correlation id, route,
// status, duration, and (once authenticated) caller identity.
func StructuredLogger() gin.HandlerFunc {
	return StructuredLoggerWithConfigFunc(DefaultStructuredLoggerConfig())
}

// StructuredLoggerConfig controls which requests get logged and how much
// detail each entry carries.
type StructuredLoggerConfig struct {
	// SkipPaths is a list of paths to skip logging (e.g., health checks)
	SkipPaths []string

	// SkipHealthCheck if true, skips logging for /health endpoint
	SkipHealthCheck bool

	// LogQuery if false, skips logging query parameters (for privacy)
	LogQuery bool

	// LogUserAgent if false, skips logging user agent
	LogUserAgent bool
}

// DefaultStructuredLoggerConfig returns default configuration
func DefaultStructuredLoggerConfig() StructuredLoggerConfig {
	return StructuredLoggerConfig{
		SkipPaths:       []string{},
		SkipHealthCheck: true,
		LogQuery:        true,
		LogUserAgent:    true,
	}
}

// StructuredLoggerWithConfigFunc builds a StructuredLogger with custom
// skip/field configuration.
func StructuredLoggerWithConfigFunc(config StructuredLoggerConfig) gin.HandlerFunc {
	skip := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skip[path] = true
	}
	if config.SkipHealthCheck {
		skip["/health"] = true
	}

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if skip[path] {
			c.Next()
			return
		}

		start := time.Now()
		raw := c.Request.URL.RawQuery

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()

		entry := logger.HTTP().With().
			Str("request_id", GetRequestID(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", duration).
			Str("client_ip", c.ClientIP())

		if config.LogQuery && raw != "" {
			entry = entry.Str("query", raw)
		}
		if config.LogUserAgent {
			entry = entry.Str("user_agent", c.Request.UserAgent())
		}
		if userID, exists := c.Get("userID"); exists {
			entry = entry.Interface("user_id", userID)
		}
		if username, exists := c.Get("username"); exists {
			entry = entry.Interface("username", username)
		}

		log := entry.Logger()
		msg := "request handled"
		switch {
		case status >= 500:
			e := log.Error()
			if len(c.Errors) > 0 {
				e = e.Str("errors", c.Errors.String())
			}
			e.Msg(msg)
		case status >= 400:
			e := log.Warn()
			if len(c.Errors) > 0 {
				e = e.Str("errors", c.Errors.String())
			}
			e.Msg(msg)
		default:
			log.Info().Msg(msg)
		}
	}
}
