// Request timeout enforcement for the gateway's REST/RPC-proxy surface.
// A slow or wedged nexus round-trip must not pin a goroutine (and the
// client connection) open indefinitely; this bounds it and returns 408.
package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// TimeoutConfig holds configuration for request timeouts.
type TimeoutConfig struct {
	Timeout       time.Duration
	ErrorMessage  string
	ExcludedPaths []string
}

// DefaultTimeoutConfig excludes the WebSocket upgrade route, which is
// meant to stay open for the life of the connection.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Timeout:       30 * time.Second,
		ErrorMessage:  "Request timeout",
		ExcludedPaths: []string{"/gateway"},
	}
}

// Timeout aborts a request with 408 if it runs longer than config.Timeout,
// excluding any path in config.ExcludedPaths.
func Timeout(config TimeoutConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		for _, excluded := range config.ExcludedPaths {
			if strings.HasPrefix(path, excluded) {
				c.Next()
				return
			}
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), config.Timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		finished := make(chan struct{})
		go func() {
			c.Next()
			close(finished)
		}()

		select {
		case <-finished:
		case <-ctx.Done():
			c.AbortWithStatusJSON(http.StatusRequestTimeout, gin.H{
				"error":   config.ErrorMessage,
				"message": "The request took too long to process",
				"timeout": config.Timeout.String(),
			})
		}
	}
}

// TimeoutWithDuration builds a Timeout middleware using DefaultTimeoutConfig
// with Timeout overridden to the given duration.
func TimeoutWithDuration(timeout time.Duration) gin.HandlerFunc {
	config := DefaultTimeoutConfig()
	config.Timeout = timeout
	return Timeout(config)
}
