// Package middleware provides HTTP middleware for the gateway's REST and
// upgrade surface.
//
// RequestID assigns or propagates a correlation id so a client-reported
// problem with one WebSocket upgrade or RPC proxy call can be found
// across the gateway's and nexus's logs by a single value.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader is the header name for request ID
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the context key for request ID
	RequestIDKey = "request_id"
)

// RequestID generates or extracts a correlation id for each request and
// echoes it back on the response so the caller can reference it (e.g.
// curl -H "X-Request-ID: my-trace-id" https://gateway.example/gateway).
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Set(RequestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)

		c.Next()
	}
}

// GetRequestID retrieves the request ID from the Gin context
func GetRequestID(c *gin.Context) string {
	if requestID, exists := c.Get(RequestIDKey); exists {
		if id, ok := requestID.(string); ok {
			return id
		}
	}
	return ""
}
