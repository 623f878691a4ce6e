package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lanternfabric/core/internal/rpc"
)

// MaxRequestBodySize bounds a request body at the same size the RPC
// layer itself enforces on the body it forwards to the nexus, so an
// oversized upload is rejected at the gin layer before ever reaching
// proxyToNexus's frame encoding.
const MaxRequestBodySize int64 = rpc.MaxFrameSize

// RequestSizeLimiter rejects any non-GET/HEAD/OPTIONS request whose
// Content-Length exceeds maxSize, and wraps the body in a MaxBytesReader
// so a lying Content-Length can't be used to smuggle more.
func RequestSizeLimiter(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead || c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		if c.Request.ContentLength > maxSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":       "Request entity too large",
				"message":     "Request body exceeds maximum allowed size",
				"max_size_mb": float64(maxSize) / (1024 * 1024),
			})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)

		c.Next()
	}
}

// DefaultSizeLimiter applies RequestSizeLimiter at MaxRequestBodySize.
func DefaultSizeLimiter() gin.HandlerFunc {
	return RequestSizeLimiter(MaxRequestBodySize)
}
