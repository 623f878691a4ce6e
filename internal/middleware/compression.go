// Response compression for the gateway's JSON RPC proxy routes. Skips
// the WebSocket upgrade and any client that didn't advertise gzip
// support, since compressing an upgrade response or SSE stream would
// just break the protocol switch.
package middleware

import (
	"compress/gzip"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Gzip compression levels
const (
	DefaultCompression = gzip.DefaultCompression
	NoCompression      = gzip.NoCompression
	BestSpeed          = gzip.BestSpeed
	BestCompression    = gzip.BestCompression
)

// gzipWriter wraps gin.ResponseWriter with gzip compression
type gzipWriter struct {
	gin.ResponseWriter
	writer *gzip.Writer
}

func (g *gzipWriter) Write(data []byte) (int, error) {
	return g.writer.Write(data)
}

func (g *gzipWriter) WriteString(s string) (int, error) {
	return g.writer.Write([]byte(s))
}

// Gzip returns a middleware that compresses HTTP responses using gzip.
func Gzip(level int) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !shouldCompress(c.Request) {
			c.Next()
			return
		}

		gz, err := gzip.NewWriterLevel(c.Writer, level)
		if err != nil {
			c.Next()
			return
		}
		defer gz.Close()

		c.Header("Content-Encoding", "gzip")
		c.Header("Vary", "Accept-Encoding")

		c.Writer = &gzipWriter{ResponseWriter: c.Writer, writer: gz}

		c.Next()

		gz.Flush()
	}
}

// shouldCompress reports whether r's response should be gzip-compressed:
// the client must advertise gzip support, and the request must not be a
// protocol upgrade (WebSocket) or an SSE stream.
func shouldCompress(r *http.Request) bool {
	if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		return false
	}
	if r.Header.Get("Upgrade") == "websocket" {
		return false
	}
	if r.Header.Get("Accept") == "text/event-stream" {
		return false
	}
	return true
}

// GzipWithExclusions returns a Gzip middleware that additionally skips
// any request whose path starts with one of excludePaths.
func GzipWithExclusions(level int, excludePaths []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, path := range excludePaths {
			if strings.HasPrefix(c.Request.URL.Path, path) {
				c.Next()
				return
			}
		}
		Gzip(level)(c)
	}
}
