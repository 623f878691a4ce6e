// Security headers applied to every gateway response: HSTS, a nonce-based
// Content-Security-Policy, clickjacking/MIME-sniffing protections, and a
// Cache-Control that keeps authenticated responses out of shared caches.
//
// This gateway serves no iframe-embeddable proxy surface: every route is
// either the WebSocket upgrade at /gateway or a JSON RPC proxy, so framing
// is denied unconditionally and connect-src is widened for ws/wss instead.
package middleware

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/gin-gonic/gin"
)

// generateNonce returns a base64-encoded 128-bit random value for the
// CSP's per-request script-src/style-src nonce.
func generateNonce() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(bytes), nil
}

// SecurityHeaders adds HSTS, a nonce-based CSP, and the usual
// clickjacking/MIME-sniffing/referrer protections to every response. Use
// in production; SecurityHeadersRelaxed is for local development only.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		nonce, err := generateNonce()
		if err != nil {
			nonce = ""
		}
		c.Set("csp_nonce", nonce)

		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")

		var csp string
		if nonce != "" {
			csp = "default-src 'self'; " +
				"script-src 'self' 'nonce-" + nonce + "'; " +
				"style-src 'self' 'nonce-" + nonce + "'; " +
				"img-src 'self' data: https:; " +
				"font-src 'self' data:; " +
				"connect-src 'self' ws: wss:; " +
				"frame-ancestors 'none'; " +
				"base-uri 'self'; " +
				"form-action 'self'; " +
				"upgrade-insecure-requests; " +
				"block-all-mixed-content"
		} else {
			// Nonce generation failed: fall back to a CSP that blocks all
			// inline scripts/styles rather than allowing unsafe-inline.
			csp = "default-src 'self'; " +
				"script-src 'self'; " +
				"style-src 'self'; " +
				"img-src 'self' data: https:; " +
				"font-src 'self' data:; " +
				"connect-src 'self' ws: wss:; " +
				"frame-ancestors 'none'; " +
				"base-uri 'self'; " +
				"form-action 'self'"
		}
		c.Header("Content-Security-Policy", csp)

		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Permissions-Policy",
			"geolocation=(), "+
				"microphone=(), "+
				"camera=(), "+
				"payment=(), "+
				"usb=(), "+
				"magnetometer=(), "+
				"gyroscope=(), "+
				"accelerometer=()")
		c.Header("X-Permitted-Cross-Domain-Policies", "none")
		c.Header("X-Download-Options", "noopen")

		if c.Request.URL.Path != "/health" && c.Request.URL.Path != "/version" {
			c.Header("Cache-Control", "no-store, no-cache, must-revalidate, private")
			c.Header("Pragma", "no-cache")
		}

		c.Header("Server", "")

		c.Next()
	}
}

// SecurityHeadersRelaxed provides weak, CSP-with-unsafe-inline headers
// suitable only for local development against an unbundled frontend.
// Never use in production.
func SecurityHeadersRelaxed() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "SAMEORIGIN")
		c.Header("X-XSS-Protection", "1; mode=block")

		c.Header("Content-Security-Policy",
			"default-src 'self' 'unsafe-inline' 'unsafe-eval'; "+
				"img-src 'self' data: https:; "+
				"connect-src 'self' ws: wss: http: https:")

		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("X-Permitted-Cross-Domain-Policies", "none")
		c.Header("X-Download-Options", "noopen")

		c.Next()
	}
}
