// Package embedworker is the nexus's HTTP client for the stateless
// embed-scraping worker §1 calls out as external: POST a raw URL, get back
// an embed descriptor. The worker's internals (scraping, oEmbed, OpenGraph
// parsing) are out of scope; this package only speaks the wire contract.
//
// Grounded on the teacher's internal/sync package's git-fetch retry shape
// (bounded attempt count, context-aware sleep between attempts) and
// internal/rpc/transport.go's breaker-wrapped retry loop (RunRPCAcceptLoop):
// this client wraps each POST in the same internal/breaker.Breaker state
// machine the RPC transport uses for gateway<->nexus calls, since both are
// "call a remote, trip open on repeated failure" problems.
package embedworker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lanternfabric/core/internal/breaker"
	"github.com/lanternfabric/core/internal/logger"
)

// Descriptor is the embed worker's JSON response tuple: how long the
// result may be cached for, and the embed object itself (left as raw JSON
// since its shape is worker-defined and out of scope here).
type Descriptor struct {
	ExpiresAt time.Time
	Object    json.RawMessage
}

type wireDescriptor struct {
	Expires int64           `json:"expiry_timestamp"`
	Object  json.RawMessage `json:"embed_object"`
}

// Error classifies a non-2xx embed-worker response the way the gateway's
// HTTP surface would report the equivalent client error.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string { return fmt.Sprintf("embedworker: %s (status %d)", e.Message, e.StatusCode) }

// ErrInvalidURL and ErrUnsupportedMedia mirror the worker's 400/415
// responses for a URL it refused to fetch or a MIME type it can't embed.
var (
	ErrInvalidURL       = &Error{StatusCode: http.StatusBadRequest, Message: "invalid URL"}
	ErrUnsupportedMedia = &Error{StatusCode: http.StatusUnsupportedMediaType, Message: "unsupported media type"}
)

// Client POSTs URLs to the embed worker, retrying transient failures
// through a per-client circuit breaker.
type Client struct {
	Endpoint   string
	HTTPClient *http.Client

	breaker     *breaker.Breaker
	maxAttempts int
	retryDelay  time.Duration
}

// New constructs a Client targeting endpoint (the worker's POST URL).
func New(endpoint string) *Client {
	return &Client{
		Endpoint:    endpoint,
		HTTPClient:  &http.Client{Timeout: 10 * time.Second},
		breaker:     breaker.New(breaker.Config{FailureThreshold: 5, OpenDuration: 30 * time.Second}),
		maxAttempts: 3,
		retryDelay:  time.Second,
	}
}

// Fetch resolves url into an embed Descriptor, making up to maxAttempts
// attempts in all on transient (5xx/network) failures with a fixed delay
// between attempts, matching the git-fetch retry shape's bounded-attempt,
// context-aware sleep pattern. A 4xx response is never retried.
func (c *Client) Fetch(ctx context.Context, url string) (*Descriptor, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if !c.breaker.Allow() {
			return nil, fmt.Errorf("embedworker: circuit open")
		}

		desc, err := c.doFetch(ctx, url)
		if err == nil {
			c.breaker.RecordSuccess()
			return desc, nil
		}

		if apiErr, ok := err.(*Error); ok && apiErr.StatusCode < 500 {
			// Client errors are not retried; they won't change on a retry.
			return nil, err
		}

		c.breaker.RecordFailure()
		lastErr = err

		if attempt < c.maxAttempts-1 {
			logger.EmbedWorker().Warn().Err(err).Int("attempt", attempt+1).Str("url", url).
				Msg("embed worker fetch failed, retrying")
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("embedworker: all attempts failed: %w", lastErr)
}

func (c *Client) doFetch(ctx context.Context, url string) (*Descriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader([]byte(url)))
	if err != nil {
		return nil, fmt.Errorf("embedworker: build request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedworker: request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embedworker: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return nil, ErrInvalidURL
	case resp.StatusCode == http.StatusUnsupportedMediaType:
		return nil, ErrUnsupportedMedia
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &Error{StatusCode: resp.StatusCode, Message: "upstream error"}
	}

	var wire wireDescriptor
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("embedworker: decode response: %w", err)
	}

	return &Descriptor{
		ExpiresAt: time.Unix(wire.Expires, 0),
		Object:    wire.Object,
	}, nil
}
