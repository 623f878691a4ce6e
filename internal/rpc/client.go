package rpc

import (
	"context"
	"fmt"

	"github.com/quic-go/quic-go"
)

// Call opens a bidirectional stream on conn, writes req, and returns every
// Response frame read back until one arrives with End set. A unary
// procedure's result is the single element of the returned slice.
func Call(ctx context.Context, conn quic.Connection, req *Request) ([]*Response, error) {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("rpc: opening stream: %w", err)
	}
	defer stream.Close()

	if err := WriteFrame(stream, req); err != nil {
		return nil, err
	}
	if err := stream.Close(); err != nil {
		return nil, fmt.Errorf("rpc: closing write side: %w", err)
	}

	var responses []*Response
	for {
		var resp Response
		if err := ReadFrame(stream, &resp); err != nil {
			return nil, fmt.Errorf("rpc: reading response: %w", err)
		}
		responses = append(responses, &resp)
		if resp.End {
			return responses, nil
		}
	}
}

// CallUnary is a convenience wrapper over Call for non-streaming
// procedures: it returns the single response frame, or an error if the
// procedure replied with more than one frame.
func CallUnary(ctx context.Context, conn quic.Connection, req *Request) (*Response, error) {
	responses, err := Call(ctx, conn, req)
	if err != nil {
		return nil, err
	}
	if len(responses) != 1 {
		return nil, fmt.Errorf("rpc: expected a single response frame, got %d", len(responses))
	}
	return responses[0], nil
}
