// Connection-level loops: accepting inbound RPC streams on the nexus side
// and opening outbound event streams on the gateway side, both wrapped in
// a circuit breaker and a bounded retry/backoff policy.
//
// Direct structural port of the original's RpcConnection::run_rpc and
// GatewayConnection::run_gateway (bin/nexus/src/gateway/mod.rs): same
// 'connect/'recv/'batch loop shape, same 1s backoff on a rejected call,
// same 10-failure give-up threshold, same 404/405 application close codes.
// failsafe::Config's circuit breaker becomes internal/breaker.Breaker.
package rpc

import (
	"context"
	"errors"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/lanternfabric/core/internal/breaker"
	"github.com/lanternfabric/core/internal/eventqueue"
	"github.com/lanternfabric/core/internal/logger"
)

// giveUpAfter is the consecutive-failure count at which a connection loop
// stops retrying and closes the QUIC connection outright, rather than
// continuing to back off forever against a connection that is never
// coming back.
const giveUpAfter = 10

// closeCodeRPCFailed is the QUIC application close code used when the
// nexus gives up accepting RPC streams on a connection.
const closeCodeRPCFailed quic.ApplicationErrorCode = 405

// closeCodeGatewayFailed is the QUIC application close code used when the
// nexus gives up opening an outbound gateway event stream.
const closeCodeGatewayFailed quic.ApplicationErrorCode = 404

// Dispatcher handles one decoded Request and produces Response frames. A
// unary handler sends exactly one Response with End true; a streaming
// handler may send several before the one with End true.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *Request, send func(*Response) error) error
}

// RunRPCAcceptLoop accepts bidirectional streams on conn and dispatches
// each as one RPC call, until the connection closes or the breaker gives
// up. It returns when the connection is done; callers run it in its own
// goroutine per accepted QUIC connection.
func RunRPCAcceptLoop(ctx context.Context, conn quic.Connection, dispatcher Dispatcher) {
	cb := breaker.New(breaker.Config{FailureThreshold: giveUpAfter, OpenDuration: time.Second})
	log := logger.RPC()
	failures := 0

	for {
		if !cb.Allow() {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			cb.RecordFailure()
			if isConnectionClosed(err) {
				log.Info().Msg("rpc connection closed")
				return
			}
			log.Error().Err(err).Msg("rpc accept stream error")
			failures++
			if failures >= giveUpAfter {
				conn.CloseWithError(quic.ApplicationErrorCode(closeCodeRPCFailed), "could not accept rpc stream")
				return
			}
			continue
		}
		cb.RecordSuccess()
		failures = 0

		go func() {
			if err := handleRPCStream(ctx, stream, dispatcher); err != nil {
				log.Error().Err(err).Msg("error handling rpc request")
			}
		}()
	}
}

func handleRPCStream(ctx context.Context, stream quic.Stream, dispatcher Dispatcher) error {
	defer stream.Close()

	var req Request
	if err := ReadFrame(stream, &req); err != nil {
		return err
	}

	send := func(resp *Response) error {
		return WriteFrame(stream, resp)
	}
	return dispatcher.Dispatch(ctx, &req, send)
}

// RunGatewayEventLoop opens a unidirectional stream back to the gateway
// and streams batched events from q as they arrive, replaying
// already-queued events immediately on (re)connect before waiting for new
// ones. lastCounter tracks this gateway connection's replay position
// across reconnects within the loop's lifetime.
func RunGatewayEventLoop(ctx context.Context, conn quic.Connection, q *eventqueue.Queue, lastCounter *uint64) {
	cb := breaker.New(breaker.Config{FailureThreshold: giveUpAfter, OpenDuration: time.Second})
	log := logger.RPC()
	failures := 0

connect:
	for {
		if !cb.Allow() {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		stream, err := conn.OpenUniStream()
		if err != nil {
			cb.RecordFailure()
			if isConnectionClosed(err) {
				log.Info().Msg("gateway connection closed")
				return
			}
			log.Error().Err(err).Msg("cannot open unidirectional gateway stream")
			failures++
			if failures >= giveUpAfter {
				conn.CloseWithError(quic.ApplicationErrorCode(closeCodeGatewayFailed), "could not open gateway stream")
				return
			}
			continue
		}
		cb.RecordSuccess()
		failures = 0

	recv:
		for {
			for {
				batch := q.BatchSince(*lastCounter)
				if len(batch) == 0 {
					break
				}
				for _, ev := range batch {
					if err := WriteFrame(stream, ev); err != nil {
						log.Error().Err(err).Msg("error writing event to gateway stream")
						continue connect
					}
					*lastCounter = ev.Counter
				}
			}

			waitCtx, cancel := context.WithCancel(ctx)
			waitErr := make(chan error, 1)
			go func() { waitErr <- q.Wait(waitCtx) }()

			select {
			case <-ctx.Done():
				cancel()
				return
			case err := <-waitErr:
				cancel()
				if err != nil {
					return
				}
				continue recv
			}
		}
	}
}

// RunEventIngestLoop is the gateway-side counterpart to
// RunGatewayEventLoop: it repeatedly accepts the unidirectional stream
// the nexus opens to push events, reads eventqueue.Event frames off it,
// and hands each to publish. It returns once conn's connection closes or
// ctx is canceled; callers run it in its own goroutine for the gateway's
// single shared nexus connection.
func RunEventIngestLoop(ctx context.Context, conn quic.Connection, publish func(*eventqueue.Event)) {
	log := logger.RPC()

	for {
		stream, err := conn.AcceptUniStream(ctx)
		if err != nil {
			if isConnectionClosed(err) || ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("error accepting nexus event stream")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		go func() {
			reader := FrameReader(stream)
			for {
				var ev eventqueue.Event
				if err := ReadFrame(reader, &ev); err != nil {
					if ctx.Err() == nil {
						log.Debug().Err(err).Msg("nexus event stream ended")
					}
					return
				}
				publish(&ev)
			}
		}()
	}
}

func isConnectionClosed(err error) bool {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return true
	}
	var idleErr *quic.IdleTimeoutError
	if errors.As(err, &idleErr) {
		return true
	}
	return errors.Is(err, context.Canceled)
}
