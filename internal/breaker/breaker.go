// Package breaker implements the small circuit breaker state machine
// the gateway↔nexus RPC transport wraps every stream accept/open call
// in: {Closed, Open(until), HalfOpen}. Modeled as an explicit state
// machine rather than a library-specific type, per the failure-handling
// shape the original's failsafe-crate config expressed.
package breaker

import (
	"sync"
	"time"
)

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config controls when the breaker trips and how long it stays open.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker from Closed to Open.
	FailureThreshold int
	// OpenDuration is how long the breaker stays Open before allowing a
	// single trial call through as HalfOpen.
	OpenDuration time.Duration
}

// Breaker guards a single connection's accept/open path.
type Breaker struct {
	mu sync.Mutex

	cfg Config

	state       State
	failures    int
	openUntil   time.Time
	halfOpenOne bool
}

// New creates a Breaker with the given config. Zero-valued fields take
// the defaults: 10 consecutive failures, 1 second open duration —
// matching the original's retry back-off and failure threshold.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 10
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = time.Second
	}
	return &Breaker{cfg: cfg, state: Closed}
}

// Allow reports whether a call may proceed right now, transitioning Open
// to HalfOpen once OpenDuration has elapsed. Only one trial call is let
// through per HalfOpen window; concurrent callers arriving while a trial
// is outstanding are rejected until it resolves.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Now().Before(b.openUntil) {
			return false
		}
		b.state = HalfOpen
		b.halfOpenOne = false
		return true
	case HalfOpen:
		if b.halfOpenOne {
			b.halfOpenOne = false
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess resets the breaker to Closed with a clean failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = Closed
	b.failures = 0
}

// RecordFailure counts a failure, tripping the breaker to Open once
// FailureThreshold consecutive failures have accumulated. A failure
// observed during a HalfOpen trial immediately reopens the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.trip()
		return
	}

	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = Open
	b.openUntil = time.Now().Add(b.cfg.OpenDuration)
	b.failures = 0
	b.halfOpenOne = false
}

// CurrentState returns the breaker's current state for diagnostics.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
