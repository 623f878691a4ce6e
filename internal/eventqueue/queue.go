// Package eventqueue implements the nexus-side ordered event log: an
// in-memory map from a monotonically increasing counter to an immutable
// event payload, plus batched reads and a 60-second replay window.
//
// Grounded on the original's bin/nexus/src/gateway/mod.rs EventQueue,
// which backs the ordered map with a lock-free B-tree (scc::TreeIndex)
// and a tokio::sync::Notify waker. No pack repo imports a Go lock-free
// tree, so this is implemented with a sync.RWMutex-guarded map — the one
// deliberate stdlib departure in this package, recorded in DESIGN.md.
package eventqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lanternfabric/core/internal/ids"
)

// MaxBatchSize is the largest number of events BatchSince returns in one
// call, matching the original's batch_since cap.
const MaxBatchSize = 64

// ReplayWindow is how far back a reconnecting gateway can replay events
// before it must resubscribe instead.
const ReplayWindow = 60 * time.Second

// Kind distinguishes the handful of event kinds gatewaysession's filter
// pipeline treats specially (permission-cache invalidation, subscription
// bookkeeping) from ordinary dispatch events it forwards untouched.
type Kind int

const (
	KindDispatch Kind = iota // ordinary event, forwarded after filtering
	KindRoleUpdate
	KindRoleDelete
	KindMemberUpdate
	KindMemberRemove
	KindPartyCreate
	KindPartyDelete
	KindRoomUpdate
)

// Event is one immutable, pre-encoded event payload. Payload is the
// wire-ready byte buffer for the negotiated (encoding, compression) pair
// it was published with; the hot path never re-serializes it.
type Event struct {
	Counter uint64
	Payload []byte
	Kind    Kind

	RoomID  ids.Id // zero if the event has no room scope
	UserID  ids.Id // zero if the event has no originator
	Intent  uint64 // the single intent bit this event kind maps to, 0 if none
	PartyID ids.Id // populated for party-scoped kinds (role/member/party events)
	RoleID  ids.Id // populated for KindRoleUpdate/KindRoleDelete

	// TargetUserID is set on KindMemberUpdate/KindMemberRemove to the
	// member the event is about, so a session can tell whether the event
	// targets its own user without decoding Payload.
	TargetUserID ids.Id
}

// Meta carries the out-of-band routing fields Send attaches to a new
// Event; Payload is the already-encoded wire body.
type Meta struct {
	RoomID       ids.Id
	UserID       ids.Id
	Intent       uint64
	Kind         Kind
	PartyID      ids.Id
	RoleID       ids.Id
	TargetUserID ids.Id
}

// Queue is one nexus's ordered event log.
type Queue struct {
	counter atomic.Uint64 // last counter issued; next is counter+1

	mu     sync.RWMutex
	events map[uint64]*Event

	notifyMu sync.Mutex
	notifyCh chan struct{}

	counter60sAgo atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates an empty Queue and starts its eviction-tracking
// background goroutine.
func New() *Queue {
	q := &Queue{
		events:   make(map[uint64]*Event),
		notifyCh: make(chan struct{}),
		stopCh:   make(chan struct{}),
	}
	go q.trackReplayWindow()
	return q
}

// Close stops the Queue's background goroutine. Safe to call multiple
// times.
func (q *Queue) Close() {
	q.stopOnce.Do(func() { close(q.stopCh) })
}

// Send publishes a new event, assigning it the next counter (starting at
// 1) and waking every waiter blocked in Wait.
func (q *Queue) Send(payload []byte, meta Meta) *Event {
	counter := q.counter.Add(1)
	ev := &Event{
		Counter:      counter,
		Payload:      payload,
		Kind:         meta.Kind,
		RoomID:       meta.RoomID,
		UserID:       meta.UserID,
		Intent:       meta.Intent,
		PartyID:      meta.PartyID,
		RoleID:       meta.RoleID,
		TargetUserID: meta.TargetUserID,
	}

	q.mu.Lock()
	q.events[counter] = ev
	q.mu.Unlock()

	q.wakeWaiters()
	return ev
}

func (q *Queue) wakeWaiters() {
	q.notifyMu.Lock()
	close(q.notifyCh)
	q.notifyCh = make(chan struct{})
	q.notifyMu.Unlock()
}

// Wait blocks until the next Send call or ctx is canceled, whichever
// comes first. It never misses a wakeup that happens after Wait reads
// the current channel, since the channel is swapped (not reused) on
// every Send.
func (q *Queue) Wait(ctx context.Context) error {
	q.notifyMu.Lock()
	ch := q.notifyCh
	q.notifyMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.stopCh:
		return context.Canceled
	}
}

// LastCounter returns the counter most recently assigned, or 0 if no
// event has ever been sent.
func (q *Queue) LastCounter() uint64 {
	return q.counter.Load()
}

// BatchSince returns up to MaxBatchSize events with counter > last, in
// ascending counter order.
func (q *Queue) BatchSince(last uint64) []*Event {
	q.mu.RLock()
	defer q.mu.RUnlock()

	// The map is small relative to MaxBatchSize's cadence in practice;
	// a full scan bounded by MaxBatchSize keeps this simple and correct
	// without requiring a separately-maintained sorted index.
	batch := make([]*Event, 0, MaxBatchSize)
	upperBound := last + MaxBatchSize
	for c := last + 1; c <= upperBound; c++ {
		if ev, ok := q.events[c]; ok {
			batch = append(batch, ev)
		}
	}
	return batch
}

// trackReplayWindow records, every 5 seconds, the counter that was
// current 60 seconds ago, and evicts everything older than it. This
// gives at least ReplayWindow of replay to a reconnecting gateway.
func (q *Queue) trackReplayWindow() {
	type sample struct {
		at      time.Time
		counter uint64
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	history := make([]sample, 0, 16)

	for {
		select {
		case <-q.stopCh:
			return
		case now := <-ticker.C:
			history = append(history, sample{at: now, counter: q.counter.Load()})

			cutoff := now.Add(-ReplayWindow)
			var counterAtCutoff uint64
			kept := history[:0]
			for _, s := range history {
				if s.at.Before(cutoff) {
					counterAtCutoff = s.counter
					continue
				}
				kept = append(kept, s)
			}
			history = kept

			q.counter60sAgo.Store(counterAtCutoff)
			q.evictBefore(counterAtCutoff)
		}
	}
}

func (q *Queue) evictBefore(counter uint64) {
	if counter == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for c := range q.events {
		if c < counter {
			delete(q.events, c)
		}
	}
}

// WithinReplayWindow reports whether a gateway's last-seen counter is
// still recent enough to replay from, rather than requiring a full
// resubscribe.
func (q *Queue) WithinReplayWindow(last uint64) bool {
	return last >= q.counter60sAgo.Load()
}
