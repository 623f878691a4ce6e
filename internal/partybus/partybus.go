// Package partybus is the gateway-side mirror of the nexus's per-party
// fan-out: one broadcast channel per party the local gateway process
// currently cares about, and a subscription table mapping a connection's
// interest in a party to a receiver plus an abort handle.
//
// Grounded on the original's src/server/subs.rs ClientSubscriptions /
// PartySubscriptions, and on the teacher's internal/websocket/hub.go
// broadcast-channel idiom. Unlike that hub there is no owning goroutine
// per fan-out point: the party table and each party's subscriber map are
// guarded by RWMutexes that Subscribe, Unsubscribe and Publish take
// directly.
package partybus

import (
	"context"
	"sync"

	"github.com/lanternfabric/core/internal/eventqueue"
	"github.com/lanternfabric/core/internal/ids"
)

// subscriberBuffer bounds how far a single subscriber can lag the
// party's publisher before it is considered lagged and dropped — the
// same back-pressure contract gatewaysession applies to its own outbound
// channel.
const subscriberBuffer = 256

// Subscription is one connection's interest in one party: a
// publisher-owned channel of events plus a cancel function that ends the
// subscription on the next poll.
type Subscription struct {
	ConnectionID uint64
	PartyID      ids.Id

	events chan *eventqueue.Event
	ctx    context.Context
	cancel context.CancelFunc
}

// Events returns the channel the session should select on for events
// published to this subscription's party.
func (s *Subscription) Events() <-chan *eventqueue.Event { return s.events }

// Done returns a channel closed once Unsubscribe cancels this
// subscription's abort handle, so a forwarding goroutine can select on it
// alongside Events() instead of relying on the events channel itself being
// closed.
func (s *Subscription) Done() <-chan struct{} { return s.ctx.Done() }

// partyChannel is the fan-out point for one party: a set of subscriber
// channels, each written to independently so one slow subscriber never
// blocks another.
type partyChannel struct {
	mu   sync.RWMutex
	subs map[uint64]*Subscription
}

// Bus is one gateway process's full set of party fan-out channels and
// per-connection subscriptions.
type Bus struct {
	mu       sync.RWMutex
	parties  map[ids.Id]*partyChannel
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{parties: make(map[ids.Id]*partyChannel)}
}

// Subscribe registers connID's interest in partyID, returning a
// Subscription whose Events channel receives every event later published
// to that party via Publish. Subscribing twice for the same
// (connection, party) is a no-op that returns the existing subscription,
// matching §8's "insert_subscription; remove_subscription is a no-op"
// round-trip property.
func (b *Bus) Subscribe(connID uint64, partyID ids.Id) *Subscription {
	pc := b.partyChannelFor(partyID)

	pc.mu.Lock()
	defer pc.mu.Unlock()

	if existing, ok := pc.subs[connID]; ok {
		return existing
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		ConnectionID: connID,
		PartyID:      partyID,
		events:       make(chan *eventqueue.Event, subscriberBuffer),
		ctx:          ctx,
		cancel:       cancel,
	}
	pc.subs[connID] = sub
	return sub
}

// Unsubscribe removes connID's subscription to partyID, if any, and
// cancels its abort handle so the session's merged selector drops it on
// the next poll. A second call for the same pair is a no-op.
func (b *Bus) Unsubscribe(connID uint64, partyID ids.Id) {
	b.mu.RLock()
	pc, ok := b.parties[partyID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	pc.mu.Lock()
	sub, ok := pc.subs[connID]
	if ok {
		delete(pc.subs, connID)
	}
	pc.mu.Unlock()

	if ok {
		sub.cancel()
	}
}

// Publish fans ev out to every subscriber of ev's party. A subscriber
// whose channel is full is skipped rather than blocked — lag is handled
// by the session runtime closing with InvalidSession, not by this bus
// exerting back-pressure on the publisher.
func (b *Bus) Publish(partyID ids.Id, ev *eventqueue.Event) (delivered int, lagged int) {
	b.mu.RLock()
	pc, ok := b.parties[partyID]
	b.mu.RUnlock()
	if !ok {
		return 0, 0
	}

	pc.mu.RLock()
	defer pc.mu.RUnlock()

	for _, sub := range pc.subs {
		select {
		case sub.events <- ev:
			delivered++
		default:
			lagged++
		}
	}
	return delivered, lagged
}

// PartyAbandoned removes a party's channel entirely if it has no
// remaining subscribers, so partyChannel references don't accumulate for
// parties no local user cares about anymore, and reports whether the
// party is now without a channel. Unsubscribe does not call it; an empty
// channel stays until PartyAbandoned is called for its party.
func (b *Bus) PartyAbandoned(partyID ids.Id) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	pc, ok := b.parties[partyID]
	if !ok {
		return true
	}

	pc.mu.RLock()
	empty := len(pc.subs) == 0
	pc.mu.RUnlock()

	if empty {
		delete(b.parties, partyID)
	}
	return empty
}

func (b *Bus) partyChannelFor(partyID ids.Id) *partyChannel {
	b.mu.RLock()
	pc, ok := b.parties[partyID]
	b.mu.RUnlock()
	if ok {
		return pc
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if pc, ok := b.parties[partyID]; ok {
		return pc
	}
	pc = &partyChannel{subs: make(map[uint64]*Subscription)}
	b.parties[partyID] = pc
	return pc
}
