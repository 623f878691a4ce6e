package partybus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanternfabric/core/internal/eventqueue"
	"github.com/lanternfabric/core/internal/ids"
)

func TestSubscribeThenPublishDelivers(t *testing.T) {
	bus := New()
	party := ids.Id(1)

	sub := bus.Subscribe(100, party)
	ev := &eventqueue.Event{Counter: 1}

	delivered, lagged := bus.Publish(party, ev)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 0, lagged)

	select {
	case got := <-sub.Events():
		assert.Same(t, ev, got)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishToUnknownPartyIsNoop(t *testing.T) {
	bus := New()
	delivered, lagged := bus.Publish(ids.Id(99), &eventqueue.Event{})
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 0, lagged)
}

func TestSubscribeTwiceReturnsSameSubscription(t *testing.T) {
	bus := New()
	party := ids.Id(1)

	a := bus.Subscribe(1, party)
	b := bus.Subscribe(1, party)
	assert.Same(t, a, b)
}

func TestSubscribeUnsubscribeRoundTripIsNoop(t *testing.T) {
	bus := New()
	party := ids.Id(5)

	bus.Subscribe(1, party)
	bus.Unsubscribe(1, party)

	delivered, _ := bus.Publish(party, &eventqueue.Event{})
	assert.Equal(t, 0, delivered)

	// Doing it again must not panic or error.
	bus.Unsubscribe(1, party)
}

func TestUnsubscribeCancelsAbortHandle(t *testing.T) {
	bus := New()
	party := ids.Id(5)

	sub := bus.Subscribe(1, party)
	bus.Unsubscribe(1, party)

	select {
	case <-sub.Done():
	default:
		t.Fatal("Unsubscribe did not cancel the subscription's abort handle")
	}

	select {
	case <-sub.events:
		t.Fatal("unexpected event on canceled subscription")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	bus := New()
	party := ids.Id(7)

	sub1 := bus.Subscribe(1, party)
	sub2 := bus.Subscribe(2, party)

	ev := &eventqueue.Event{Counter: 1}
	delivered, _ := bus.Publish(party, ev)
	assert.Equal(t, 2, delivered)

	assert.Same(t, ev, <-sub1.Events())
	assert.Same(t, ev, <-sub2.Events())
}

func TestLaggedSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := New()
	party := ids.Id(9)

	slow := bus.Subscribe(1, party)
	fast := bus.Subscribe(2, party)

	for i := 0; i < subscriberBuffer+5; i++ {
		bus.Publish(party, &eventqueue.Event{Counter: uint64(i)})
	}

	require.Len(t, slow.events, subscriberBuffer)
	assert.Greater(t, len(fast.events), 0)
}

func TestPartyAbandonedRemovesEmptyChannel(t *testing.T) {
	bus := New()
	party := ids.Id(3)

	bus.Subscribe(1, party)
	assert.False(t, bus.PartyAbandoned(party))

	bus.Unsubscribe(1, party)
	assert.True(t, bus.PartyAbandoned(party))

	// Idempotent on an already-removed party.
	assert.True(t, bus.PartyAbandoned(party))
}
