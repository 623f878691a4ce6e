package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnlimitedQuotaAlwaysAllows(t *testing.T) {
	l := New(Unlimited)
	now := time.Now()
	for i := 0; i < 1000; i++ {
		require.True(t, l.Allow("k", now).Allowed)
	}
}

func TestBurstIsConsumedThenRejected(t *testing.T) {
	l := New(Quota{EmissionInterval: 100 * time.Millisecond, Burst: 3})
	now := time.Now()

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("k", now).Allowed, "request %d within burst must be allowed", i)
	}
	result := l.Allow("k", now)
	assert.False(t, result.Allowed)
	assert.Positive(t, result.RetryAfter)
}

func TestRequestsAtSteadyEmissionIntervalAreAllowed(t *testing.T) {
	l := New(Quota{EmissionInterval: 100 * time.Millisecond, Burst: 1})
	now := time.Now()

	require.True(t, l.Allow("k", now).Allowed)
	now = now.Add(100 * time.Millisecond)
	assert.True(t, l.Allow("k", now).Allowed)
}

func TestDifferentKeysAreIndependent(t *testing.T) {
	l := New(Quota{EmissionInterval: 100 * time.Millisecond, Burst: 1})
	now := time.Now()

	require.True(t, l.Allow("a", now).Allowed)
	require.False(t, l.Allow("a", now).Allowed)
	assert.True(t, l.Allow("b", now).Allowed, "a separate key must have its own state")
}

func TestPenalizeDelaysSubsequentRequests(t *testing.T) {
	l := New(Quota{EmissionInterval: 10 * time.Millisecond, Burst: 1})
	now := time.Now()

	require.True(t, l.Allow("k", now).Allowed)
	l.Penalize("k", now, 1*time.Second)

	result := l.Allow("k", now.Add(20*time.Millisecond))
	assert.False(t, result.Allowed)
	assert.Greater(t, result.RetryAfter, 900*time.Millisecond)
}

func TestPenalizeSeedsNeverSeenKey(t *testing.T) {
	l := New(Quota{EmissionInterval: 10 * time.Millisecond, Burst: 1})
	now := time.Now()

	l.Penalize("fresh", now, 500*time.Millisecond)
	result := l.Allow("fresh", now)
	assert.False(t, result.Allowed)
}

func TestCleanupEvictsStaleCells(t *testing.T) {
	l := New(Quota{EmissionInterval: 10 * time.Millisecond, Burst: 1})
	now := time.Now()
	l.Allow("k", now)

	l.Cleanup(now.Add(time.Second))

	l.mu.Lock()
	_, exists := l.cells["k"]
	l.mu.Unlock()
	assert.False(t, exists)
}

func TestMaskIPTruncatesToPrefix(t *testing.T) {
	assert.Equal(t, "203.0.113.0", MaskIP("203.0.113.42"))
	assert.Equal(t, "2001:db8::", MaskIP("2001:db8::1234:5678"))
	assert.Equal(t, "not-an-ip", MaskIP("not-an-ip"))
}

func TestTableFallsBackToGlobalForUnknownRoute(t *testing.T) {
	table := NewTable(
		Quota{EmissionInterval: 10 * time.Millisecond, Burst: 1},
		map[string]Quota{"strict": {EmissionInterval: time.Hour, Burst: 1}},
	)
	now := time.Now()

	assert.True(t, table.Allow("unregistered", "k", now).Allowed)
}

func TestTableUsesPerRouteQuotaWhenRegistered(t *testing.T) {
	table := NewTable(
		Quota{EmissionInterval: time.Millisecond, Burst: 1000},
		map[string]Quota{"strict": {EmissionInterval: time.Hour, Burst: 1}},
	)
	now := time.Now()

	require.True(t, table.Allow("strict", "k", now).Allowed)
	assert.False(t, table.Allow("strict", "k", now).Allowed, "second request within the per-route quota's interval must be rejected")
}
