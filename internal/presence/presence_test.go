package presence

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/lanternfabric/core/internal/cache"
	"github.com/lanternfabric/core/internal/ids"
)

func setupPresenceTest(t *testing.T) (*Store, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	c, err := cache.NewCache(cache.Config{Host: mr.Host(), Port: mr.Port(), Enabled: true})
	require.NoError(t, err)

	store := New(c, nil)
	return store, func() { mr.Close() }
}

func TestSetPresenceMakesKeyVisible(t *testing.T) {
	store, cleanup := setupPresenceTest(t)
	defer cleanup()
	ctx := context.Background()

	store.SetPresence(ctx, ids.Id(1), 100, 5)

	var value uint32
	err := store.cache.Get(ctx, cache.PresenceKey(1), &value)
	require.NoError(t, err)
	require.Equal(t, uint32(5), value)
}

func TestClearPresenceRemovesKeyWhenLastConnectionDrops(t *testing.T) {
	store, cleanup := setupPresenceTest(t)
	defer cleanup()
	ctx := context.Background()

	store.SetPresence(ctx, ids.Id(1), 100, 5)
	store.ClearPresence(ctx, ids.Id(1), 100)

	exists, err := store.cache.Exists(ctx, cache.PresenceKey(1))
	require.NoError(t, err)
	require.False(t, exists)
}

func TestClearPresenceKeepsKeyWhileAnotherConnectionRemains(t *testing.T) {
	store, cleanup := setupPresenceTest(t)
	defer cleanup()
	ctx := context.Background()

	store.SetPresence(ctx, ids.Id(1), 100, 5) // first device
	store.SetPresence(ctx, ids.Id(1), 200, 5) // second device
	store.ClearPresence(ctx, ids.Id(1), 100)  // first device disconnects

	exists, err := store.cache.Exists(ctx, cache.PresenceKey(1))
	require.NoError(t, err)
	require.True(t, exists, "presence must survive while a second connection is still live")

	store.ClearPresence(ctx, ids.Id(1), 200) // second device disconnects

	exists, err = store.cache.Exists(ctx, cache.PresenceKey(1))
	require.NoError(t, err)
	require.False(t, exists)
}

func TestDisabledCacheIsNoOp(t *testing.T) {
	c, err := cache.NewCache(cache.Config{Enabled: false})
	require.NoError(t, err)
	store := New(c, nil)

	ctx := context.Background()
	store.SetPresence(ctx, ids.Id(1), 100, 5)
	store.ClearPresence(ctx, ids.Id(1), 100)
}
