package permcache

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanternfabric/core/internal/ids"
)

type fakeStore struct {
	calls   int
	perms   uint64
	visible bool
	err     error
}

func (f *fakeStore) RoomPermissions(ctx context.Context, userID, roomID ids.Id) (uint64, bool, error) {
	f.calls++
	return f.perms, f.visible, f.err
}

func TestGetMissesUntilRefreshed(t *testing.T) {
	store := &fakeStore{perms: 0x3, visible: true}
	c := New(store, nil)

	_, ok := c.Get(context.Background(), ids.Id(1), ids.Id(2))
	assert.False(t, ok)

	perms, visible, err := c.Refresh(context.Background(), ids.Id(1), ids.Id(2))
	require.NoError(t, err)
	assert.True(t, visible)
	assert.Equal(t, uint64(0x3), perms)

	cached, ok := c.Get(context.Background(), ids.Id(1), ids.Id(2))
	assert.True(t, ok)
	assert.Equal(t, uint64(0x3), cached)
}

func TestRefreshInvisibleRoomDoesNotPopulateCache(t *testing.T) {
	store := &fakeStore{visible: false}
	c := New(store, nil)

	_, visible, err := c.Refresh(context.Background(), ids.Id(1), ids.Id(2))
	require.NoError(t, err)
	assert.False(t, visible)

	_, ok := c.Get(context.Background(), ids.Id(1), ids.Id(2))
	assert.False(t, ok)
}

func TestRefreshPropagatesStoreError(t *testing.T) {
	store := &fakeStore{err: errors.New("storage unavailable")}
	c := New(store, nil)

	_, visible, err := c.Refresh(context.Background(), ids.Id(1), ids.Id(2))
	assert.Error(t, err)
	assert.False(t, visible)
}

func TestClearUserEvictsOnlyThatUsersEntries(t *testing.T) {
	store := &fakeStore{perms: 0x1, visible: true}
	c := New(store, nil)

	_, _, err := c.Refresh(context.Background(), ids.Id(1), ids.Id(10))
	require.NoError(t, err)
	_, _, err = c.Refresh(context.Background(), ids.Id(2), ids.Id(10))
	require.NoError(t, err)

	c.ClearUser(context.Background(), ids.Id(1))

	_, ok := c.Get(context.Background(), ids.Id(1), ids.Id(10))
	assert.False(t, ok)
	_, ok = c.Get(context.Background(), ids.Id(2), ids.Id(10))
	assert.True(t, ok, "clearing one user must not evict another user's entries")
}

func TestClearRoomEvictsOnlyThatRoomsEntries(t *testing.T) {
	store := &fakeStore{perms: 0x1, visible: true}
	c := New(store, nil)

	_, _, err := c.Refresh(context.Background(), ids.Id(1), ids.Id(10))
	require.NoError(t, err)
	_, _, err = c.Refresh(context.Background(), ids.Id(1), ids.Id(20))
	require.NoError(t, err)

	c.ClearRoom(context.Background(), ids.Id(10))

	_, ok := c.Get(context.Background(), ids.Id(1), ids.Id(10))
	assert.False(t, ok)
	_, ok = c.Get(context.Background(), ids.Id(1), ids.Id(20))
	assert.True(t, ok)
}

func TestRemoveReferenceEvictsOnlyWhenLastSessionDrops(t *testing.T) {
	store := &fakeStore{perms: 0x1, visible: true}
	c := New(store, nil)

	c.AddReference(ids.Id(1))
	c.AddReference(ids.Id(1))
	_, _, err := c.Refresh(context.Background(), ids.Id(1), ids.Id(10))
	require.NoError(t, err)

	c.RemoveReference(ids.Id(1))
	_, ok := c.Get(context.Background(), ids.Id(1), ids.Id(10))
	assert.True(t, ok, "entries survive while a reference remains")

	c.RemoveReference(ids.Id(1))
	_, ok = c.Get(context.Background(), ids.Id(1), ids.Id(10))
	assert.False(t, ok, "entries are evicted once the last reference drops")
	assert.Equal(t, 0, c.ReferenceCount(ids.Id(1)))
}
