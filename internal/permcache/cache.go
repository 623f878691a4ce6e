// Package permcache memoizes the per-(user, room) permission bits that
// gatewaysession's event filter pipeline checks on every outbound event.
// A process-wide, 16-way sharded map holds entries for every room any
// currently-live session on this gateway cares about; an optional Redis
// tier (internal/cache) lets an invalidation issued by one gateway reach
// every other gateway's in-process memo without a round trip to the
// nexus.
//
// Grounded on the original's crates/util/src/cmap.rs CHashMap (sharded
// concurrent map) and the teacher's internal/cache/cache.go Redis
// wrapper, which this package wraps rather than replaces for the
// distributed tier.
package permcache

import (
	"context"
	"sync"
	"time"

	"github.com/lanternfabric/core/internal/cache"
	"github.com/lanternfabric/core/internal/ids"
	"github.com/lanternfabric/core/internal/logger"
)

const shardCount = 16

// distributedTTL bounds how long a permission entry survives in the
// Redis tier once set; a missing distributed entry just means the next
// refresh falls through to storage.
const distributedTTL = 5 * time.Minute

type key struct {
	userID ids.Id
	roomID ids.Id
}

func (k key) shard() uint64 {
	return (uint64(k.userID) ^ uint64(k.roomID)*0x9e3779b97f4a7c15) % shardCount
}

type shard struct {
	mu      sync.RWMutex
	entries map[key]uint64
}

// Store is the storage façade Refresh calls on a cache miss; satisfied
// by internal/storage.Store in production wiring.
type Store interface {
	RoomPermissions(ctx context.Context, userID, roomID ids.Id) (perms uint64, visible bool, err error)
}

// Cache is the gateway-process-wide permission memo. It is safe for
// concurrent use by every live Session on the process.
type Cache struct {
	shards [shardCount]*shard
	store  Store
	dist   *cache.Cache // optional; nil disables the distributed tier

	refMu  sync.Mutex
	refs   map[ids.Id]int
}

// New constructs a Cache backed by store for misses and, if dist is
// non-nil, a Redis distributed tier for cross-gateway invalidation.
func New(store Store, dist *cache.Cache) *Cache {
	c := &Cache{
		store: store,
		dist:  dist,
		refs:  make(map[ids.Id]int),
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[key]uint64)}
	}
	return c
}

func (c *Cache) shardFor(k key) *shard {
	return c.shards[k.shard()]
}

// Get returns the memoized permission bits for (userID, roomID) without
// touching storage or Redis. A miss (ok == false) means the caller must
// call Refresh.
func (c *Cache) Get(ctx context.Context, userID, roomID ids.Id) (perms uint64, ok bool) {
	k := key{userID, roomID}
	sh := c.shardFor(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	perms, ok = sh.entries[k]
	return perms, ok
}

// Refresh resolves (userID, roomID) on a cache miss: first against the
// distributed tier, then against storage, populating both tiers (and
// this process's shard) before returning. visible reports whether the
// user can see the room at all; perms is meaningless when visible is
// false.
func (c *Cache) Refresh(ctx context.Context, userID, roomID ids.Id) (perms uint64, visible bool, err error) {
	if c.dist != nil {
		var cached uint64
		distKey := cache.PermissionEntryKey(uint64(userID), uint64(roomID))
		if getErr := c.dist.Get(ctx, distKey, &cached); getErr == nil {
			c.set(userID, roomID, cached)
			return cached, true, nil
		}
	}

	perms, visible, err = c.store.RoomPermissions(ctx, userID, roomID)
	if err != nil {
		logger.PermCache().Error().Err(err).
			Str("user_id", userID.String()).Str("room_id", roomID.String()).
			Msg("permission refresh failed")
		return 0, false, err
	}
	if !visible {
		return 0, false, nil
	}

	c.set(userID, roomID, perms)
	if c.dist != nil {
		distKey := cache.PermissionEntryKey(uint64(userID), uint64(roomID))
		_ = c.dist.Set(ctx, distKey, perms, distributedTTL)
	}
	return perms, true, nil
}

func (c *Cache) set(userID, roomID ids.Id, perms uint64) {
	k := key{userID, roomID}
	sh := c.shardFor(k)
	sh.mu.Lock()
	sh.entries[k] = perms
	sh.mu.Unlock()
}

// ClearUser evicts every cached entry for userID across all shards and,
// if a distributed tier is configured, across every other gateway
// process. Called by gatewaysession's filter pipeline whenever an event
// kind invalidates a session's permissions (§4.4).
func (c *Cache) ClearUser(ctx context.Context, userID ids.Id) {
	for _, sh := range c.shards {
		sh.mu.Lock()
		for k := range sh.entries {
			if k.userID == userID {
				delete(sh.entries, k)
			}
		}
		sh.mu.Unlock()
	}
	if c.dist != nil {
		if err := c.dist.DeletePattern(ctx, cache.UserPermissionsPattern(uint64(userID))); err != nil {
			logger.PermCache().Warn().Err(err).Str("user_id", userID.String()).
				Msg("failed to clear distributed permission entries")
		}
	}
}

// ClearRoom evicts every cached entry for roomID, used when a room's
// permission overwrites change for every member at once.
func (c *Cache) ClearRoom(ctx context.Context, roomID ids.Id) {
	for _, sh := range c.shards {
		sh.mu.Lock()
		for k := range sh.entries {
			if k.roomID == roomID {
				delete(sh.entries, k)
			}
		}
		sh.mu.Unlock()
	}
	if c.dist != nil {
		if err := c.dist.DeletePattern(ctx, cache.RoomPermissionsPattern(uint64(roomID))); err != nil {
			logger.PermCache().Warn().Err(err).Str("room_id", roomID.String()).
				Msg("failed to clear distributed permission entries")
		}
	}
}

// AddReference registers a live session for userID. A user with at
// least one live session keeps its entries warm; dropping to zero
// references is what teardown signals via RemoveReference.
func (c *Cache) AddReference(userID ids.Id) {
	c.refMu.Lock()
	c.refs[userID]++
	c.refMu.Unlock()
}

// RemoveReference unregisters a live session for userID. When the last
// reference drops, the user's entries are evicted from this process's
// shards; they remain in the distributed tier for the next gateway that
// needs them.
func (c *Cache) RemoveReference(userID ids.Id) {
	c.refMu.Lock()
	c.refs[userID]--
	drained := c.refs[userID] <= 0
	if drained {
		delete(c.refs, userID)
	}
	c.refMu.Unlock()

	if drained {
		for _, sh := range c.shards {
			sh.mu.Lock()
			for k := range sh.entries {
				if k.userID == userID {
					delete(sh.entries, k)
				}
			}
			sh.mu.Unlock()
		}
	}
}

// ReferenceCount reports how many live sessions hold a reference to
// userID's entries. Exposed for tests and diagnostics.
func (c *Cache) ReferenceCount(userID ids.Id) int {
	c.refMu.Lock()
	defer c.refMu.Unlock()
	return c.refs[userID]
}
