// Package presence tracks each user's online status across however many
// gateway connections they currently hold, backed by Redis so every
// gateway process in the fleet sees the same view. It implements
// internal/gatewaysession's PresenceSetter and PresenceClearer
// collaborator interfaces.
//
// Grounded on internal/cache's key scheme (keys.go's PresenceKey) and
// internal/gatewaysession.Session.teardown, which already sleeps the 5s
// grace period itself before calling ClearPresence — this package's job is
// only the per-user connection-count bookkeeping that decides whether a
// clear after that sleep actually takes the user offline, since a second
// connection may have opened (a second device, or a reconnect) during the
// grace window.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lanternfabric/core/internal/cache"
	"github.com/lanternfabric/core/internal/ids"
	"github.com/lanternfabric/core/internal/logger"
)

// ttl is how long a presence entry survives without a refreshing
// SetPresence call, guarding against a clear that never arrives (process
// crash mid-grace-period).
const ttl = 10 * time.Minute

// SubjectPresenceUpdate is the NATS subject a presence change is published
// on, for other gateway processes (and the nexus) to fan out to interested
// subscribers without everyone polling Redis.
const SubjectPresenceUpdate = "lantern.presence.update"

// Update is the payload published on SubjectPresenceUpdate.
type Update struct {
	UserID   ids.Id `json:"user_id"`
	Presence uint32 `json:"presence"`
	Online   bool   `json:"online"`
}

// Store tracks presence in Redis and fans out changes over NATS.
type Store struct {
	cache *cache.Cache
	nc    *nats.Conn
}

// New constructs a Store. nc may be nil to disable fan-out (e.g. in tests).
func New(c *cache.Cache, nc *nats.Conn) *Store {
	return &Store{cache: c, nc: nc}
}

func connCountKey(userID ids.Id) string {
	return fmt.Sprintf("presence:conns:%d", uint64(userID))
}

// SetPresence implements gatewaysession.PresenceSetter: it records the
// user's presence value and registers connID as one of their live
// connections.
func (s *Store) SetPresence(ctx context.Context, userID ids.Id, connID uint64, value uint32) {
	if !s.cache.IsEnabled() {
		return
	}

	if _, err := s.cache.Increment(ctx, connCountKey(userID)); err != nil {
		logger.Gateway().Warn().Err(err).Uint64("user_id", uint64(userID)).Msg("presence connection count increment failed")
		return
	}
	if err := s.cache.Expire(ctx, connCountKey(userID), ttl); err != nil {
		logger.Gateway().Warn().Err(err).Uint64("user_id", uint64(userID)).Msg("presence connection count expire failed")
	}

	if err := s.cache.Set(ctx, cache.PresenceKey(uint64(userID)), value, ttl); err != nil {
		logger.Gateway().Warn().Err(err).Uint64("user_id", uint64(userID)).Msg("presence set failed")
		return
	}

	s.publish(Update{UserID: userID, Presence: value, Online: true})
}

// ClearPresence implements gatewaysession.PresenceClearer: it unregisters
// connID and, if no other connection for this user remains, marks them
// offline. Called by the session after its own grace-period sleep, so a
// reconnect within the grace window has already re-incremented the
// connection count by the time this runs.
func (s *Store) ClearPresence(ctx context.Context, userID ids.Id, connID uint64) {
	if !s.cache.IsEnabled() {
		return
	}

	remaining, err := s.cache.IncrementBy(ctx, connCountKey(userID), -1)
	if err != nil {
		logger.Gateway().Warn().Err(err).Uint64("user_id", uint64(userID)).Msg("presence connection count decrement failed")
		return
	}
	if remaining > 0 {
		return
	}

	if err := s.cache.Delete(ctx, cache.PresenceKey(uint64(userID)), connCountKey(userID)); err != nil {
		logger.Gateway().Warn().Err(err).Uint64("user_id", uint64(userID)).Msg("presence clear failed")
		return
	}

	s.publish(Update{UserID: userID, Online: false})
}

func (s *Store) publish(update Update) {
	if s.nc == nil {
		return
	}
	payload, err := json.Marshal(update)
	if err != nil {
		logger.Gateway().Warn().Err(err).Msg("presence update marshal failed")
		return
	}
	if err := s.nc.Publish(SubjectPresenceUpdate, payload); err != nil {
		logger.Gateway().Warn().Err(err).Msg("presence update publish failed")
	}
}
