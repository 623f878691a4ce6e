// Key naming conventions for the distributed permission-cache tier.
//
// Format: {prefix}:{identifier...}. Prefixes keep resource types from
// colliding under DeletePattern sweeps; identifiers are numeric snowflake
// ids (internal/ids) rather than strings since every domain entity here
// is gateway/nexus-assigned, never user-supplied.
package cache

import "fmt"

// Key prefixes for different resource types
const (
	PrefixPermission  = "perm"
	PrefixUserRooms   = "user_rooms"
	PrefixRoomParty   = "room_party"
	PrefixPartyMember = "party_member"
	PrefixBlockedBy   = "blocked_by"
	PrefixPresence    = "presence"
	PrefixRateLimit   = "ratelimit"
	PrefixEventCursor = "event_cursor"
)

// PermissionEntryKey addresses one user's cached permission bits for a
// single room.
func PermissionEntryKey(userID, roomID uint64) string {
	return fmt.Sprintf("%s:%d:%d", PrefixPermission, userID, roomID)
}

// UserPermissionsPattern matches every cached permission entry for a user
// across all rooms. Used when a role or party-wide membership change
// invalidates a user's permissions everywhere at once.
func UserPermissionsPattern(userID uint64) string {
	return fmt.Sprintf("%s:%d:*", PrefixPermission, userID)
}

// RoomPermissionsPattern matches every cached permission entry for a room
// across all users. Used when a room's permission overwrites change.
func RoomPermissionsPattern(roomID uint64) string {
	return fmt.Sprintf("%s:*:%d", PrefixPermission, roomID)
}

// UserRoomsKey caches the set of room IDs a user currently has access to,
// refreshed on party membership or role changes.
func UserRoomsKey(userID uint64) string {
	return fmt.Sprintf("%s:%d", PrefixUserRooms, userID)
}

// RoomPartyKey caches which party a room belongs to, avoiding a storage
// round trip on every permission check.
func RoomPartyKey(roomID uint64) string {
	return fmt.Sprintf("%s:%d", PrefixRoomParty, roomID)
}

// PartyMemberKey caches whether a user is a member of a party.
func PartyMemberKey(partyID, userID uint64) string {
	return fmt.Sprintf("%s:%d:%d", PrefixPartyMember, partyID, userID)
}

// PartyMembersPattern matches every cached membership entry for a party.
// Used when a party is deleted or a bulk membership sync occurs.
func PartyMembersPattern(partyID uint64) string {
	return fmt.Sprintf("%s:%d:*", PrefixPartyMember, partyID)
}

// BlockedByKey caches the set of user IDs that have blocked the given
// user, mirrored into each gateway session's in-memory blocked_by set.
func BlockedByKey(userID uint64) string {
	return fmt.Sprintf("%s:%d", PrefixBlockedBy, userID)
}

// PresenceKey caches a user's last known presence, read by gateways that
// do not hold a live session for that user.
func PresenceKey(userID uint64) string {
	return fmt.Sprintf("%s:%d", PrefixPresence, userID)
}

// RateLimitPenaltyKey tracks a cross-gateway penalty applied to an
// account or route by the rate limiter, so a penalty issued by one
// gateway is honored by all of them.
func RateLimitPenaltyKey(account uint64, route string) string {
	return fmt.Sprintf("%s:%d:%s", PrefixRateLimit, account, route)
}

// EventCursorKey caches the last event counter a gateway has observed for
// a party, used to resume a replay after a brief reconnect without
// round-tripping to the nexus for full state.
func EventCursorKey(gatewayID, partyID uint64) string {
	return fmt.Sprintf("%s:%d:%d", PrefixEventCursor, gatewayID, partyID)
}

// Invalidation patterns for whole-prefix sweeps.
func PermissionPattern() string {
	return fmt.Sprintf("%s:*", PrefixPermission)
}

func PartyMemberPattern() string {
	return fmt.Sprintf("%s:*", PrefixPartyMember)
}
