// Procedure declarations: the catalog the gateway dispatches HTTP/WebSocket
// requests into and the nexus dispatches onto storage/embedworker calls.
//
// Grounded on the original's rpc::procedure::Procedure enum (bin/nexus/src/
// rpc/mod.rs's giant match on Proc::*) and its per-variant endpoint() scope
// method; HTTP method/pattern/flags/quota fields are the original's
// #[command(...)] attributes reinterpreted as a plain Go struct table
// instead of a derive macro, since Go has no procedural macros.
package rpc

// Scope is the node kind a Procedure must be dispatched to.
type Scope int

const (
	ScopeNexus Scope = iota
	ScopeParty
	ScopeRoom
)

func (s Scope) String() string {
	switch s {
	case ScopeNexus:
		return "nexus"
	case ScopeParty:
		return "party"
	case ScopeRoom:
		return "room"
	default:
		return "unknown"
	}
}

// Flags gates a procedure behind caller capabilities the gateway can check
// without a round trip: admin-only, users-only, bots-only. Zero value means
// no restriction beyond normal permission-cache checks.
type Flags uint8

const (
	FlagAdminOnly Flags = 1 << iota
	FlagUsersOnly
	FlagBotsOnly
)

// Method identifies a procedure. New procedures are added here and to the
// catalog in init(); handler bodies live in internal/storage and
// internal/embedworker, which are external collaborators to this package.
type Method string

const (
	MethodCreateRoom      Method = "CreateRoom"
	MethodGetRoom         Method = "GetRoom"
	MethodPatchRoom       Method = "PatchRoom"
	MethodDeleteRoom      Method = "DeleteRoom"
	MethodCreateMessage   Method = "CreateMessage"
	MethodEditMessage     Method = "EditMessage"
	MethodDeleteMessage   Method = "DeleteMessage"
	MethodGetMessages     Method = "GetMessages"
	MethodStartTyping     Method = "StartTyping"
	MethodPutReaction     Method = "PutReaction"
	MethodRemoveReaction  Method = "RemoveOwnReaction"
	MethodCreateParty     Method = "CreateParty"
	MethodGetParty        Method = "GetParty"
	MethodPatchParty      Method = "PatchParty"
	MethodGetPartyMembers Method = "GetPartyMembers"
	MethodGetPartyRooms   Method = "GetPartyRooms"
	MethodAuthorize       Method = "Authorize"
	MethodOpenGateway     Method = "OpenGateway"

	// MethodResolveRoomPermissions is a gateway-to-nexus internal call
	// backing permcache.Store's RoomPermissions lookup; it has no HTTP
	// route of its own and is therefore not registered in Catalog.
	MethodResolveRoomPermissions Method = "ResolveRoomPermissions"
)

// Procedure is one catalog entry: the dispatch-time metadata the RPC layer
// needs before it ever calls into a handler.
type Procedure struct {
	Method         Method
	HTTPMethod     string
	Pattern        string
	RequiredFlags  Flags
	RateLimitQuota string // key into internal/ratelimit's route table
	Streaming      bool
	Endpoint       Scope
}

// Catalog is the full set of known procedures, keyed by Method.
var Catalog = map[Method]Procedure{}

func register(p Procedure) { Catalog[p.Method] = p }

func init() {
	register(Procedure{Method: MethodAuthorize, HTTPMethod: "POST", Pattern: "/rpc/authorize", Endpoint: ScopeNexus, RateLimitQuota: "auth"})
	register(Procedure{Method: MethodOpenGateway, HTTPMethod: "POST", Pattern: "/rpc/open-gateway", Endpoint: ScopeNexus, RateLimitQuota: "default"})

	register(Procedure{Method: MethodCreateParty, HTTPMethod: "POST", Pattern: "/api/v1/party", Endpoint: ScopeNexus, RequiredFlags: FlagUsersOnly, RateLimitQuota: "party_create"})
	register(Procedure{Method: MethodGetParty, HTTPMethod: "GET", Pattern: "/api/v1/party/:party_id", Endpoint: ScopeParty, RateLimitQuota: "default"})
	register(Procedure{Method: MethodPatchParty, HTTPMethod: "PATCH", Pattern: "/api/v1/party/:party_id", Endpoint: ScopeParty, RateLimitQuota: "default"})
	register(Procedure{Method: MethodGetPartyMembers, HTTPMethod: "GET", Pattern: "/api/v1/party/:party_id/members", Endpoint: ScopeParty, Streaming: true, RateLimitQuota: "default"})
	register(Procedure{Method: MethodGetPartyRooms, HTTPMethod: "GET", Pattern: "/api/v1/party/:party_id/rooms", Endpoint: ScopeParty, Streaming: true, RateLimitQuota: "default"})

	register(Procedure{Method: MethodCreateRoom, HTTPMethod: "POST", Pattern: "/api/v1/party/:party_id/rooms", Endpoint: ScopeParty, RequiredFlags: FlagUsersOnly, RateLimitQuota: "room_create"})
	register(Procedure{Method: MethodGetRoom, HTTPMethod: "GET", Pattern: "/api/v1/room/:room_id", Endpoint: ScopeRoom, RateLimitQuota: "default"})
	register(Procedure{Method: MethodPatchRoom, HTTPMethod: "PATCH", Pattern: "/api/v1/room/:room_id", Endpoint: ScopeRoom, RateLimitQuota: "default"})
	register(Procedure{Method: MethodDeleteRoom, HTTPMethod: "DELETE", Pattern: "/api/v1/room/:room_id", Endpoint: ScopeRoom, RateLimitQuota: "default"})

	register(Procedure{Method: MethodCreateMessage, HTTPMethod: "POST", Pattern: "/api/v1/room/:room_id/messages", Endpoint: ScopeRoom, RequiredFlags: FlagUsersOnly, RateLimitQuota: "message_create"})
	register(Procedure{Method: MethodEditMessage, HTTPMethod: "PATCH", Pattern: "/api/v1/room/:room_id/messages/:msg_id", Endpoint: ScopeRoom, RateLimitQuota: "default"})
	register(Procedure{Method: MethodDeleteMessage, HTTPMethod: "DELETE", Pattern: "/api/v1/room/:room_id/messages/:msg_id", Endpoint: ScopeRoom, RateLimitQuota: "default"})
	register(Procedure{Method: MethodGetMessages, HTTPMethod: "GET", Pattern: "/api/v1/room/:room_id/messages", Endpoint: ScopeRoom, Streaming: true, RateLimitQuota: "default"})
	register(Procedure{Method: MethodStartTyping, HTTPMethod: "POST", Pattern: "/api/v1/room/:room_id/typing", Endpoint: ScopeRoom, RateLimitQuota: "typing"})
	register(Procedure{Method: MethodPutReaction, HTTPMethod: "PUT", Pattern: "/api/v1/room/:room_id/messages/:msg_id/reactions/:emote", Endpoint: ScopeRoom, RateLimitQuota: "default"})
	register(Procedure{Method: MethodRemoveReaction, HTTPMethod: "DELETE", Pattern: "/api/v1/room/:room_id/messages/:msg_id/reactions/:emote/@me", Endpoint: ScopeRoom, RateLimitQuota: "default"})
}

// Lookup returns the catalog entry for method, or false if unknown.
func Lookup(method Method) (Procedure, bool) {
	p, ok := Catalog[method]
	return p, ok
}

// EndpointMatches reports whether a node of kind isNexus may serve a
// procedure targeting scope, a direct port of the original's pre-dispatch
// check: Resolve::Nexus is rejected on non-nexus nodes, Resolve::Party and
// Resolve::Room are rejected on the nexus itself (those procedures are
// handled where the party/room's data lives, not centrally).
func EndpointMatches(scope Scope, isNexus bool) bool {
	switch scope {
	case ScopeNexus:
		return isNexus
	case ScopeParty, ScopeRoom:
		return !isNexus
	default:
		return false
	}
}
