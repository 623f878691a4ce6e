package gatewaysession

// Opcode identifies a client→server or server→client message kind. Values
// match the original's sdk::models::gateway::message opcode table
// (§6: 0 Heartbeat, 1 Identify, 2 Resume, 3 SetPresence, 4 Subscribe,
// 5 Unsubscribe); server-only opcodes (Hello, Ready, HeartbeatAck,
// InvalidSession) are appended after the client opcode range so the two
// tagged unions share one numbering space, matching the original's
// ClientMsg/ServerMsg split over a common `{o, p}` envelope.
type Opcode int

const (
	OpHeartbeat Opcode = iota
	OpIdentify
	OpResume
	OpSetPresence
	OpSubscribe
	OpUnsubscribe

	OpHello
	OpReady
	OpHeartbeatAck
	OpInvalidSession
	OpDispatch
)

// ClientMsg is the tagged envelope for an inbound client frame.
type ClientMsg struct {
	Op      Opcode          `json:"o" cbor:"o"`
	Payload ClientMsgPayload `json:"p" cbor:"p"`
}

// ClientMsgPayload carries the fields relevant to whichever Op is set; only
// the fields matching Op are populated by the decoder.
type ClientMsgPayload struct {
	Auth    string `json:"auth,omitempty" cbor:"auth,omitempty"`
	Intent  uint64 `json:"intent,omitempty" cbor:"intent,omitempty"`
	Session string `json:"session,omitempty" cbor:"session,omitempty"`

	Presence uint32 `json:"presence,omitempty" cbor:"presence,omitempty"`

	PartyID uint64 `json:"party_id,omitempty" cbor:"party_id,omitempty"`
}

// ServerMsg is the tagged envelope for an outbound server frame.
type ServerMsg struct {
	Op      Opcode `json:"o" cbor:"o"`
	Payload any    `json:"p,omitempty" cbor:"p,omitempty"`
}

// ReadyPayload accompanies OpReady: the authenticated user's profile and
// the parties (with self roles) it belongs to, mirroring the original's
// ReadyParty list used to seed the session's role cache.
type ReadyPayload struct {
	UserID  uint64       `json:"user_id" cbor:"user_id"`
	Parties []ReadyParty `json:"parties" cbor:"parties"`
}

// ReadyParty is one party entry in a Ready payload, carrying the roles the
// current user holds in it so the session can seed its role cache without
// a follow-up query.
type ReadyParty struct {
	PartyID uint64   `json:"party_id" cbor:"party_id"`
	RoleIDs []uint64 `json:"role_ids" cbor:"role_ids"`
}
