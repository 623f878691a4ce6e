package gatewaysession

import (
	"context"
	"encoding/json"

	"github.com/fxamacker/cbor/v2"

	"github.com/lanternfabric/core/internal/ids"
	"github.com/lanternfabric/core/internal/logger"
)

// handleInbound decodes one client frame and drives the state machine
// described in §4.1. It returns false if the session should close.
func (s *Session) handleInbound(ctx context.Context, data []byte) bool {
	msg, err := decodeClientMsg(data, s.encoding)
	if err != nil {
		logger.Gateway().Warn().Err(err).Msg("malformed client frame")
		return false
	}

	state := s.State()

	switch state {
	case AwaitingIdentify:
		switch msg.Op {
		case OpHeartbeat:
			s.writeServerMsg(&ServerMsg{Op: OpHeartbeatAck})
			return true
		case OpIdentify:
			return s.handleIdentify(ctx, msg)
		default:
			logger.Gateway().Warn().Str("op", "unexpected").Msg("non-identify message before identify")
			return false
		}

	case Live:
		switch msg.Op {
		case OpHeartbeat:
			s.writeServerMsg(&ServerMsg{Op: OpHeartbeatAck})
			return true
		case OpSetPresence:
			return s.handleSetPresence(ctx, msg)
		case OpSubscribe, OpUnsubscribe:
			// Subscriptions are driven entirely by PartyCreate/PartyDelete
			// events server-side; client-issued subscribe/unsubscribe is a
			// documented no-op round trip, matching the original's
			// "Unimplemented sub/unsub" no-reply behavior.
			return true
		case OpResume:
			logger.Gateway().Warn().Msg("client attempted to resume a session")
			return false
		default:
			return true
		}

	default:
		return false
	}
}

func (s *Session) handleIdentify(ctx context.Context, msg *ClientMsg) bool {
	userID, username, err := s.auth.Authenticate(ctx, msg.Payload.Auth)
	if err != nil {
		logger.Gateway().Warn().Err(err).Msg("identify failed")
		return false
	}

	s.mu.Lock()
	s.userID = userID
	s.intent = msg.Payload.Intent
	s.mu.Unlock()

	s.perms.AddReference(userID)
	s.setState(Live)

	s.writeServerMsg(&ServerMsg{
		Op: OpReady,
		Payload: ReadyPayload{
			UserID:  uint64(userID),
			Parties: nil, // this package does not look up the user's parties, so Ready lists none
		},
	})
	_ = username
	return true
}

func (s *Session) handleSetPresence(ctx context.Context, msg *ClientMsg) bool {
	s.mu.Lock()
	userID := s.userID
	s.mu.Unlock()

	if userID.IsZero() {
		logger.Gateway().Warn().Msg("set presence before identification")
		return false
	}

	// Setting presence is answered with no reply and delegates to the
	// storage collaborator (external to this package); only the
	// close-time presence *clear* (teardown, after presenceGrace) is this
	// package's responsibility.
	if s.presenceSetter != nil {
		go s.presenceSetter.SetPresence(ctx, userID, s.connID, msg.Payload.Presence)
	}
	return true
}

// SeedRoles seeds the session's role cache from a Ready payload's party
// list, mirroring the original's identify handler populating RoleCache
// before the first PartyCreate/RoleUpdate arrives.
func (s *Session) SeedRoles(parties []ReadyParty) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range parties {
		roleIDs := make([]ids.Id, 0, len(p.RoleIDs))
		for _, r := range p.RoleIDs {
			roleIDs = append(roleIDs, ids.Id(r))
		}
		s.roles.add(ids.Id(p.PartyID), roleIDs)
	}
}

func decodeClientMsg(data []byte, enc Encoding) (*ClientMsg, error) {
	var msg ClientMsg
	var err error
	if enc == EncodingCBOR {
		err = cbor.Unmarshal(data, &msg)
	} else {
		err = json.Unmarshal(data, &msg)
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
