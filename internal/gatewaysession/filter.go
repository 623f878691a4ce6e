package gatewaysession

import (
	"context"

	"github.com/gorilla/websocket"

	"github.com/lanternfabric/core/internal/eventqueue"
	"github.com/lanternfabric/core/internal/ids"
	"github.com/lanternfabric/core/internal/logger"
	"github.com/lanternfabric/core/internal/partybus"
)

// permViewRoom is the permission bit granting room visibility, matching the
// original's Permissions::VIEW_ROOM.
const permViewRoom uint64 = 1 << 0

// handleOutbound applies the §4.1 filter pipeline to ev in order and, if it
// survives, writes it to the client. It returns false if the session
// should close.
func (s *Session) handleOutbound(ctx context.Context, ev *eventqueue.Event) bool {
	// 1. Intent gate.
	if ev.Intent != 0 {
		s.mu.Lock()
		intent := s.intent
		s.mu.Unlock()
		if intent&ev.Intent == 0 {
			return true
		}
	}

	// 2. Block gate.
	if !ev.UserID.IsZero() {
		s.mu.Lock()
		_, blocked := s.blocked[ev.UserID]
		s.mu.Unlock()
		if blocked {
			return true
		}
	}

	s.mu.Lock()
	userID := s.userID
	state := s.state
	s.mu.Unlock()

	if state != Live {
		// Hello/Ready frames synthesized locally bypass the pipeline;
		// anything else arriving before Live is a programming error
		// upstream, not a reason to tear down an otherwise-healthy
		// connection.
		return true
	}

	// 3. Role/permission cache maintenance.
	invalidates := s.invalidatesPermissionCache(ev)
	s.maintainRoleCache(ev)
	if invalidates {
		s.perms.ClearUser(ctx, userID)
	}

	// 4. Room visibility gate.
	if !ev.RoomID.IsZero() {
		visible, invalidSession := s.checkRoomVisibility(ctx, userID, ev.RoomID)
		if invalidSession {
			s.sendInvalidSession()
			return false
		}
		if !visible {
			return true
		}
	}

	// 5. Subscription bookkeeping.
	switch ev.Kind {
	case eventqueue.KindPartyCreate:
		s.subscribeParty(ev.PartyID)
	case eventqueue.KindPartyDelete:
		s.unsubscribeParty(ev.PartyID)
	}

	// 6. Send.
	if err := s.conn.WriteMessage(websocket.BinaryMessage, ev.Payload); err != nil {
		logger.Gateway().Warn().Err(err).Msg("failed to write event, closing session")
		return false
	}
	return true
}

// maintainRoleCache updates the session's role cache for events that carry
// role/membership information, independent of whether the event also
// invalidates the permission cache.
func (s *Session) maintainRoleCache(ev *eventqueue.Event) {
	switch ev.Kind {
	case eventqueue.KindRoleDelete:
		s.mu.Lock()
		s.roles.removeRole(ev.PartyID, ev.RoleID)
		s.mu.Unlock()
	case eventqueue.KindPartyDelete:
		s.mu.Lock()
		s.roles.removeParty(ev.PartyID)
		s.mu.Unlock()
	}
}

// invalidatesPermissionCache implements the six event-kind rules §4.4
// lists, scoped to whether this session's user is actually affected (the
// original's `roles.has(party_id, role_id)` / `inner.member.user.id ==
// user_id` guards).
func (s *Session) invalidatesPermissionCache(ev *eventqueue.Event) bool {
	s.mu.Lock()
	userID := s.userID
	roles := s.roles
	s.mu.Unlock()

	switch ev.Kind {
	case eventqueue.KindRoleUpdate:
		return roles.has(ev.PartyID, ev.RoleID)
	case eventqueue.KindRoleDelete:
		return roles.has(ev.PartyID, ev.RoleID)
	case eventqueue.KindMemberUpdate, eventqueue.KindMemberRemove:
		return ev.TargetUserID == userID
	case eventqueue.KindPartyDelete:
		return true
	case eventqueue.KindRoomUpdate:
		return true
	default:
		return false
	}
}

// checkRoomVisibility implements §4.1 step 4: a cache hit with VIEW_ROOM
// drops nothing, a cache hit without it drops the event, a miss triggers a
// synchronous refresh, and a refresh that still finds the room invisible
// forces InvalidSession (per §4.4's "must never silently suppress"
// consistency rule).
func (s *Session) checkRoomVisibility(ctx context.Context, userID, roomID ids.Id) (visible, invalidSession bool) {
	if perms, ok := s.perms.Get(ctx, userID, roomID); ok {
		return perms&permViewRoom != 0, false
	}

	perms, stillVisible, err := s.perms.Refresh(ctx, userID, roomID)
	if err != nil {
		logger.PermCache().Error().Err(err).Msg("permission refresh failed")
		return false, true
	}
	if !stillVisible {
		return false, true
	}
	return perms&permViewRoom != 0, false
}

func (s *Session) subscribeParty(partyID ids.Id) {
	sub := s.bus.Subscribe(s.connID, partyID)
	s.mu.Lock()
	s.partySub[partyID] = sub
	s.mu.Unlock()
	go s.forwardPartyEvents(sub)
}

func (s *Session) unsubscribeParty(partyID ids.Id) {
	s.bus.Unsubscribe(s.connID, partyID)
	s.mu.Lock()
	delete(s.partySub, partyID)
	s.mu.Unlock()
}

// forwardPartyEvents relays a party subscription's events into the
// session's single outbound channel, so handleOutbound's filter pipeline
// runs uniformly over direct sends and party fan-out alike. It exits once
// Unsubscribe cancels the subscription's abort handle.
func (s *Session) forwardPartyEvents(sub *partybus.Subscription) {
	for {
		select {
		case ev := <-sub.Events():
			s.Deliver(ev)
		case <-sub.Done():
			return
		}
	}
}

func (s *Session) sendInvalidSession() {
	s.writeServerMsg(&ServerMsg{Op: OpInvalidSession})
}
