// Package gatewaysession drives one client WebSocket from upgrade to
// close: the hello/identify/heartbeat handshake, intent and permission
// filtering of outbound events, and bookkeeping of per-party
// subscriptions.
//
// Grounded on the original's layers/server/src/web/gateway/mod.rs
// client_connection event loop, reworked into the teacher's hub/client
// split (internal/websocket/hub.go): instead of one goroutine owning a
// select-all of streams, a Session owns a single goroutine that merges
// three Go channels (inbound frames, outbound events, heartbeat timer)
// with a select loop, the idiomatic Go substitute for futures::select_all.
package gatewaysession

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	"github.com/lanternfabric/core/internal/eventqueue"
	"github.com/lanternfabric/core/internal/ids"
	"github.com/lanternfabric/core/internal/logger"
	"github.com/lanternfabric/core/internal/partybus"
)

// State is the session's position in the connection lifecycle.
type State int

const (
	AwaitingHello State = iota
	AwaitingIdentify
	Live
	Closing
)

func (s State) String() string {
	switch s {
	case AwaitingHello:
		return "awaiting_hello"
	case AwaitingIdentify:
		return "awaiting_identify"
	case Live:
		return "live"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// heartbeatTimeout is how long the session waits for any inbound client
// frame before forcing termination. A var, not a const, so tests can
// shrink it instead of sleeping through the real 45s window.
var heartbeatTimeout = 45 * time.Second

// presenceGrace is how long presence-clearing is delayed after a session
// closes, so a page reload does not flicker presence. A var, not a const,
// so tests can shrink it instead of sleeping through the real delay.
var presenceGrace = 5 * time.Second

// outboundBuffer bounds the session's outbound event channel; exceeding it
// is treated as lag and closes the session with InvalidSession.
const outboundBuffer = 256

// Encoding is the negotiated wire encoding for outbound frames.
type Encoding int

const (
	EncodingJSON Encoding = iota
	EncodingCBOR
)

// Authenticator validates a bearer token and resolves it to a user
// identity; backed by internal/auth in production wiring.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (userID ids.Id, username string, err error)
}

// PermissionLookup is the subset of internal/permcache's surface the
// session's filter pipeline needs: memoized per-room permission checks
// plus the invalidation hooks the event filter calls.
type PermissionLookup interface {
	Get(ctx context.Context, userID, roomID ids.Id) (perms uint64, ok bool)
	Refresh(ctx context.Context, userID, roomID ids.Id) (perms uint64, visible bool, err error)
	ClearUser(ctx context.Context, userID ids.Id)
	AddReference(userID ids.Id)
	RemoveReference(userID ids.Id)
}

// PartyResolver subscribes and unsubscribes a session's connection to a
// party's broadcast channel, backed by internal/partybus in production
// wiring.
type PartyResolver interface {
	Subscribe(connID uint64, partyID ids.Id) *partybus.Subscription
	Unsubscribe(connID uint64, partyID ids.Id)
}

// PresenceClearer schedules the grace-period presence clear a session
// triggers on close.
type PresenceClearer interface {
	ClearPresence(ctx context.Context, userID ids.Id, connID uint64)
}

// PresenceSetter forwards a client's SetPresence frame to the storage
// collaborator; presence is not itself tracked by this package.
type PresenceSetter interface {
	SetPresence(ctx context.Context, userID ids.Id, connID uint64, presence uint32)
}

// wsConn is the subset of *websocket.Conn the session needs, narrowed for
// testability.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// roleCache mirrors the original's RoleCache: the set of (party, role)
// pairs the session's user currently holds, used to decide whether a
// RoleUpdate/RoleDelete event should invalidate this session's permission
// entries.
type roleCache struct {
	roles map[ids.Id]map[ids.Id]struct{} // partyID -> set of roleID
}

func newRoleCache() *roleCache { return &roleCache{roles: make(map[ids.Id]map[ids.Id]struct{})} }

func (r *roleCache) has(partyID, roleID ids.Id) bool {
	roles, ok := r.roles[partyID]
	if !ok {
		return false
	}
	_, ok = roles[roleID]
	return ok
}

func (r *roleCache) add(partyID ids.Id, roleIDs []ids.Id) {
	roles, ok := r.roles[partyID]
	if !ok {
		roles = make(map[ids.Id]struct{})
		r.roles[partyID] = roles
	}
	for _, rid := range roleIDs {
		roles[rid] = struct{}{}
	}
}

func (r *roleCache) removeRole(partyID, roleID ids.Id) {
	if roles, ok := r.roles[partyID]; ok {
		delete(roles, roleID)
	}
}

func (r *roleCache) removeParty(partyID ids.Id) {
	delete(r.roles, partyID)
}

// Session owns one client connection for its entire lifetime.
type Session struct {
	connID   uint64
	conn     wsConn
	encoding Encoding

	auth           Authenticator
	perms          PermissionLookup
	bus            PartyResolver
	pres           PresenceClearer
	presenceSetter PresenceSetter

	mu       sync.Mutex
	state    State
	userID   ids.Id
	intent   uint64
	blocked  map[ids.Id]struct{}
	roles    *roleCache
	partySub map[ids.Id]*partybus.Subscription

	outbound chan *eventqueue.Event
	inbound  chan inboundFrame

	lagged     chan struct{}
	laggedOnce sync.Once
}

type inboundFrame struct {
	data []byte
	err  error
}

// Config bundles a Session's collaborators. Conn accepts any type
// satisfying the package's narrow read/write/deadline surface; a
// *websocket.Conn from an actual HTTP upgrade satisfies it directly.
type Config struct {
	ConnID         uint64
	Conn           wsConn
	Encoding       Encoding
	Auth           Authenticator
	Perms          PermissionLookup
	Bus            PartyResolver
	Presence       PresenceClearer
	PresenceSetter PresenceSetter
}

// New constructs a Session in AwaitingHello. Callers must call Run to
// drive it.
func New(cfg Config) *Session {
	return &Session{
		connID:         cfg.ConnID,
		conn:           cfg.Conn,
		encoding:       cfg.Encoding,
		auth:           cfg.Auth,
		perms:          cfg.Perms,
		bus:            cfg.Bus,
		pres:           cfg.Presence,
		presenceSetter: cfg.PresenceSetter,
		state:          AwaitingHello,
		blocked:        make(map[ids.Id]struct{}),
		roles:          newRoleCache(),
		partySub:       make(map[ids.Id]*partybus.Subscription),
		outbound:       make(chan *eventqueue.Event, outboundBuffer),
		inbound:        make(chan inboundFrame, 1),
		lagged:         make(chan struct{}),
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Deliver enqueues ev for outbound delivery to this session. It never
// blocks: a full outbound buffer is reported back to the caller so that
// (per §4.1's back-pressure clause) the session is closed with
// InvalidSession rather than letting one slow client stall the party bus.
func (s *Session) Deliver(ev *eventqueue.Event) (lagged bool) {
	select {
	case s.outbound <- ev:
		return false
	default:
		s.closeLagged()
		return true
	}
}

// closeLagged signals Run to tear the session down with InvalidSession.
// Safe to call from any goroutine, any number of times.
func (s *Session) closeLagged() {
	s.laggedOnce.Do(func() { close(s.lagged) })
}

// Run drives the session's event loop until the connection closes. It
// blocks until termination and performs all cleanup (permission cache
// dereference, subscription teardown, presence-clear scheduling) before
// returning.
func (s *Session) Run(ctx context.Context) {
	log := logger.Gateway()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.readLoop()

	s.sendHello()
	s.setState(AwaitingIdentify)

	heartbeat := time.NewTimer(heartbeatTimeout)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			s.teardown(ctx)
			return

		case <-s.lagged:
			log.Warn().Uint64("conn_id", s.connID).Msg("outbound buffer exceeded, closing session")
			s.sendInvalidSession()
			s.teardown(ctx)
			return

		case <-heartbeat.C:
			log.Warn().Uint64("conn_id", s.connID).Msg("missed heartbeat, closing session")
			s.teardown(ctx)
			return

		case frame, ok := <-s.inbound:
			if !ok || frame.err != nil {
				s.teardown(ctx)
				return
			}
			heartbeat.Reset(heartbeatTimeout)
			if !s.handleInbound(ctx, frame.data) {
				s.teardown(ctx)
				return
			}

		case ev := <-s.outbound:
			if !s.handleOutbound(ctx, ev) {
				s.teardown(ctx)
				return
			}
		}
	}
}

func (s *Session) readLoop() {
	defer close(s.inbound)
	_ = s.conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.inbound <- inboundFrame{err: err}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))
		s.inbound <- inboundFrame{data: data}
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) sendHello() {
	s.writeServerMsg(&ServerMsg{Op: OpHello})
}

// teardown runs the close-time cleanup §4.1 and §4.4 describe: dereference
// the permission-cache reference, cancel every party subscription, and (if
// the session ever identified) schedule a 5s-delayed presence clear.
func (s *Session) teardown(ctx context.Context) {
	s.setState(Closing)
	_ = s.conn.Close()

	s.mu.Lock()
	userID := s.userID
	partyIDs := make([]ids.Id, 0, len(s.partySub))
	for pid := range s.partySub {
		partyIDs = append(partyIDs, pid)
	}
	s.mu.Unlock()

	for _, pid := range partyIDs {
		s.bus.Unsubscribe(s.connID, pid)
	}

	if userID.IsZero() {
		return
	}

	s.perms.RemoveReference(userID)

	if s.pres != nil {
		connID := s.connID
		go func() {
			time.Sleep(presenceGrace)
			s.pres.ClearPresence(context.Background(), userID, connID)
		}()
	}
	_ = ctx
}

func (s *Session) writeServerMsg(msg *ServerMsg) {
	payload, err := encodeServerMsg(msg, s.encoding)
	if err != nil {
		logger.Gateway().Error().Err(err).Msg("failed to encode outbound message")
		return
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		logger.Gateway().Warn().Err(err).Msg("failed to write outbound message")
	}
}

func encodeServerMsg(msg *ServerMsg, enc Encoding) ([]byte, error) {
	if enc == EncodingCBOR {
		return cbor.Marshal(msg)
	}
	return json.Marshal(msg)
}
