package gatewaysession

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanternfabric/core/internal/ids"
	"github.com/lanternfabric/core/internal/partybus"
)

// fakeConn is an in-memory wsConn double: reads come from a channel,
// writes accumulate in a slice, Close makes ReadMessage return an error.
type fakeConn struct {
	mu      sync.Mutex
	reads   chan []byte
	writes  [][]byte
	closed  bool
	pongFn  func(string) error
}

func newFakeConn() *fakeConn {
	return &fakeConn{reads: make(chan []byte, 8)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.reads
	if !ok {
		return 0, nil, errors.New("closed")
	}
	return 2, data, nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed conn")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error { return nil }
func (c *fakeConn) SetPongHandler(h func(string) error) { c.pongFn = h }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.reads)
	}
	return nil
}

func (c *fakeConn) messages(t *testing.T) []ClientMsg {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ClientMsg
	for _, w := range c.writes {
		var m ClientMsg
		require.NoError(t, json.Unmarshal(w, &m))
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) send(msg ClientMsg) {
	data, _ := json.Marshal(msg)
	c.reads <- data
}

type fakeAuth struct {
	userID   ids.Id
	username string
	err      error
}

func (a *fakeAuth) Authenticate(ctx context.Context, token string) (ids.Id, string, error) {
	return a.userID, a.username, a.err
}

type fakePerms struct {
	mu        sync.Mutex
	entries   map[[2]ids.Id]uint64
	refreshed map[[2]ids.Id]struct {
		perms   uint64
		visible bool
		err     error
	}
	addRefCount    int
	removeRefCount int
	clearedUsers   []ids.Id
}

func newFakePerms() *fakePerms {
	return &fakePerms{entries: make(map[[2]ids.Id]uint64)}
}

func (p *fakePerms) Get(ctx context.Context, userID, roomID ids.Id) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.entries[[2]ids.Id{userID, roomID}]
	return v, ok
}

func (p *fakePerms) Refresh(ctx context.Context, userID, roomID ids.Id) (uint64, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.refreshed[[2]ids.Id{userID, roomID}]
	if !ok {
		return 0, false, nil
	}
	return r.perms, r.visible, r.err
}

func (p *fakePerms) ClearUser(ctx context.Context, userID ids.Id) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearedUsers = append(p.clearedUsers, userID)
}

func (p *fakePerms) AddReference(userID ids.Id)    { p.addRefCount++ }
func (p *fakePerms) RemoveReference(userID ids.Id) { p.removeRefCount++ }

type fakeBus struct {
	mu            sync.Mutex
	subscribed    []ids.Id
	unsubscribed  []ids.Id
}

func (b *fakeBus) Subscribe(connID uint64, partyID ids.Id) *partybus.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribed = append(b.subscribed, partyID)
	bus := partybus.New()
	return bus.Subscribe(connID, partyID)
}

func (b *fakeBus) Unsubscribe(connID uint64, partyID ids.Id) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribed = append(b.unsubscribed, partyID)
}

type fakePresence struct {
	mu      sync.Mutex
	cleared []ids.Id
}

func (f *fakePresence) ClearPresence(ctx context.Context, userID ids.Id, connID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, userID)
}

func newSession(conn *fakeConn, auth Authenticator, perms PermissionLookup, bus PartyResolver, pres PresenceClearer) *Session {
	return New(Config{
		ConnID:   1,
		Conn:     conn,
		Encoding: EncodingJSON,
		Auth:     auth,
		Perms:    perms,
		Bus:      bus,
		Presence: pres,
	})
}

func TestSessionSendsHelloAndTransitionsToAwaitingIdentify(t *testing.T) {
	conn := newFakeConn()
	s := newSession(conn, &fakeAuth{}, newFakePerms(), &fakeBus{}, &fakePresence{})

	done := make(chan struct{})
	go func() { s.Run(context.Background()); close(done) }()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, AwaitingIdentify, s.State())

	conn.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session did not terminate after conn close")
	}

	msgs := conn.messages(t)
	require.NotEmpty(t, msgs)
	assert.Equal(t, OpHello, msgs[0].Op)
}

func TestNonIdentifyMessageBeforeIdentifyCloses(t *testing.T) {
	conn := newFakeConn()
	s := newSession(conn, &fakeAuth{}, newFakePerms(), &fakeBus{}, &fakePresence{})

	done := make(chan struct{})
	go func() { s.Run(context.Background()); close(done) }()

	time.Sleep(10 * time.Millisecond)
	conn.send(ClientMsg{Op: OpSetPresence})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session should have closed on non-identify message")
	}
}

func TestSuccessfulIdentifyTransitionsToLive(t *testing.T) {
	conn := newFakeConn()
	auth := &fakeAuth{userID: ids.Id(42), username: "alice"}
	perms := newFakePerms()
	s := newSession(conn, auth, perms, &fakeBus{}, &fakePresence{})

	done := make(chan struct{})
	go func() { s.Run(context.Background()); close(done) }()

	time.Sleep(10 * time.Millisecond)
	conn.send(ClientMsg{Op: OpIdentify, Payload: ClientMsgPayload{Auth: "token", Intent: 0x1}})

	require.Eventually(t, func() bool { return s.State() == Live }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, perms.addRefCount)

	conn.Close()
	<-done
}

func TestResumeInLiveClosesSession(t *testing.T) {
	conn := newFakeConn()
	auth := &fakeAuth{userID: ids.Id(1)}
	s := newSession(conn, auth, newFakePerms(), &fakeBus{}, &fakePresence{})

	done := make(chan struct{})
	go func() { s.Run(context.Background()); close(done) }()

	time.Sleep(10 * time.Millisecond)
	conn.send(ClientMsg{Op: OpIdentify, Payload: ClientMsgPayload{Auth: "t"}})
	require.Eventually(t, func() bool { return s.State() == Live }, time.Second, 5*time.Millisecond)

	conn.send(ClientMsg{Op: OpResume})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session should close on resume attempt")
	}
}

func TestMissedHeartbeatClosesSession(t *testing.T) {
	original := heartbeatTimeout
	heartbeatTimeout = 30 * time.Millisecond
	defer func() { heartbeatTimeout = original }()

	conn := newFakeConn()
	s := newSession(conn, &fakeAuth{}, newFakePerms(), &fakeBus{}, &fakePresence{})

	done := make(chan struct{})
	go func() { s.Run(context.Background()); close(done) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session should have closed after missed heartbeat")
	}
}

func TestTeardownDereferencesPermissionCacheAndSchedulesPresenceClear(t *testing.T) {
	original := presenceGrace
	presenceGrace = 10 * time.Millisecond
	defer func() { presenceGrace = original }()

	conn := newFakeConn()
	auth := &fakeAuth{userID: ids.Id(7)}
	perms := newFakePerms()
	pres := &fakePresence{}
	s := newSession(conn, auth, perms, &fakeBus{}, pres)

	done := make(chan struct{})
	go func() { s.Run(context.Background()); close(done) }()

	time.Sleep(10 * time.Millisecond)
	conn.send(ClientMsg{Op: OpIdentify, Payload: ClientMsgPayload{Auth: "t"}})
	require.Eventually(t, func() bool { return s.State() == Live }, time.Second, 5*time.Millisecond)

	conn.Close()
	<-done

	assert.Equal(t, 1, perms.removeRefCount)

	require.Eventually(t, func() bool {
		pres.mu.Lock()
		defer pres.mu.Unlock()
		return len(pres.cleared) == 1
	}, time.Second, 5*time.Millisecond)
}
