// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sentinelstore/console/auth"
	"github.com/sentinelstore/console/lib/clock"
	"github.com/sentinelstore/console/lib/testutil"
)

const testTimeout = 5 * time.Second

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// pipeConn is the client end of an in-memory connection.
type pipeConn struct {
	inbound  chan []byte
	outbound chan []byte
	closed   chan struct{}
	once     sync.Once
}

func (c *pipeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *pipeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	select {
	case c.outbound <- data:
		return nil
	case <-c.closed:
		return net.ErrClosed
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// serverConn is the server end of a pipeConn.
type serverConn struct {
	t        *testing.T
	identity Identity
	client   *pipeConn
}

// expect reads the next client frame and checks its event name.
func (s *serverConn) expect(event string) frame {
	s.t.Helper()
	data := testutil.RequireReceive(s.t, s.client.outbound, testTimeout, "waiting for %s", event)
	var decoded frame
	if err := json.Unmarshal(data, &decoded); err != nil {
		s.t.Fatalf("client sent malformed frame %s: %v", data, err)
	}
	if decoded.Event != event {
		s.t.Fatalf("client sent %q, want %q (frame %s)", decoded.Event, event, data)
	}
	return decoded
}

// expectNothing fails if the client has written a frame.
func (s *serverConn) expectNothing() {
	s.t.Helper()
	select {
	case data := <-s.client.outbound:
		s.t.Fatalf("client sent unexpected frame %s", data)
	default:
	}
}

func (s *serverConn) send(value any) {
	s.t.Helper()
	data, err := json.Marshal(value)
	if err != nil {
		s.t.Fatalf("encoding server frame: %v", err)
	}
	select {
	case s.client.inbound <- data:
	case <-time.After(testTimeout):
		s.t.Fatalf("client is not reading")
	}
}

func (s *serverConn) push(event string, data any) {
	s.t.Helper()
	s.send(map[string]any{"event": event, "data": data})
}

func (s *serverConn) ack(id string, data any) {
	s.t.Helper()
	s.send(map[string]any{"event": "ack", "id": id, "data": data})
}

func (s *serverConn) reject(id, message string) {
	s.t.Helper()
	s.send(map[string]any{"event": "ack", "id": id, "error": message})
}

func (s *serverConn) close() {
	s.client.Close()
}

// payload decodes the data of a client frame.
func payload[T any](t *testing.T, f frame) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(f.Data, &value); err != nil {
		t.Fatalf("decoding %s payload %s: %v", f.Event, f.Data, err)
	}
	return value
}

// fakeServer is a Dialer handing out in-memory connections.
type fakeServer struct {
	t       *testing.T
	conns   chan *serverConn
	dials   atomic.Int32
	dialErr error
}

func newFakeServer(t *testing.T) *fakeServer {
	return &fakeServer{t: t, conns: make(chan *serverConn, 8)}
}

func (f *fakeServer) Dial(ctx context.Context, rawURL string, identity Identity) (Conn, error) {
	f.dials.Add(1)
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	client := &pipeConn{
		inbound:  make(chan []byte),
		outbound: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
	f.conns <- &serverConn{t: f.t, identity: identity, client: client}
	return client, nil
}

func (f *fakeServer) accept() *serverConn {
	f.t.Helper()
	return testutil.RequireReceive(f.t, f.conns, testTimeout, "waiting for dial")
}

// fakeSession is a settable Session.
type fakeSession struct {
	mu       sync.Mutex
	snapshot auth.Snapshot
	token    string
}

var bob = &auth.User{ID: "u_bob", Username: "bob", StoreID: "store_1"}

func newFakeSession() *fakeSession {
	return &fakeSession{
		snapshot: auth.Snapshot{State: auth.StateAuthenticated, User: bob, Generation: 1},
		token:    "tok_bob",
	}
}

func (s *fakeSession) Snapshot() auth.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

func (s *fakeSession) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.snapshot.Authenticated() {
		return ""
	}
	return s.token
}

func (s *fakeSession) set(snapshot auth.Snapshot, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = snapshot
	s.token = token
}

func (s *fakeSession) logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = auth.Snapshot{State: auth.StateUnauthenticated, Generation: s.snapshot.Generation + 1}
	s.token = ""
}

type harness struct {
	t       *testing.T
	manager *Manager
	server  *fakeServer
	session *fakeSession
	clock   *clock.FakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		server:  newFakeServer(t),
		session: newFakeSession(),
		clock:   clock.Fake(testEpoch),
	}
	manager, err := NewManager(ManagerConfig{
		Session: h.session,
		URL:     "ws://chat.test/ws",
		Dialer:  h.server,
		Clock:   h.clock,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	h.manager = manager
	t.Cleanup(manager.Close)
	return h
}

// connect runs the handshake, answering authenticate with rooms.
func (h *harness) connect(rooms ...Room) *serverConn {
	h.t.Helper()
	result := make(chan error, 1)
	go func() { result <- h.manager.Connect(context.Background()) }()

	server := h.server.accept()
	server.expect("authenticate")
	if rooms == nil {
		rooms = []Room{}
	}
	server.push("authenticated", map[string]any{"rooms": rooms})
	if err := testutil.RequireReceive(h.t, result, testTimeout, "waiting for Connect"); err != nil {
		h.t.Fatalf("Connect: %v", err)
	}
	return server
}

// join opens roomID, answering with the given members and history.
func (h *harness) join(server *serverConn, roomID string, members []Member, history []map[string]any) {
	h.t.Helper()
	result := make(chan error, 1)
	go func() { result <- h.manager.JoinRoom(context.Background(), roomID) }()
	request := server.expect("join_room")
	server.ack(request.ID, map[string]any{"room": map[string]any{
		"room_id":  roomID,
		"name":     roomID,
		"members":  members,
		"messages": history,
	}})
	if err := testutil.RequireReceive(h.t, result, testTimeout, "waiting for JoinRoom"); err != nil {
		h.t.Fatalf("JoinRoom(%s): %v", roomID, err)
	}
}

// waitFor reads updates until one satisfies match.
func waitFor(t *testing.T, updates <-chan Update, description string, match func(Update) bool) Update {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				t.Fatalf("updates closed while waiting for %s", description)
			}
			if match(update) {
				return update
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", description)
		}
	}
}

func wireMessage(id, roomID, userID string, at time.Time, content string) map[string]any {
	return map[string]any{
		"id":        id,
		"room_id":   roomID,
		"user_id":   userID,
		"username":  userID,
		"content":   content,
		"type":      "text",
		"timestamp": at.Format(time.RFC3339Nano),
	}
}
