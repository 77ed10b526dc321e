// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sentinelstore/console/auth"
	"github.com/sentinelstore/console/lib/clock"
	"github.com/sentinelstore/console/lib/netutil"
	"github.com/sentinelstore/console/lib/pubsub"
)

var tracer = otel.Tracer("github.com/sentinelstore/console/chat")

const (
	// DefaultConnectTimeout bounds dialing plus the authenticate
	// handshake.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultRequestTimeout bounds each acknowledged request.
	DefaultRequestTimeout = 10 * time.Second

	updateBuffer = 64
)

// Session is the view of the authenticated session the chat manager
// needs. *auth.Manager implements it.
type Session interface {
	Snapshot() auth.Snapshot
	AccessToken() string
}

// ManagerConfig holds configuration for creating a Manager.
type ManagerConfig struct {
	// Session supplies the identity and token at connect time.
	// Required.
	Session Session
	// URL is the realtime endpoint (e.g., "ws://localhost:8000/ws").
	// Required.
	URL string
	// Dialer opens connections. If nil, a WebSocketDialer with
	// defaults is used.
	Dialer Dialer
	// Clock drives every timeout and the typing expiry. If nil, the
	// real clock is used.
	Clock clock.Clock
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger

	// ConnectTimeout, RequestTimeout, and TypingExpiry default to
	// DefaultConnectTimeout, DefaultRequestTimeout, and
	// DefaultTypingExpiry when zero.
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	TypingExpiry   time.Duration
}

// connection is one attempt at a live channel, from dial to teardown.
type connection struct {
	identity          Identity
	sessionGeneration uint64

	// conn is set once dialing succeeds; guarded by Manager.mu.
	conn Conn

	writeMu sync.Mutex

	// ready receives the outcome of the authenticate handshake.
	ready chan error
	// done is closed by teardown.
	done      chan struct{}
	closeOnce sync.Once
}

func (c *connection) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Manager owns the realtime connection and the chat state. It is safe
// for concurrent use.
type Manager struct {
	session        Session
	url            string
	dialer         Dialer
	clock          clock.Clock
	logger         *slog.Logger
	connectTimeout time.Duration
	requestTimeout time.Duration
	typingExpiry   time.Duration

	pending *pendingTable
	updates *pubsub.Hub[Update]

	mu            sync.Mutex
	live          *connection
	connState     ConnectionState
	rooms         map[string]Room
	currentRoomID string
	messages      []Message
	presence      map[string]Presence
	typing        *typingTracker
	// joinSequence tags each JoinRoom; only the answer to the most
	// recently issued join may change the open room.
	joinSequence uint64
	// joiningRoomID is the target of the most recently issued join.
	joiningRoomID string
}

// NewManager creates a disconnected Manager.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Session == nil {
		return nil, fmt.Errorf("chat: Session is required")
	}
	if config.URL == "" {
		return nil, fmt.Errorf("chat: URL is required")
	}
	dialer := config.Dialer
	if dialer == nil {
		dialer = &WebSocketDialer{}
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		session:        config.Session,
		url:            config.URL,
		dialer:         dialer,
		clock:          clk,
		logger:         logger,
		connectTimeout: orDefault(config.ConnectTimeout, DefaultConnectTimeout),
		requestTimeout: orDefault(config.RequestTimeout, DefaultRequestTimeout),
		typingExpiry:   orDefault(config.TypingExpiry, DefaultTypingExpiry),
		pending:        newPendingTable(),
		updates:        pubsub.New[Update](updateBuffer),
		rooms:          make(map[string]Room),
		presence:       make(map[string]Presence),
		typing:         newTypingTracker(),
	}, nil
}

func orDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

// Snapshot returns the current chat state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// ConnectionState returns the current connection state.
func (m *Manager) ConnectionState() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connState
}

// Typists returns who is currently shown as typing in roomID.
func (m *Manager) Typists(roomID string) []Typist {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.typing.active(roomID)
}

// Subscribe returns a channel of updates, starting with one carrying
// the current snapshot. A subscriber that falls behind loses the
// oldest queued updates, never the newest. Call the returned function
// to unsubscribe.
func (m *Manager) Subscribe() (<-chan Update, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates.Subscribe(Update{Kind: UpdateConnection, Snapshot: m.snapshotLocked()})
}

// Connect opens the channel as the session's current user and waits
// until the server acknowledges authentication or the connect timeout
// passes. It requires an authenticated session. If a connection for
// the same session is already open or opening, Connect returns nil
// without opening another. A connection left over from an earlier
// session is closed and its chat state forgotten first.
func (m *Manager) Connect(ctx context.Context) error {
	session := m.session.Snapshot()
	if !session.Authenticated() {
		return fmt.Errorf("chat: connect: %w", ErrNotAuthenticated)
	}
	token := m.session.AccessToken()
	if token == "" {
		return fmt.Errorf("chat: connect: %w", ErrNotAuthenticated)
	}

	m.mu.Lock()
	if stale := m.live; stale != nil && stale.sessionGeneration != session.Generation {
		m.mu.Unlock()
		m.logger.Info("replacing chat connection opened for an earlier session",
			"user_id", stale.identity.UserID)
		m.teardown(stale, nil)
		m.Reset()
		m.mu.Lock()
	}
	if m.live != nil {
		m.mu.Unlock()
		return nil
	}
	attempt := &connection{
		identity: Identity{
			UserID:   session.User.Identifier(),
			Username: session.User.Username,
			StoreID:  session.User.StoreID,
			Token:    token,
		},
		sessionGeneration: session.Generation,
		ready:             make(chan error, 1),
		done:              make(chan struct{}),
	}
	m.live = attempt
	m.connState = Connecting
	m.publishLocked(UpdateConnection, nil, nil)
	m.mu.Unlock()

	ctx, span := tracer.Start(ctx, "chat.Connect", trace.WithAttributes(
		attribute.String("chat.user_id", attempt.identity.UserID),
	))
	defer span.End()

	err := m.handshake(ctx, attempt)
	if err != nil {
		m.teardown(attempt, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect failed")
		return err
	}
	span.SetStatus(codes.Ok, "authenticated")
	return nil
}

type dialResult struct {
	conn Conn
	err  error
}

// handshake dials and authenticates one attempt.
func (m *Manager) handshake(ctx context.Context, attempt *connection) error {
	timedOut := make(chan struct{})
	timer := m.clock.AfterFunc(m.connectTimeout, func() { close(timedOut) })
	defer timer.Stop()

	dialContext, cancelDial := context.WithCancel(ctx)
	defer cancelDial()
	dialed := make(chan dialResult, 1)
	go func() {
		conn, err := m.dialer.Dial(dialContext, m.url, attempt.identity)
		dialed <- dialResult{conn: conn, err: err}
	}()

	var conn Conn
	select {
	case result := <-dialed:
		if result.err != nil {
			return fmt.Errorf("chat: connect: %w: %w", ErrNotConnected, result.err)
		}
		conn = result.conn
	case <-timedOut:
		go closeLate(dialed)
		return fmt.Errorf("chat: connect: dialing: %w", ErrTimeout)
	case <-ctx.Done():
		go closeLate(dialed)
		return fmt.Errorf("chat: connect: %w", ctx.Err())
	case <-attempt.done:
		go closeLate(dialed)
		return fmt.Errorf("chat: connect: disconnected while dialing: %w", ErrNotConnected)
	}

	m.mu.Lock()
	if m.live != attempt {
		m.mu.Unlock()
		conn.Close()
		return fmt.Errorf("chat: connect: disconnected while dialing: %w", ErrNotConnected)
	}
	attempt.conn = conn
	m.connState = Connected
	m.publishLocked(UpdateConnection, nil, nil)
	m.mu.Unlock()

	go m.readLoop(attempt)

	data, err := encodeFrame(eventAuthenticate, "", authenticatePayload{
		UserID:   attempt.identity.UserID,
		Username: attempt.identity.Username,
		StoreID:  attempt.identity.StoreID,
	})
	if err != nil {
		return fmt.Errorf("chat: connect: %w", err)
	}
	if err := attempt.write(data); err != nil {
		return fmt.Errorf("chat: connect: sending authenticate: %w: %w", ErrNotConnected, err)
	}

	select {
	case err := <-attempt.ready:
		return err
	case <-timedOut:
		return fmt.Errorf("chat: connect: waiting for authentication: %w", ErrTimeout)
	case <-ctx.Done():
		return fmt.Errorf("chat: connect: %w", ctx.Err())
	case <-attempt.done:
		return fmt.Errorf("chat: connect: connection closed during authentication: %w", ErrNotConnected)
	}
}

// closeLate closes a connection whose dial completed after the
// attempt was abandoned.
func closeLate(dialed <-chan dialResult) {
	if result := <-dialed; result.conn != nil {
		result.conn.Close()
	}
}

// Disconnect closes the connection if one is open or opening. The
// state afterwards is Disconnected. It is idempotent. Chat state is
// kept as the last known view until Reset or the next connection.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	attempt := m.live
	m.mu.Unlock()
	if attempt != nil {
		m.teardown(attempt, nil)
	}
}

// Reset forgets all chat state: rooms, the open room, its messages,
// presence, and typing indicators.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms = make(map[string]Room)
	m.currentRoomID = ""
	m.messages = nil
	m.presence = make(map[string]Presence)
	m.typing.reset()
	m.joinSequence++
	m.publishLocked(UpdateRooms, nil, nil)
}

// Close disconnects and closes every subscriber channel.
func (m *Manager) Close() {
	m.Disconnect()
	m.updates.Close()
}

// teardown ends attempt if it is still the live connection. Pending
// requests fail with ErrNotConnected.
func (m *Manager) teardown(attempt *connection, cause error) {
	m.mu.Lock()
	if m.live != attempt {
		m.mu.Unlock()
		attempt.close()
		return
	}
	m.live = nil
	m.connState = Disconnected
	m.typing.reset()
	m.publishLocked(UpdateConnection, nil, nil)
	m.mu.Unlock()

	attempt.close()
	m.pending.failAll(fmt.Errorf("chat: connection closed: %w", ErrNotConnected))

	if cause != nil && !errors.Is(cause, ErrNotConnected) && !netutil.IsExpectedCloseError(cause) {
		m.logger.Warn("chat connection lost", "error", cause)
	} else {
		m.logger.Info("chat disconnected")
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		// Holding writeMu orders the close after any in-progress
		// write; write checks done first.
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// readLoop is the single dispatch loop for one connection.
func (m *Manager) readLoop(attempt *connection) {
	for {
		_, data, err := attempt.conn.ReadMessage()
		if err != nil {
			m.teardown(attempt, err)
			return
		}
		decoded, err := decodeEvent(data)
		if err != nil {
			m.logger.Warn("ignoring malformed chat frame", "error", err)
			continue
		}
		m.dispatch(attempt, decoded)
	}
}

func (m *Manager) dispatch(attempt *connection, decoded event) {
	if ack, ok := decoded.(ackEvent); ok {
		m.resolveAck(ack)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live != attempt {
		return
	}

	switch decoded := decoded.(type) {
	case authenticatedEvent:
		m.applyAuthenticated(attempt, decoded)
	case roomJoinedEvent:
		m.applyRoomJoined(decoded)
	case newMessageEvent:
		m.applyNewMessage(attempt, decoded.Message)
	case memberEvent:
		m.applyMember(decoded)
	case userTypingEvent:
		m.applyTyping(attempt, decoded)
	case errorEvent:
		if m.connState != Authenticated {
			select {
			case attempt.ready <- &RejectedError{Event: eventAuthenticate, Message: decoded.Message}:
			default:
			}
			return
		}
		m.logger.Warn("chat server reported an error", "message", decoded.Message)
	}
}

func (m *Manager) resolveAck(ack ackEvent) {
	eventName, ok := m.pending.eventFor(ack.ID)
	if !ok {
		m.logger.Debug("ack for unknown or expired request", "id", ack.ID)
		return
	}

	result := ackResult{data: ack.Data}
	if ack.rejected {
		result.err = &RejectedError{Event: eventName, Message: ack.Err}
	}
	m.pending.resolve(ack.ID, result)
}

// request sends one acknowledged request on attempt and waits for the
// answer.
func (m *Manager) request(ctx context.Context, attempt *connection, eventName string, payload any) (json.RawMessage, error) {
	id := uuid.NewString()
	data, err := encodeFrame(eventName, id, payload)
	if err != nil {
		return nil, err
	}

	pending := &pendingRequest{event: eventName, result: make(chan ackResult, 1)}
	m.pending.add(id, pending)
	m.pending.arm(id, m.clock.AfterFunc(m.requestTimeout, func() {
		m.pending.resolve(id, ackResult{err: fmt.Errorf("%s: no answer within %s: %w", eventName, m.requestTimeout, ErrTimeout)})
	}))

	if err := attempt.write(data); err != nil {
		m.pending.remove(id)
		go m.teardown(attempt, err)
		return nil, fmt.Errorf("sending %s: %w: %w", eventName, ErrNotConnected, err)
	}

	select {
	case result := <-pending.result:
		return result.data, result.err
	case <-ctx.Done():
		m.pending.remove(id)
		return nil, ctx.Err()
	}
}

// liveConnection returns the authenticated connection for the current
// session, or ErrNotConnected without touching the network.
func (m *Manager) liveConnection() (*connection, error) {
	session := m.session.Snapshot()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live == nil || m.connState != Authenticated {
		return nil, ErrNotConnected
	}
	if !session.Authenticated() || session.Generation != m.live.sessionGeneration {
		return nil, ErrNotConnected
	}
	return m.live, nil
}

// JoinRoom makes roomID the open room. On success the room's history
// replaces Messages, its members replace Presence, and its unread
// count resets to zero. If another JoinRoom is issued before this one
// is answered, this one returns ErrSuperseded and changes nothing. On
// any error the state is unchanged.
func (m *Manager) JoinRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("chat: join: %w", ErrNoRoom)
	}
	attempt, err := m.liveConnection()
	if err != nil {
		return fmt.Errorf("chat: join %s: %w", roomID, err)
	}

	ctx, span := tracer.Start(ctx, "chat.JoinRoom", trace.WithAttributes(attribute.String("chat.room_id", roomID)))
	defer span.End()

	m.mu.Lock()
	m.joinSequence++
	sequence := m.joinSequence
	m.joiningRoomID = roomID
	m.mu.Unlock()

	room, err := m.requestRoom(ctx, attempt, eventJoinRoom, roomRequest{RoomID: roomID})
	if err == nil && room.ID != roomID {
		err = fmt.Errorf("answer names room %q: %w", room.ID, ErrOperationRejected)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "join failed")
		return fmt.Errorf("chat: join %s: %w", roomID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live != attempt {
		return fmt.Errorf("chat: join %s: %w", roomID, ErrNotConnected)
	}
	if sequence != m.joinSequence {
		span.SetStatus(codes.Error, "superseded")
		return fmt.Errorf("chat: join %s: %w", roomID, ErrSuperseded)
	}
	m.enterRoomLocked(room)
	span.SetStatus(codes.Ok, "joined")
	return nil
}

// requestRoom sends a request whose answer is {"room": {...}}.
func (m *Manager) requestRoom(ctx context.Context, attempt *connection, eventName string, payload any) (roomPayload, error) {
	data, err := m.request(ctx, attempt, eventName, payload)
	if err != nil {
		return roomPayload{}, err
	}
	var reply roomReply
	if !hasValue(data) {
		return roomPayload{}, fmt.Errorf("%s answer carries no room: %w", eventName, ErrOperationRejected)
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		return roomPayload{}, fmt.Errorf("decoding %s answer: %w", eventName, err)
	}
	if reply.Room == nil || reply.Room.ID == "" {
		return roomPayload{}, fmt.Errorf("%s answer carries no room: %w", eventName, ErrOperationRejected)
	}
	return *reply.Room, nil
}

// enterRoomLocked opens room with its server-provided history.
func (m *Manager) enterRoomLocked(room roomPayload) {
	m.currentRoomID = room.ID
	m.messages = normalizeHistory(room.Messages)
	m.presence = presenceFrom(room.Members)

	merged := mergeRoom(m.rooms[room.ID], room.Room)
	merged.UnreadCount = 0
	if len(m.messages) > 0 {
		latest := m.messages[len(m.messages)-1]
		merged.LastMessage = newerMessage(merged.LastMessage, &latest)
	}
	m.rooms[room.ID] = merged
	m.publishLocked(UpdateRoomJoined, nil, nil)
}

// LeaveRoom leaves roomID. On success the room is removed; if it was
// open, the open room, its messages, and presence are cleared.
func (m *Manager) LeaveRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("chat: leave: %w", ErrNoRoom)
	}
	attempt, err := m.liveConnection()
	if err != nil {
		return fmt.Errorf("chat: leave %s: %w", roomID, err)
	}

	ctx, span := tracer.Start(ctx, "chat.LeaveRoom", trace.WithAttributes(attribute.String("chat.room_id", roomID)))
	defer span.End()

	if _, err := m.request(ctx, attempt, eventLeaveRoom, roomRequest{RoomID: roomID}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "leave failed")
		return fmt.Errorf("chat: leave %s: %w", roomID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, roomID)
	// An in-flight join for the room just left must not reopen it.
	if m.currentRoomID == roomID || m.joiningRoomID == roomID {
		m.joinSequence++
	}
	if m.currentRoomID == roomID {
		m.currentRoomID = ""
		m.messages = nil
		m.presence = make(map[string]Presence)
	}
	m.publishLocked(UpdateRooms, nil, nil)
	span.SetStatus(codes.Ok, "left")
	return nil
}

// SendMessage sends content to roomID, or to the open room when roomID
// is empty. The content is trimmed; empty content and a missing room
// are refused without a network call. The message is not added to
// Messages here: it arrives with the server's broadcast like everyone
// else's.
func (m *Manager) SendMessage(ctx context.Context, content, roomID string) error {
	attempt, err := m.liveConnection()
	if err != nil {
		return fmt.Errorf("chat: send: %w", err)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("chat: send: %w", ErrEmptyMessage)
	}
	if roomID == "" {
		m.mu.Lock()
		roomID = m.currentRoomID
		m.mu.Unlock()
	}
	if roomID == "" {
		return fmt.Errorf("chat: send: %w", ErrNoRoom)
	}

	ctx, span := tracer.Start(ctx, "chat.SendMessage", trace.WithAttributes(attribute.String("chat.room_id", roomID)))
	defer span.End()

	if _, err := m.request(ctx, attempt, eventSendMessage, sendMessagePayload{
		RoomID:  roomID,
		Content: content,
		Type:    "text",
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return fmt.Errorf("chat: send to %s: %w", roomID, err)
	}
	span.SetStatus(codes.Ok, "sent")
	return nil
}

// StartDirectMessage asks the server for the direct room shared with
// targetUserID and joins it. Both steps succeed or the room does not
// appear: it is added to Rooms only by the successful join.
func (m *Manager) StartDirectMessage(ctx context.Context, targetUserID string) (Room, error) {
	if targetUserID == "" {
		return Room{}, fmt.Errorf("chat: direct message: target user is required")
	}
	attempt, err := m.liveConnection()
	if err != nil {
		return Room{}, fmt.Errorf("chat: direct message: %w", err)
	}

	ctx, span := tracer.Start(ctx, "chat.StartDirectMessage", trace.WithAttributes(
		attribute.String("chat.target_user_id", targetUserID),
	))
	defer span.End()

	room, err := m.requestRoom(ctx, attempt, eventStartDirectMessage, directMessagePayload{TargetUserID: targetUserID})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start failed")
		return Room{}, fmt.Errorf("chat: direct message with %s: %w", targetUserID, err)
	}
	if err := m.JoinRoom(ctx, room.ID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "join failed")
		return Room{}, fmt.Errorf("chat: direct message with %s: %w", targetUserID, err)
	}

	span.SetStatus(codes.Ok, "joined")
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[room.ID].clone(), nil
}

// Typing signals that the user is typing in roomID. It is fire and
// forget: no acknowledgement, no retry. Callers rate-limit it, for
// example with TypingThrottle.
func (m *Manager) Typing(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("chat: typing: %w", ErrNoRoom)
	}
	attempt, err := m.liveConnection()
	if err != nil {
		return fmt.Errorf("chat: typing: %w", err)
	}
	data, err := encodeFrame(eventTyping, "", roomRequest{RoomID: roomID})
	if err != nil {
		return fmt.Errorf("chat: typing: %w", err)
	}
	if err := attempt.write(data); err != nil {
		go m.teardown(attempt, err)
		return fmt.Errorf("chat: typing: %w: %w", ErrNotConnected, err)
	}
	return nil
}

func (m *Manager) applyAuthenticated(attempt *connection, decoded authenticatedEvent) {
	if m.connState == Authenticated {
		// A repeated acknowledgement refreshes the room list.
		m.replaceRoomsLocked(decoded.Rooms)
		m.publishLocked(UpdateRooms, nil, nil)
		return
	}

	m.replaceRoomsLocked(decoded.Rooms)
	m.connState = Authenticated
	m.publishLocked(UpdateConnection, nil, nil)
	m.logger.Info("chat connected", "user_id", attempt.identity.UserID, "rooms", len(m.rooms))

	select {
	case attempt.ready <- nil:
	default:
	}
}

func (m *Manager) replaceRoomsLocked(rooms []Room) {
	m.rooms = make(map[string]Room, len(rooms))
	for _, room := range rooms {
		if room.ID == "" {
			continue
		}
		room.Members = dedupeMembers(room.Members)
		m.rooms[room.ID] = room
	}
	if _, ok := m.rooms[m.currentRoomID]; !ok && m.currentRoomID != "" {
		m.currentRoomID = ""
		m.messages = nil
		m.presence = make(map[string]Presence)
	}
}

// applyRoomJoined upserts a pushed room. It never changes which room
// is open; for the open room it refreshes history and presence.
func (m *Manager) applyRoomJoined(decoded roomJoinedEvent) {
	room := decoded.Room
	existing, known := m.rooms[room.ID]
	merged := mergeRoom(existing, room.Room)
	if !known {
		merged.UnreadCount = room.UnreadCount
	}

	if room.ID == m.currentRoomID {
		if room.Messages != nil {
			m.messages = normalizeHistory(room.Messages)
		}
		if room.Members != nil {
			m.presence = presenceFrom(room.Members)
		}
		merged.UnreadCount = 0
		if len(m.messages) > 0 {
			latest := m.messages[len(m.messages)-1]
			merged.LastMessage = newerMessage(merged.LastMessage, &latest)
		}
	}
	m.rooms[room.ID] = merged
	m.publishLocked(UpdateRooms, nil, nil)
}

func (m *Manager) applyNewMessage(attempt *connection, message Message) {
	if message.RoomID == "" {
		m.logger.Warn("ignoring message without room_id", "id", message.ID)
		return
	}

	if room, ok := m.rooms[message.RoomID]; ok {
		room.LastMessage = newerMessage(room.LastMessage, &message)
		if message.RoomID != m.currentRoomID && message.UserID != attempt.identity.UserID {
			room.UnreadCount++
		}
		m.rooms[message.RoomID] = room
	}

	if message.RoomID == m.currentRoomID {
		var added bool
		m.messages, added = insertMessage(m.messages, message)
		if !added {
			return
		}
	}
	m.publishLocked(UpdateMessage, &message, nil)
}

// applyMember updates presence for the open room only; other rooms'
// member lists are refreshed when they are next joined.
func (m *Manager) applyMember(decoded memberEvent) {
	if decoded.RoomID == "" || decoded.RoomID != m.currentRoomID || decoded.UserID == "" {
		return
	}

	entry := m.presence[decoded.UserID]
	if decoded.Username != "" {
		entry.Username = decoded.Username
	}
	entry.Online = decoded.joined
	if decoded.joined {
		entry.LastSeen = time.Time{}
	} else {
		entry.LastSeen = m.clock.Now()
	}
	presence := maps.Clone(m.presence)
	presence[decoded.UserID] = entry
	m.presence = presence

	if room, ok := m.rooms[decoded.RoomID]; ok {
		room.Members = upsertMember(room.Members, Member{
			UserID:   decoded.UserID,
			Username: entry.Username,
			Online:   decoded.joined,
		})
		m.rooms[decoded.RoomID] = room
	}
	m.publishLocked(UpdatePresence, nil, nil)
}

func (m *Manager) applyTyping(attempt *connection, decoded userTypingEvent) {
	if decoded.RoomID == "" || decoded.UserID == attempt.identity.UserID {
		return
	}
	indicator, epoch := m.typing.observe(decoded.RoomID, Typist{UserID: decoded.UserID, Username: decoded.Username})
	roomID := decoded.RoomID
	timer := m.clock.AfterFunc(m.typingExpiry, func() { m.expireTyping(roomID, epoch) })
	m.typing.arm(roomID, epoch, timer)
	m.publishLocked(UpdateTyping, nil, &indicator)
}

func (m *Manager) expireTyping(roomID string, epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.typing.expire(roomID, epoch) {
		return
	}
	m.publishLocked(UpdateTyping, nil, &TypingIndicator{RoomID: roomID})
}

func (m *Manager) snapshotLocked() Snapshot {
	rooms := make(map[string]Room, len(m.rooms))
	for id, room := range m.rooms {
		rooms[id] = room.clone()
	}
	return Snapshot{
		Connection:    m.connState,
		Rooms:         rooms,
		CurrentRoomID: m.currentRoomID,
		Messages:      slices.Clone(m.messages),
		Presence:      maps.Clone(m.presence),
	}
}

func (m *Manager) publishLocked(kind UpdateKind, message *Message, typing *TypingIndicator) {
	m.updates.Publish(Update{
		Kind:     kind,
		Snapshot: m.snapshotLocked(),
		Message:  message,
		Typing:   typing,
	})
}
