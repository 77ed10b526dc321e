// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sentinelstore/console/auth"
	"github.com/sentinelstore/console/chat"
)

// lockedBuffer is an io.Writer safe to read while the session prints.
type lockedBuffer struct {
	mu     sync.Mutex
	buffer bytes.Buffer
}

func (b *lockedBuffer) Write(data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.Write(data)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.String()
}

type signedInSession struct{}

func (signedInSession) Snapshot() auth.Snapshot {
	return auth.Snapshot{
		State:      auth.StateAuthenticated,
		User:       &auth.User{ID: "u_ana", Username: "ana", StoreID: "store_1"},
		Generation: 1,
	}
}

func (signedInSession) AccessToken() string { return "tok_ana" }

func TestChatViewPrintsMessagesFromSkippedUpdates(t *testing.T) {
	var out bytes.Buffer
	session := &chatSession{out: &out, location: time.UTC}
	view := newChatView(session)

	at := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	message := func(id, content string, minute int) chat.Message {
		return chat.Message{ID: id, RoomID: "r1", Username: "amy", Content: content, Timestamp: at.Add(time.Duration(minute) * time.Minute)}
	}
	one, two, three := message("m1", "one", 0), message("m2", "two", 1), message("m3", "three", 2)

	view.render(chat.Update{Kind: chat.UpdateRoomJoined, Snapshot: chat.Snapshot{
		Connection:    chat.Authenticated,
		Rooms:         map[string]chat.Room{"r1": {ID: "r1", Name: "General"}, "r2": {ID: "r2", Name: "Stock"}},
		CurrentRoomID: "r1",
		Messages:      []chat.Message{one},
	}})
	// The updates announcing m2, m3, and the unread message in r2 were
	// skipped; only a later one arrives.
	view.render(chat.Update{Kind: chat.UpdateRooms, Snapshot: chat.Snapshot{
		Connection:    chat.Authenticated,
		Rooms:         map[string]chat.Room{"r1": {ID: "r1", Name: "General"}, "r2": {ID: "r2", Name: "Stock", UnreadCount: 2}},
		CurrentRoomID: "r1",
		Messages:      []chat.Message{one, two, three},
	}})

	got := out.String()
	for _, want := range []string{
		"* authenticated",
		"* now in #General",
		"[14:01] amy: two",
		"[14:02] amy: three",
		"* new message in #Stock (2 unread)",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output lacks %q:\n%s", want, got)
		}
	}
	if count := strings.Count(got, "amy: one"); count != 1 {
		t.Errorf("m1 printed %d times, want once:\n%s", count, got)
	}
	if strings.Index(got, "amy: two") > strings.Index(got, "amy: three") {
		t.Errorf("messages out of order:\n%s", got)
	}
}

func TestChatViewReportsConnectionChanges(t *testing.T) {
	var out bytes.Buffer
	view := newChatView(&chatSession{out: &out, location: time.UTC})

	if view.render(chat.Update{Kind: chat.UpdateConnection, Snapshot: chat.Snapshot{Connection: chat.Disconnected}}) {
		t.Errorf("initial disconnected snapshot reported as a change")
	}
	if !view.render(chat.Update{Kind: chat.UpdateRooms, Snapshot: chat.Snapshot{Connection: chat.Authenticated}}) {
		t.Errorf("connection change carried by a rooms update was missed")
	}
	if view.connection != chat.Authenticated {
		t.Errorf("connection = %v", view.connection)
	}
}

func TestChatReconnectsAfterDrop(t *testing.T) {
	var accepted atomic.Int32
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		connection := accepted.Add(1)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if !strings.Contains(string(data), `"authenticate"`) {
				continue
			}
			reply := map[string]any{"event": "authenticated", "data": map[string]any{"rooms": []chat.Room{}}}
			if err := conn.WriteJSON(reply); err != nil {
				return
			}
			if connection == 1 {
				// Drop the first connection right after authenticating.
				return
			}
		}
	}))
	defer server.Close()

	manager, err := chat.NewManager(chat.ManagerConfig{
		Session: signedInSession{},
		URL:     "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
		Dialer:  &chat.WebSocketDialer{WriteTimeout: time.Second},
		Logger:  slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer manager.Close()

	out := &lockedBuffer{}
	session := newChatSession(manager, out)
	session.reconnectInterval = 10 * time.Millisecond

	updates, unsubscribe := manager.Subscribe()
	defer unsubscribe()
	ctx, cancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	defer func() {
		cancel()
		workers.Wait()
	}()
	workers.Add(2)
	go func() {
		defer workers.Done()
		session.printUpdates(ctx, updates, "")
	}()
	go func() {
		defer workers.Done()
		session.keepConnected(ctx)
	}()

	if err := manager.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for accepted.Load() < 2 || manager.ConnectionState() != chat.Authenticated {
		if time.Now().After(deadline) {
			t.Fatalf("no reconnect: connections = %d, state = %v\n%s",
				accepted.Load(), manager.ConnectionState(), out.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if count := strings.Count(out.String(), "* disconnected"); count < 1 {
		t.Errorf("drop not shown:\n%s", out.String())
	}
}
