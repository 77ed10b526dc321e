// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one open realtime connection. ReadMessage is called from a
// single goroutine; the Manager serializes WriteMessage calls. Close
// may be called concurrently with both and must unblock ReadMessage.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, rawURL string, identity Identity) (Conn, error)
}

// Identity is what a connection is opened as. It is captured once per
// connection attempt and never changes for the life of that
// connection.
type Identity struct {
	UserID   string
	Username string
	StoreID  string
	Token    string
}

const (
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 512 << 10
)

// WebSocketDialer dials the realtime endpoint over WebSocket. The
// access token travels in the Authorization header; the user, name,
// and store ride as the userId, username, and storeId query
// parameters.
type WebSocketDialer struct {
	// Dialer is the underlying dialer. If nil, websocket.DefaultDialer
	// is used.
	Dialer *websocket.Dialer
	// WriteTimeout bounds each frame write. Default: 10s.
	WriteTimeout time.Duration
	// ReadLimit caps inbound frame size in bytes. Default: 512 KiB.
	ReadLimit int64
}

func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string, identity Identity) (Conn, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("chat: invalid realtime URL %q: %w", rawURL, err)
	}
	query := target.Query()
	query.Set("userId", identity.UserID)
	query.Set("username", identity.Username)
	query.Set("storeId", identity.StoreID)
	target.RawQuery = query.Encode()

	header := http.Header{}
	if identity.Token != "" {
		header.Set("Authorization", "Bearer "+identity.Token)
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, response, err := dialer.DialContext(ctx, target.String(), header)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("chat: dialing %s: %s: %w", target.Redacted(), response.Status, err)
		}
		return nil, fmt.Errorf("chat: dialing %s: %w", target.Redacted(), err)
	}

	readLimit := d.ReadLimit
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	conn.SetReadLimit(readLimit)

	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &webSocketConn{conn: conn, writeTimeout: writeTimeout}, nil
}

type webSocketConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (c *webSocketConn) ReadMessage() (int, []byte, error) {
	return c.conn.ReadMessage()
}

func (c *webSocketConn) WriteMessage(messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(messageType, data)
}

// Close sends a normal-closure frame, best effort, and closes the
// socket.
func (c *webSocketConn) Close() error {
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	return c.conn.Close()
}
