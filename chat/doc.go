// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

// Package chat is the client side of the console's realtime chat: one
// persistent connection per authenticated session, the user's rooms,
// the open room's message history, and presence for the open room.
//
// [Manager] owns the connection and all chat state. Room operations
// (join, leave, send, start a direct message) are requests that carry
// a correlation id and wait for the server's acknowledgement; nothing
// is changed locally until the server answers. Messages, including
// the sender's own, appear only when the server broadcasts them, so
// every participant renders the same server-timestamp order.
//
// Inbound frames are decoded into a closed set of event types and
// applied by a single read loop per connection. Consumers observe the
// result through [Manager.Subscribe], which delivers typed [Update]
// values carrying an immutable [Snapshot].
//
// The manager does not reconnect on its own. [Manager.Follow] ties it
// to the session: it connects whenever the session is authenticated
// and the connection is down, and disconnects and resets when the
// session ends or changes identity.
//
// The transport is abstracted behind [Dialer] and [Conn].
// [WebSocketDialer] is the production implementation over
// gorilla/websocket; tests substitute in-memory connections.
package chat
