// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected: the operation needs a live, authenticated
	// connection and there is none. No network call was made.
	ErrNotConnected = errors.New("not connected")
	// ErrOperationRejected: the server answered with an error.
	ErrOperationRejected = errors.New("operation rejected")
	// ErrTimeout: no answer arrived in time.
	ErrTimeout = errors.New("timed out")
	// ErrNotAuthenticated: Connect was called without an
	// authenticated session.
	ErrNotAuthenticated = errors.New("session not authenticated")
	// ErrEmptyMessage: the content was empty after trimming.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNoRoom: no target room was given and none is open.
	ErrNoRoom = errors.New("no target room")
	// ErrSuperseded: a later JoinRoom was issued before this one was
	// answered, so this answer was discarded.
	ErrSuperseded = errors.New("superseded by a later join")
)

// RejectedError is a server rejection of one request. It unwraps to
// ErrOperationRejected:
//
//	var rejected *chat.RejectedError
//	if errors.As(err, &rejected) { fmt.Println(rejected.Message) }
type RejectedError struct {
	// Event is the request that was rejected (e.g., "join_room").
	Event string
	// Message is the server's reason.
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chat: %s rejected", e.Event)
	}
	return fmt.Sprintf("chat: %s rejected: %s", e.Event, e.Message)
}

func (e *RejectedError) Unwrap() error { return ErrOperationRejected }
