// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"
)

// Message is one chat message. Messages are immutable once received.
type Message struct {
	ID       string         `json:"id"`
	RoomID   string         `json:"room_id"`
	UserID   string         `json:"user_id"`
	Username string         `json:"username"`
	Content  string         `json:"content"`
	Type     string         `json:"type"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// Timestamp is assigned by the server and defines render order.
	Timestamp time.Time `json:"timestamp"`
}

// UnmarshalJSON accepts RFC 3339 timestamps, zone-less ISO 8601
// timestamps (taken as UTC), and Unix epoch numbers in seconds or
// milliseconds.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var aux struct {
		plain
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	timestamp, err := parseTimestamp(aux.Timestamp)
	if err != nil {
		return fmt.Errorf("message %q: %w", aux.ID, err)
	}
	*m = Message(aux.plain)
	m.Timestamp = timestamp
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}

	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return time.Time{}, err
		}
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, text); err == nil {
				return parsed.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", text)
	}

	number, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized timestamp %s", raw)
	}
	if number > 1e12 {
		return time.UnixMilli(int64(number)).UTC(), nil
	}
	seconds := int64(number)
	nanos := int64((number - float64(seconds)) * 1e9)
	return time.Unix(seconds, nanos).UTC(), nil
}

// Member is one participant of a room.
type Member struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

// Room is one conversation the user belongs to.
type Room struct {
	ID       string `json:"room_id"`
	Name     string `json:"name"`
	IsDirect bool   `json:"is_direct"`

	// Members has set semantics on UserID and keeps insertion order.
	Members []Member `json:"members,omitempty"`

	LastMessage *Message `json:"last_message,omitempty"`
	UnreadCount int      `json:"unread_count"`
}

func (r Room) clone() Room {
	r.Members = slices.Clone(r.Members)
	return r
}

// Presence is the last known status of one member of the open room.
type Presence struct {
	Username string
	Online   bool
	// LastSeen is when the member was last observed going offline;
	// zero while online or when never observed.
	LastSeen time.Time
}

// ConnectionState is the lifecycle position of the realtime channel.
//
//	Disconnected -> Connecting -> Connected -> Authenticated -> Disconnected
//
// Connected means the transport is open but the server has not yet
// acknowledged authentication; room operations are refused until
// Authenticated.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Authenticated
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Authenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// Snapshot is an immutable copy of the chat state. Maps and slices in
// a Snapshot are never modified after publication.
type Snapshot struct {
	Connection    ConnectionState
	Rooms         map[string]Room
	CurrentRoomID string
	// Messages belong to CurrentRoomID only, in server timestamp
	// order.
	Messages []Message
	// Presence covers members of CurrentRoomID only.
	Presence map[string]Presence
}

// CurrentRoom returns the open room, if any.
func (s Snapshot) CurrentRoom() (Room, bool) {
	if s.CurrentRoomID == "" {
		return Room{}, false
	}
	room, ok := s.Rooms[s.CurrentRoomID]
	return room, ok
}

// SortedRooms returns the rooms ordered by most recent message first.
// Rooms without messages follow, ordered by name.
func (s Snapshot) SortedRooms() []Room {
	rooms := slices.Collect(maps.Values(s.Rooms))
	slices.SortFunc(rooms, func(a, b Room) int {
		switch {
		case a.LastMessage != nil && b.LastMessage != nil:
			if order := b.LastMessage.Timestamp.Compare(a.LastMessage.Timestamp); order != 0 {
				return order
			}
		case a.LastMessage != nil:
			return -1
		case b.LastMessage != nil:
			return 1
		}
		if a.Name != b.Name {
			if a.Name < b.Name {
				return -1
			}
			return 1
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return rooms
}

// UpdateKind says what changed in an Update.
type UpdateKind int

const (
	// UpdateConnection: the connection state changed.
	UpdateConnection UpdateKind = iota
	// UpdateRooms: the room list or a room's metadata changed.
	UpdateRooms
	// UpdateRoomJoined: the open room changed and Messages and
	// Presence were replaced.
	UpdateRoomJoined
	// UpdateMessage: a message arrived; Update.Message is set.
	UpdateMessage
	// UpdatePresence: a member of the open room came or went.
	UpdatePresence
	// UpdateTyping: the typing indicator for a room changed;
	// Update.Typing is set.
	UpdateTyping
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateConnection:
		return "connection"
	case UpdateRooms:
		return "rooms"
	case UpdateRoomJoined:
		return "room_joined"
	case UpdateMessage:
		return "message"
	case UpdatePresence:
		return "presence"
	case UpdateTyping:
		return "typing"
	default:
		return fmt.Sprintf("UpdateKind(%d)", int(k))
	}
}

// Update is one published change.
type Update struct {
	Kind     UpdateKind
	Snapshot Snapshot
	Message  *Message
	Typing   *TypingIndicator
}

// Typist is one user shown as typing.
type Typist struct {
	UserID   string
	Username string
}

// TypingIndicator is the transient typing state of one room. An empty
// Typists list means the indicator has expired.
type TypingIndicator struct {
	RoomID  string
	Typists []Typist
}
