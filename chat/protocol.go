// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Event names on the wire.
const (
	// Client to server.
	eventAuthenticate       = "authenticate"
	eventJoinRoom           = "join_room"
	eventLeaveRoom          = "leave_room"
	eventSendMessage        = "send_message"
	eventStartDirectMessage = "start_direct_message"
	eventTyping             = "typing"

	// Server to client.
	eventAuthenticated = "authenticated"
	eventRoomJoined    = "room_joined"
	eventNewMessage    = "new_message"
	eventUserJoined    = "user_joined"
	eventUserLeft      = "user_left"
	eventUserTyping    = "user_typing"
	eventAck           = "ack"
	eventError         = "error"
)

// frame is the JSON text frame exchanged in both directions. Requests
// that expect an acknowledgement carry an ID; the server answers with
// an "ack" frame echoing it and carrying either Data or Error.
type frame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error json.RawMessage `json:"error,omitempty"`
}

func encodeFrame(event, id string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", event, err)
		}
		data = encoded
	}
	return json.Marshal(frame{Event: event, ID: id, Data: data})
}

// Outbound payloads.

type authenticatePayload struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	StoreID  string `json:"store_id"`
}

type roomRequest struct {
	RoomID string `json:"room_id"`
}

type sendMessagePayload struct {
	RoomID  string `json:"room_id"`
	Content string `json:"content"`
	Type    string `json:"type"`
}

type directMessagePayload struct {
	TargetUserID string `json:"target_user_id"`
}

// roomPayload is a room as the server sends it on join: the room
// itself plus the history and member list.
type roomPayload struct {
	Room
	Messages []Message `json:"messages,omitempty"`
}

type roomReply struct {
	Room *roomPayload `json:"room"`
}

// event is one decoded server frame. The set of implementations is
// closed; dispatch switches on the concrete type.
type event interface {
	name() string
}

type authenticatedEvent struct {
	Rooms []Room `json:"rooms"`
}

type roomJoinedEvent struct {
	Room roomPayload `json:"room"`
}

type newMessageEvent struct {
	Message Message
}

type memberEvent struct {
	joined   bool
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type userTypingEvent struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type ackEvent struct {
	ID   string
	Data json.RawMessage
	// Err is the server's rejection message; empty on success.
	Err      string
	rejected bool
}

type errorEvent struct {
	Message string
}

func (authenticatedEvent) name() string { return eventAuthenticated }
func (roomJoinedEvent) name() string    { return eventRoomJoined }
func (newMessageEvent) name() string    { return eventNewMessage }
func (e memberEvent) name() string {
	if e.joined {
		return eventUserJoined
	}
	return eventUserLeft
}
func (userTypingEvent) name() string { return eventUserTyping }
func (ackEvent) name() string        { return eventAck }
func (errorEvent) name() string      { return eventError }

// decodeEvent parses one inbound frame.
func decodeEvent(data []byte) (event, error) {
	var envelope frame
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}

	switch envelope.Event {
	case eventAuthenticated:
		var decoded authenticatedEvent
		if err := decodeData(envelope, &decoded); err != nil {
			return nil, err
		}
		return decoded, nil

	case eventRoomJoined:
		var decoded roomJoinedEvent
		if err := decodeData(envelope, &decoded); err != nil {
			return nil, err
		}
		if decoded.Room.ID == "" {
			return nil, fmt.Errorf("%s frame carries no room_id", envelope.Event)
		}
		return decoded, nil

	case eventNewMessage:
		message, err := decodeMessage(envelope.Data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envelope.Event, err)
		}
		return newMessageEvent{Message: message}, nil

	case eventUserJoined, eventUserLeft:
		decoded := memberEvent{joined: envelope.Event == eventUserJoined}
		if err := decodeData(envelope, &decoded); err != nil {
			return nil, err
		}
		return decoded, nil

	case eventUserTyping:
		var decoded userTypingEvent
		if err := decodeData(envelope, &decoded); err != nil {
			return nil, err
		}
		return decoded, nil

	case eventAck:
		if envelope.ID == "" {
			return nil, fmt.Errorf("ack frame carries no id")
		}
		ack := ackEvent{ID: envelope.ID, Data: envelope.Data}
		if hasValue(envelope.Error) {
			ack.rejected = true
			ack.Err = errorText(envelope.Error)
		}
		return ack, nil

	case eventError:
		return errorEvent{Message: errorText(envelope.Error)}, nil

	case "":
		return nil, fmt.Errorf("frame carries no event name")
	default:
		return nil, fmt.Errorf("unknown event %q", envelope.Event)
	}
}

func decodeData(envelope frame, target any) error {
	if !hasValue(envelope.Data) {
		return fmt.Errorf("%s frame carries no data", envelope.Event)
	}
	if err := json.Unmarshal(envelope.Data, target); err != nil {
		return fmt.Errorf("decoding %s: %w", envelope.Event, err)
	}
	return nil
}

// decodeMessage accepts both {"message": {...}} and a bare message.
func decodeMessage(data json.RawMessage) (Message, error) {
	if !hasValue(data) {
		return Message{}, fmt.Errorf("no message data")
	}
	var wrapped struct {
		Message *Message `json:"message"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return Message{}, err
	}
	if wrapped.Message != nil {
		return *wrapped.Message, nil
	}
	var message Message
	if err := json.Unmarshal(data, &message); err != nil {
		return Message{}, err
	}
	return message, nil
}

func hasValue(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// errorText extracts a human-readable message from an error payload,
// which servers send either as a bare string or as an object with a
// message or detail field.
func errorText(raw json.RawMessage) string {
	if !hasValue(raw) {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var object struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &object); err == nil {
		switch {
		case object.Message != "":
			return object.Message
		case object.Detail != "":
			return object.Detail
		case object.Error != "":
			return object.Error
		}
	}
	return string(raw)
}
