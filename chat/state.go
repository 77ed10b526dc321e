// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import "slices"

// insertMessage places message in timestamp order. Equal timestamps
// keep arrival order. A message whose ID is already present is
// dropped and added is false.
func insertMessage(messages []Message, message Message) (result []Message, added bool) {
	if message.ID != "" && slices.ContainsFunc(messages, func(existing Message) bool {
		return existing.ID == message.ID
	}) {
		return messages, false
	}
	index := len(messages)
	for index > 0 && messages[index-1].Timestamp.After(message.Timestamp) {
		index--
	}
	return slices.Insert(messages, index, message), true
}

// normalizeHistory orders a server-provided history and drops
// duplicate IDs.
func normalizeHistory(history []Message) []Message {
	messages := make([]Message, 0, len(history))
	for _, message := range history {
		messages, _ = insertMessage(messages, message)
	}
	return messages
}

func presenceFrom(members []Member) map[string]Presence {
	presence := make(map[string]Presence, len(members))
	for _, member := range members {
		if member.UserID == "" {
			continue
		}
		presence[member.UserID] = Presence{Username: member.Username, Online: member.Online}
	}
	return presence
}

// dedupeMembers keeps the first entry per UserID.
func dedupeMembers(members []Member) []Member {
	if members == nil {
		return nil
	}
	seen := make(map[string]bool, len(members))
	result := make([]Member, 0, len(members))
	for _, member := range members {
		if seen[member.UserID] {
			continue
		}
		seen[member.UserID] = true
		result = append(result, member)
	}
	return result
}

func upsertMember(members []Member, member Member) []Member {
	result := slices.Clone(members)
	for i := range result {
		if result[i].UserID == member.UserID {
			if member.Username == "" {
				member.Username = result[i].Username
			}
			result[i] = member
			return result
		}
	}
	return append(result, member)
}

// mergeRoom overlays a room sent by the server on what is already
// known about it. The unread count is local state and is kept.
func mergeRoom(existing, incoming Room) Room {
	merged := incoming
	if merged.Name == "" {
		merged.Name = existing.Name
	}
	merged.IsDirect = incoming.IsDirect || existing.IsDirect
	if incoming.Members != nil {
		merged.Members = dedupeMembers(incoming.Members)
	} else {
		merged.Members = slices.Clone(existing.Members)
	}
	merged.LastMessage = newerMessage(existing.LastMessage, incoming.LastMessage)
	merged.UnreadCount = existing.UnreadCount
	return merged
}

// newerMessage returns whichever of current and candidate is later,
// as a private copy.
func newerMessage(current, candidate *Message) *Message {
	if candidate == nil {
		return current
	}
	if current != nil && candidate.Timestamp.Before(current.Timestamp) {
		return current
	}
	copied := *candidate
	return &copied
}
