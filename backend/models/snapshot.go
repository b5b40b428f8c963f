// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedSnapshot is returned when a conversation payload cannot be
// accepted as a whole-value replacement.
var ErrMalformedSnapshot = errors.New("malformed conversation snapshot")

// ConversationSnapshot is one delivery of the value at conversations/{id}.
// Present is false when the node does not exist (deleted upstream or not yet
// written); Conversation is nil in that case.
type ConversationSnapshot struct {
	ID           string
	Present      bool
	Conversation *Conversation
}

// DecodeConversationSnapshot validates a raw payload. A null or empty payload
// is an absent snapshot, not an error.
func DecodeConversationSnapshot(id string, raw json.RawMessage) (ConversationSnapshot, error) {
	snap := ConversationSnapshot{ID: id}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return snap, nil
	}

	var conv Conversation
	if err := json.Unmarshal(trimmed, &conv); err != nil {
		return snap, fmt.Errorf("%w: %s: %v", ErrMalformedSnapshot, id, err)
	}
	if len(conv.Participants) == 0 {
		return snap, fmt.Errorf("%w: %s: no participants", ErrMalformedSnapshot, id)
	}
	if conv.Type == "" {
		conv.Type = ConversationTypeDM
	}
	conv.ID = id

	snap.Present = true
	snap.Conversation = &conv
	return snap, nil
}

// DecodeMessage decodes the value at messages/{id}. It returns (nil, nil) for
// a missing message.
func DecodeMessage(id string, raw json.RawMessage) (*Message, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", id, err)
	}
	msg.ID = id
	return &msg, nil
}
