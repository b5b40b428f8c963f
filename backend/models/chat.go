// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package models

import (
	"sort"
	"time"
)

// ConversationTypeDM is the only conversation type created by this module.
const ConversationTypeDM = "dm"

// User is a profile owned by the identity provider. Read-only to the sync engine.
type User struct {
	ID          string `json:"id" db:"user_id"`
	DisplayName string `json:"displayName" db:"display_name"`
	IconURL     string `json:"iconUrl,omitempty" db:"icon_url"`
}

// ParticipantState is the ephemeral per-user state inside a conversation
type ParticipantState struct {
	IsTyping bool `json:"isTyping"`
}

// Message is a single chat message. CreatedAt is unix milliseconds as
// written by the sender.
type Message struct {
	ID             string          `json:"id,omitempty"`
	Body           string          `json:"body"`
	SentBy         string          `json:"sentBy"`
	CreatedAt      int64           `json:"createdAt"`
	UsersWhoveRead map[string]bool `json:"usersWhoveRead,omitempty"`
}

// Time returns CreatedAt as a time.Time.
func (m *Message) Time() time.Time {
	return time.UnixMilli(m.CreatedAt)
}

// ReadBy reports whether userID is in the read receipt set.
func (m *Message) ReadBy(userID string) bool {
	return m != nil && m.UsersWhoveRead[userID]
}

// Clone returns a deep copy so callers never share the read set with the cache.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.UsersWhoveRead != nil {
		cp.UsersWhoveRead = make(map[string]bool, len(m.UsersWhoveRead))
		for uid, v := range m.UsersWhoveRead {
			cp.UsersWhoveRead[uid] = v
		}
	}
	return &cp
}

// Before orders messages by CreatedAt, breaking ties on ID.
func (m *Message) Before(other *Message) bool {
	if m.CreatedAt != other.CreatedAt {
		return m.CreatedAt < other.CreatedAt
	}
	return m.ID < other.ID
}

// Conversation is the full value stored at conversations/{id}.
type Conversation struct {
	ID           string                      `json:"-"`
	Type         string                      `json:"type"`
	Participants map[string]ParticipantState `json:"participants"`
	LastMessage  *Message                    `json:"lastMessage,omitempty"`

	// MessageIDs mirrors the append-only index at conversations/{id}/messages.
	MessageIDs map[string]bool `json:"messages,omitempty"`
}

// ParticipantIDs returns the participant ids in sorted order.
func (c *Conversation) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.Participants))
	for uid := range c.Participants {
		ids = append(ids, uid)
	}
	sort.Strings(ids)
	return ids
}

// HasParticipant reports whether userID belongs to the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	_, ok := c.Participants[userID]
	return ok
}

// MessageCount is the number of entries in the message index.
func (c *Conversation) MessageCount() int {
	if c == nil {
		return 0
	}
	return len(c.MessageIDs)
}

// Clone returns a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Participants = make(map[string]ParticipantState, len(c.Participants))
	for uid, st := range c.Participants {
		cp.Participants[uid] = st
	}
	if c.MessageIDs != nil {
		cp.MessageIDs = make(map[string]bool, len(c.MessageIDs))
		for id, v := range c.MessageIDs {
			cp.MessageIDs[id] = v
		}
	}
	cp.LastMessage = c.LastMessage.Clone()
	return &cp
}
