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

package chat

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/efchatnet/efsync/backend/models"
	"github.com/efchatnet/efsync/backend/storage"
)

func conversationPath(id string) string { return "conversations/" + id }
func messageIndexPath(id string) string { return "conversations/" + id + "/messages" }

// ConversationCache holds the latest snapshot of every tracked conversation.
// All fields are guarded by the session mutex.
type ConversationCache struct {
	s       *Session
	tracked map[string]*trackedConversation
	logger  *zap.Logger
}

type trackedConversation struct {
	id string
	// conv is nil while the conversation is absent upstream or not yet seen
	conv *models.Conversation
	subs []storage.Subscription
}

func newConversationCache(s *Session) *ConversationCache {
	return &ConversationCache{
		s:       s,
		tracked: make(map[string]*trackedConversation),
		logger:  s.logger.Named("cache"),
	}
}

// Track starts following a conversation. Tracking an id twice is a no-op.
// The first call subscribes to the conversation value and to its message
// index.
func (c *ConversationCache) Track(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty conversation id", ErrInvalidArgument)
	}

	c.s.mu.Lock()
	if c.s.closed {
		c.s.mu.Unlock()
		return ErrSessionClosed
	}
	if _, ok := c.tracked[id]; ok {
		c.s.mu.Unlock()
		return nil
	}
	entry := &trackedConversation{id: id}
	c.tracked[id] = entry
	c.s.mu.Unlock()

	valueSub, err := c.s.store.SubscribeValue(ctx, conversationPath(id), func(snap storage.Snapshot, err error) {
		c.onSnapshot(entry, snap, err)
	})
	if err != nil {
		c.forget(entry)
		return fmt.Errorf("failed to subscribe to conversation %s: %w", id, err)
	}
	appendSub, err := c.s.store.SubscribeChildAdded(ctx, messageIndexPath(id), c.s.messages.appendFunc(entry))
	if err != nil {
		c.forget(entry)
		_ = valueSub.Close()
		return fmt.Errorf("failed to subscribe to messages of %s: %w", id, err)
	}

	c.s.mu.Lock()
	if c.s.closed || c.tracked[id] != entry {
		// torn down while subscribing
		c.s.mu.Unlock()
		return multierr.Combine(valueSub.Close(), appendSub.Close())
	}
	entry.subs = []storage.Subscription{valueSub, appendSub}
	c.s.mu.Unlock()

	c.logger.Debug("tracking conversation", zap.String("conversation_id", id))
	return nil
}

// Untrack stops following id and drops its snapshot and messages.
func (c *ConversationCache) Untrack(id string) error {
	c.s.mu.Lock()
	entry, ok := c.tracked[id]
	if !ok {
		c.s.mu.Unlock()
		return nil
	}
	delete(c.tracked, id)
	c.s.messages.drop(id)
	subs := entry.subs
	c.s.mu.Unlock()

	var err error
	for _, sub := range subs {
		err = multierr.Append(err, sub.Close())
	}
	return err
}

func (c *ConversationCache) forget(entry *trackedConversation) {
	c.s.mu.Lock()
	if c.tracked[entry.id] == entry {
		delete(c.tracked, entry.id)
	}
	c.s.mu.Unlock()
}

// isCurrent reports whether entry is still the live record for its id.
// Callers hold the session mutex.
func (c *ConversationCache) isCurrent(entry *trackedConversation) bool {
	return !c.s.closed && c.tracked[entry.id] == entry
}

// onSnapshot replaces the cached value wholesale. A growing message index on
// an already cached conversation opens it.
func (c *ConversationCache) onSnapshot(entry *trackedConversation, snap storage.Snapshot, err error) {
	log := c.logger.With(zap.String("conversation_id", entry.id))
	if err != nil {
		log.Warn("snapshot delivery failed, keeping last known state", zap.Error(err))
		return
	}
	decoded, err := models.DecodeConversationSnapshot(entry.id, snap.Raw)
	if err != nil {
		log.Warn("rejected snapshot, keeping last known state", zap.Error(err))
		return
	}

	c.s.mu.Lock()
	if !c.isCurrent(entry) {
		c.s.mu.Unlock()
		return
	}
	prev := entry.conv
	grew := prev != nil && decoded.Present && decoded.Conversation.MessageCount() > prev.MessageCount()
	entry.conv = decoded.Conversation
	member := decoded.Present && decoded.Conversation.HasParticipant(c.s.userID)
	if decoded.Present && !member {
		c.s.open.Close(entry.id)
	}
	c.s.mu.Unlock()

	if !decoded.Present {
		log.Debug("conversation absent")
		return
	}
	if !member {
		log.Debug("not a participant")
		return
	}
	if grew {
		if err := c.s.Open(c.s.ctx, entry.id); err != nil {
			log.Warn("failed to open conversation with new messages", zap.Error(err))
		}
	}
}

// provide fills in a conversation this session just created, until the
// first snapshot arrives.
func (c *ConversationCache) provide(conv *models.Conversation) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if entry, ok := c.tracked[conv.ID]; ok && entry.conv == nil {
		entry.conv = conv.Clone()
	}
}

// tracks reports whether id is tracked. Callers hold the session mutex.
func (c *ConversationCache) tracks(id string) bool {
	_, ok := c.tracked[id]
	return ok
}

// get returns the cached value without copying. Callers hold the session mutex.
func (c *ConversationCache) get(id string) *models.Conversation {
	if entry, ok := c.tracked[id]; ok {
		return entry.conv
	}
	return nil
}

// present returns every cached conversation, sorted by id. Callers hold the
// session mutex.
func (c *ConversationCache) present() []*models.Conversation {
	out := make([]*models.Conversation, 0, len(c.tracked))
	for _, entry := range c.tracked {
		if entry.conv != nil {
			out = append(out, entry.conv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// reset empties the cache and hands back the subscriptions to close.
// Callers hold the session mutex.
func (c *ConversationCache) reset() []storage.Subscription {
	var subs []storage.Subscription
	for _, entry := range c.tracked {
		subs = append(subs, entry.subs...)
	}
	c.tracked = make(map[string]*trackedConversation)
	return subs
}
