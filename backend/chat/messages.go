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
	"sort"

	"go.uber.org/zap"

	"github.com/efchatnet/efsync/backend/models"
	"github.com/efchatnet/efsync/backend/storage"
)

func messagePath(id string) string { return "messages/" + id }

// MessageLog holds the messages of every tracked conversation keyed by
// message id. Guarded by the session mutex.
type MessageLog struct {
	s              *Session
	byConversation map[string]map[string]*models.Message
	logger         *zap.Logger
}

func newMessageLog(s *Session) *MessageLog {
	return &MessageLog{
		s:              s,
		byConversation: make(map[string]map[string]*models.Message),
		logger:         s.logger.Named("messages"),
	}
}

// onAppend fetches a newly indexed message once and stores it. Fresh
// messages from other users go to the notifier.
func (l *MessageLog) onAppend(entry *trackedConversation, messageID string, err error) {
	log := l.logger.With(zap.String("conversation_id", entry.id), zap.String("message_id", messageID))
	if err != nil {
		log.Warn("message index delivery failed", zap.Error(err))
		return
	}

	l.s.mu.Lock()
	if !l.s.cache.isCurrent(entry) || l.has(entry.id, messageID) {
		l.s.mu.Unlock()
		return
	}
	l.s.mu.Unlock()

	snap, err := l.s.store.ReadOnce(l.s.ctx, messagePath(messageID))
	if err != nil {
		log.Warn("failed to fetch message", zap.Error(err))
		return
	}
	if !snap.Exists() {
		log.Debug("indexed message has no body")
		return
	}
	msg, err := models.DecodeMessage(messageID, snap.Raw)
	if err != nil {
		log.Warn("rejected message", zap.Error(err))
		return
	}

	l.s.mu.Lock()
	if !l.s.cache.isCurrent(entry) {
		// untracked or logged out while the fetch was in flight
		l.s.mu.Unlock()
		log.Debug("dropping late message")
		return
	}
	added := l.insert(entry.id, msg)
	// conv is still nil if the index beat the first snapshot
	outsider := entry.conv != nil && !entry.conv.HasParticipant(l.s.userID)
	fresh := added && !outsider && l.s.isFresh(msg)
	l.s.mu.Unlock()

	if fresh {
		l.s.notifier.Dispatch(msg, entry.id)
	}
}

func (l *MessageLog) has(conversationID, messageID string) bool {
	_, ok := l.byConversation[conversationID][messageID]
	return ok
}

// insert stores msg and reports whether its id was new.
func (l *MessageLog) insert(conversationID string, msg *models.Message) bool {
	msgs, ok := l.byConversation[conversationID]
	if !ok {
		msgs = make(map[string]*models.Message)
		l.byConversation[conversationID] = msgs
	}
	_, existed := msgs[msg.ID]
	msgs[msg.ID] = msg
	return !existed
}

// sorted returns copies ordered by CreatedAt, then id.
func (l *MessageLog) sorted(conversationID string) []*models.Message {
	msgs := l.byConversation[conversationID]
	out := make([]*models.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (l *MessageLog) drop(conversationID string) {
	delete(l.byConversation, conversationID)
}

func (l *MessageLog) reset() {
	l.byConversation = make(map[string]map[string]*models.Message)
}

// appendFunc adapts onAppend to a storage.ChildFunc for entry.
func (l *MessageLog) appendFunc(entry *trackedConversation) storage.ChildFunc {
	return func(key string, err error) { l.onAppend(entry, key, err) }
}
