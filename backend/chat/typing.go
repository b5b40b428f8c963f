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

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

func typingPath(conversationID, userID string) string {
	return "conversations/" + conversationID + "/participants/" + userID + "/isTyping"
}

// TypingPresence owns the local user's isTyping flag per conversation.
// Every SetTyping(true) writes the flag and restarts a single expiry timer;
// expiry or SetTyping(false) writes false.
type TypingPresence struct {
	s      *Session
	timers map[string]*typingTimer // guarded by the session mutex
	logger *zap.Logger
}

type typingTimer struct {
	timer *clock.Timer
}

func newTypingPresence(s *Session) *TypingPresence {
	return &TypingPresence{
		s:      s,
		timers: make(map[string]*typingTimer),
		logger: s.logger.Named("typing"),
	}
}

func (t *TypingPresence) SetTyping(ctx context.Context, conversationID string, typing bool) error {
	if conversationID == "" {
		return fmt.Errorf("%w: empty conversation id", ErrInvalidArgument)
	}

	t.s.mu.Lock()
	if t.s.closed {
		t.s.mu.Unlock()
		return ErrSessionClosed
	}
	if _, err := t.s.memberLocked(conversationID); err != nil {
		t.s.mu.Unlock()
		return err
	}
	if prev, ok := t.timers[conversationID]; ok {
		prev.timer.Stop()
		delete(t.timers, conversationID)
	}
	if typing {
		entry := &typingTimer{}
		entry.timer = t.s.clock.AfterFunc(t.s.opts.TypingTimeout, func() {
			t.expire(conversationID, entry)
		})
		t.timers[conversationID] = entry
	}
	t.s.mu.Unlock()

	return t.write(ctx, conversationID, typing)
}

// expire resets the flag unless entry was replaced or cancelled since it
// was scheduled.
func (t *TypingPresence) expire(conversationID string, entry *typingTimer) {
	t.s.mu.Lock()
	if t.s.closed || t.timers[conversationID] != entry {
		t.s.mu.Unlock()
		return
	}
	delete(t.timers, conversationID)
	t.s.mu.Unlock()

	if err := t.write(t.s.ctx, conversationID, false); err != nil {
		t.logger.Warn("failed to clear typing flag",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// IsTyping reports whether a local typing timer is pending for conversationID.
func (t *TypingPresence) IsTyping(conversationID string) bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	_, ok := t.timers[conversationID]
	return ok
}

func (t *TypingPresence) write(ctx context.Context, conversationID string, typing bool) error {
	if err := t.s.store.Write(ctx, typingPath(conversationID, t.s.userID), typing); err != nil {
		return fmt.Errorf("failed to write typing flag for %s: %w", conversationID, err)
	}
	t.logger.Debug("typing flag written",
		zap.String("conversation_id", conversationID), zap.Bool("is_typing", typing))
	return nil
}

// stop cancels every pending timer and returns the conversations whose flag
// is still true upstream. Callers hold the session mutex.
func (t *TypingPresence) stop() []string {
	pending := make([]string, 0, len(t.timers))
	for id, entry := range t.timers {
		entry.timer.Stop()
		pending = append(pending, id)
	}
	t.timers = make(map[string]*typingTimer)
	return pending
}
