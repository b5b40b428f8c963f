// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package chat

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/efchatnet/efsync/backend/storage"
)

func userIndexPath(userID string) string { return "conversationsByUser/" + userID }

// ConversationIndex follows conversationsByUser/{me} and tracks every
// conversation id it sees. One subscription per session.
type ConversationIndex struct {
	s       *Session
	started bool
	sub     storage.Subscription
	logger  *zap.Logger
}

func newConversationIndex(s *Session) *ConversationIndex {
	return &ConversationIndex{s: s, logger: s.logger.Named("index")}
}

// Start opens the index subscription. Later calls do nothing.
func (i *ConversationIndex) Start(ctx context.Context) error {
	i.s.mu.Lock()
	if i.s.closed {
		i.s.mu.Unlock()
		return ErrSessionClosed
	}
	if i.started {
		i.s.mu.Unlock()
		return nil
	}
	i.started = true
	i.s.mu.Unlock()

	sub, err := i.s.store.SubscribeChildAdded(ctx, userIndexPath(i.s.userID), i.onConversation)
	if err != nil {
		i.s.mu.Lock()
		i.started = false
		i.s.mu.Unlock()
		return fmt.Errorf("failed to subscribe to conversations of %s: %w", i.s.userID, err)
	}

	i.s.mu.Lock()
	if i.s.closed {
		i.s.mu.Unlock()
		return sub.Close()
	}
	i.sub = sub
	i.s.mu.Unlock()
	return nil
}

func (i *ConversationIndex) onConversation(conversationID string, err error) {
	if err != nil {
		i.logger.Warn("index delivery failed", zap.String("user_id", i.s.userID), zap.Error(err))
		return
	}
	if err := i.s.cache.Track(i.s.ctx, conversationID); err != nil && !errors.Is(err, ErrSessionClosed) {
		i.logger.Warn("failed to track conversation",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// stop hands back the index subscription. Callers hold the session mutex.
func (i *ConversationIndex) stop() storage.Subscription {
	sub := i.sub
	i.sub = nil
	return sub
}
