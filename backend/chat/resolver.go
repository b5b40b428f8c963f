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

	"go.uber.org/zap"

	"github.com/efchatnet/efsync/backend/models"
)

// Resolver maps an exact participant set to a conversation, creating one
// when none exists. A superset or subset never matches, so a membership
// change always lands in a different conversation.
type Resolver struct {
	s *Session
	// sem serialises resolution so one set cannot be created twice
	sem    chan struct{}
	logger *zap.Logger
}

func newResolver(s *Session) *Resolver {
	return &Resolver{
		s:      s,
		sem:    make(chan struct{}, 1),
		logger: s.logger.Named("resolver"),
	}
}

// Resolve returns the conversation whose participants are exactly
// participantIDs plus the current user when includeSelf is set. The
// conversation is tracked and opened.
func (r *Resolver) Resolve(ctx context.Context, participantIDs []string, includeSelf bool) (string, error) {
	set, err := r.participantSet(participantIDs, includeSelf)
	if err != nil {
		return "", err
	}

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	r.s.mu.Lock()
	if r.s.closed {
		r.s.mu.Unlock()
		return "", ErrSessionClosed
	}
	existing, found := r.find(set)
	r.s.mu.Unlock()

	if found {
		r.logger.Debug("resolved existing conversation", zap.String("conversation_id", existing))
		return existing, r.open(ctx, existing, set)
	}

	return r.create(ctx, set)
}

func (r *Resolver) participantSet(ids []string, includeSelf bool) (map[string]struct{}, error) {
	set := make(map[string]struct{}, len(ids)+1)
	for _, id := range ids {
		if id == "" {
			return nil, fmt.Errorf("%w: empty participant id", ErrInvalidArgument)
		}
		set[id] = struct{}{}
	}
	if includeSelf {
		set[r.s.userID] = struct{}{}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("%w: no participants", ErrInvalidArgument)
	}
	return set, nil
}

// find scans the cache for an exact participant match. Callers hold the
// session mutex.
func (r *Resolver) find(set map[string]struct{}) (string, bool) {
	for _, conv := range r.s.cache.present() {
		if len(conv.Participants) != len(set) {
			continue
		}
		match := true
		for uid := range conv.Participants {
			if _, ok := set[uid]; !ok {
				match = false
				break
			}
		}
		if match {
			return conv.ID, true
		}
	}
	return "", false
}

func (r *Resolver) create(ctx context.Context, set map[string]struct{}) (string, error) {
	id, err := r.s.store.PushGenerateID(ctx, "conversations")
	if err != nil {
		return "", fmt.Errorf("failed to allocate conversation id: %w", err)
	}

	uids := make([]string, 0, len(set))
	conv := &models.Conversation{
		ID:           id,
		Type:         models.ConversationTypeDM,
		Participants: make(map[string]models.ParticipantState, len(set)),
	}
	for uid := range set {
		uids = append(uids, uid)
		conv.Participants[uid] = models.ParticipantState{IsTyping: false}
	}
	sort.Strings(uids)

	if err := r.s.store.Write(ctx, conversationPath(id), conv); err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}
	for _, uid := range uids {
		if err := r.s.store.Write(ctx, userIndexPath(uid)+"/"+id, true); err != nil {
			return "", fmt.Errorf("failed to index conversation %s for %s: %w", id, uid, err)
		}
	}
	r.logger.Info("conversation created",
		zap.String("conversation_id", id), zap.Strings("participants", uids))

	if err := r.s.cache.Track(ctx, id); err != nil {
		return "", err
	}
	r.s.cache.provide(conv)
	return id, r.open(ctx, id, set)
}

// open shows the conversation when the current user belongs to it. A set
// resolved without the current user is only tracked.
func (r *Resolver) open(ctx context.Context, id string, set map[string]struct{}) error {
	if _, ok := set[r.s.userID]; !ok {
		return nil
	}
	return r.s.Open(ctx, id)
}
