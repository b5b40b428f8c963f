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
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/efchatnet/efsync/backend/models"
	"github.com/efchatnet/efsync/backend/storage"
)

// Session is everything one logged-in user can see. It is created by
// Client.Login and is useless after Client.Logout.
type Session struct {
	userID   string
	store    storage.RealtimeStore
	users    storage.UserDirectory
	notifier *Notifier
	opts     Options
	clock    clock.Clock
	logger   *zap.Logger

	// ctx bounds work started by store pushes; cancelled on close
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool

	index    *ConversationIndex
	cache    *ConversationCache
	messages *MessageLog
	typing   *TypingPresence
	resolver *Resolver
	open     *OpenSet
}

func newSession(userID string, store storage.RealtimeStore, users storage.UserDirectory, notifier *Notifier, opts Options) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		userID:   userID,
		store:    store,
		users:    users,
		notifier: notifier,
		opts:     opts,
		clock:    opts.Clock,
		logger:   opts.Logger.With(zap.String("user_id", userID)),
		ctx:      ctx,
		cancel:   cancel,
		open:     NewOpenSet(),
	}
	s.index = newConversationIndex(s)
	s.cache = newConversationCache(s)
	s.messages = newMessageLog(s)
	s.typing = newTypingPresence(s)
	s.resolver = newResolver(s)
	return s
}

func (s *Session) UserID() string { return s.userID }

// Closed reports whether the session has been logged out.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// isFresh reports whether msg is someone else's and inside the freshness
// window. Callers hold the session mutex.
func (s *Session) isFresh(msg *models.Message) bool {
	if msg.SentBy == s.userID {
		return false
	}
	cutoff := s.clock.Now().Add(-s.opts.FreshnessWindow)
	return !msg.Time().Before(cutoff)
}

// ============================================================================
// Cache
// ============================================================================

func (s *Session) Track(ctx context.Context, conversationID string) error {
	return s.cache.Track(ctx, conversationID)
}

func (s *Session) Untrack(conversationID string) error {
	return s.cache.Untrack(conversationID)
}

// Conversation returns a copy of the cached conversation. The second result
// is false for untracked or absent conversations and for conversations the
// current user is not part of.
func (s *Session) Conversation(conversationID string) (*models.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.memberLocked(conversationID)
	if err != nil {
		return nil, false
	}
	return conv.Clone(), true
}

// Conversations lists every cached conversation, most recent activity first.
// Conversations without messages sort last.
func (s *Session) Conversations() []*models.Conversation {
	s.mu.Lock()
	present := s.cache.present()
	out := make([]*models.Conversation, 0, len(present))
	for _, conv := range present {
		if conv.HasParticipant(s.userID) {
			out = append(out, conv.Clone())
		}
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastMessage, out[j].LastMessage
		switch {
		case a == nil && b == nil:
			return false
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.CreatedAt > b.CreatedAt
	})
	return out
}

// Messages returns the known messages of a conversation oldest first. It
// is empty until the conversation's snapshot shows the current user as a
// participant.
func (s *Session) Messages(conversationID string) []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.memberLocked(conversationID); err != nil {
		return []*models.Message{}
	}
	return s.messages.sorted(conversationID)
}

// CheckParticipant returns ErrUnknownConversation when conversationID is not
// cached and ErrNotParticipant when the current user is not in it.
func (s *Session) CheckParticipant(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.memberLocked(conversationID)
	return err
}

// memberLocked returns the cached conversation if the current user takes
// part in it. Callers hold the session mutex.
func (s *Session) memberLocked(conversationID string) (*models.Conversation, error) {
	conv := s.cache.get(conversationID)
	if conv == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}
	if !conv.HasParticipant(s.userID) {
		return nil, fmt.Errorf("%w: %s", ErrNotParticipant, conversationID)
	}
	return conv, nil
}

// MessageCount is the size of the conversation's message index.
func (s *Session) MessageCount(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.memberLocked(conversationID)
	if err != nil {
		return 0
	}
	return conv.MessageCount()
}

// IsUnread reports whether the latest message has not been read by the
// current user.
func (s *Session) IsUnread(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.memberLocked(conversationID)
	if err != nil || conv.LastMessage == nil {
		return false
	}
	return !conv.LastMessage.ReadBy(s.userID)
}

// ============================================================================
// Open conversations
// ============================================================================

// Open shows a conversation, tracks it and marks it read. A conversation
// whose snapshot does not list the current user is refused with
// ErrNotParticipant and, if Open started tracking it, untracked again.
func (s *Session) Open(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("%w: empty conversation id", ErrInvalidArgument)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	wasTracked := s.cache.tracks(conversationID)
	s.mu.Unlock()

	if err := s.cache.Track(ctx, conversationID); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if _, err := s.memberLocked(conversationID); errors.Is(err, ErrNotParticipant) {
		s.open.Close(conversationID)
		s.mu.Unlock()
		if !wasTracked {
			if uerr := s.cache.Untrack(conversationID); uerr != nil {
				s.logger.Warn("failed to untrack refused conversation",
					zap.String("conversation_id", conversationID), zap.Error(uerr))
			}
		}
		return err
	}
	s.open.Open(conversationID)
	s.mu.Unlock()

	return s.MarkRead(ctx, conversationID)
}

// Close hides a conversation. It stays tracked.
func (s *Session) Close(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open.Close(conversationID)
}

// OpenConversations returns the open ids in tab order.
func (s *Session) OpenConversations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open.IDs()
}

// MarkRead adds the current user to the latest message's read set. Nothing
// is written when there is no message or it is already read.
func (s *Session) MarkRead(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	conv, err := s.memberLocked(conversationID)
	if err != nil || conv.LastMessage == nil || conv.LastMessage.ReadBy(s.userID) {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	path := conversationPath(conversationID) + "/lastMessage/usersWhoveRead/" + s.userID
	if err := s.store.Write(ctx, path, true); err != nil {
		return fmt.Errorf("failed to mark %s read: %w", conversationID, err)
	}
	return nil
}

// ============================================================================
// Resolution and membership
// ============================================================================

// Resolve finds or creates the conversation between the current user and
// participantIDs.
func (s *Session) Resolve(ctx context.Context, participantIDs ...string) (string, error) {
	return s.resolver.Resolve(ctx, participantIDs, true)
}

// ResolveSet is Resolve with control over whether the current user is
// added to the set.
func (s *Session) ResolveSet(ctx context.Context, participantIDs []string, includeSelf bool) (string, error) {
	return s.resolver.Resolve(ctx, participantIDs, includeSelf)
}

// AddParticipant closes conversationID and resolves the conversation made
// of its other participants plus userID. The old conversation is not
// modified.
func (s *Session) AddParticipant(ctx context.Context, userID, conversationID string) (string, error) {
	if userID == "" || conversationID == "" {
		return "", fmt.Errorf("%w: user and conversation are required", ErrInvalidArgument)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSessionClosed
	}
	conv, err := s.memberLocked(conversationID)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	others := make([]string, 0, len(conv.Participants)+1)
	for _, uid := range conv.ParticipantIDs() {
		if uid != s.userID {
			others = append(others, uid)
		}
	}
	s.open.Close(conversationID)
	s.mu.Unlock()

	return s.resolver.Resolve(ctx, append(others, userID), true)
}

// ============================================================================
// Sending
// ============================================================================

// SendMessage writes the message body, the conversation's lastMessage and
// finally the index entry that subscribers see.
func (s *Session) SendMessage(ctx context.Context, conversationID, body string) (*models.Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: empty conversation id", ErrInvalidArgument)
	}
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("%w: empty message body", ErrInvalidArgument)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	_, err := s.memberLocked(conversationID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	id, err := s.store.PushGenerateID(ctx, "messages")
	if err != nil {
		return nil, fmt.Errorf("failed to allocate message id: %w", err)
	}
	msg := &models.Message{
		Body:      body,
		SentBy:    s.userID,
		CreatedAt: s.clock.Now().UnixMilli(),
	}
	if err := s.store.Write(ctx, messagePath(id), msg); err != nil {
		return nil, fmt.Errorf("failed to write message: %w", err)
	}

	last := msg.Clone()
	last.UsersWhoveRead = map[string]bool{s.userID: true}
	if err := s.store.Update(ctx, conversationPath(conversationID), map[string]interface{}{"lastMessage": last}); err != nil {
		return nil, fmt.Errorf("failed to update last message: %w", err)
	}
	if err := s.store.Write(ctx, messageIndexPath(conversationID)+"/"+id, true); err != nil {
		return nil, fmt.Errorf("failed to index message: %w", err)
	}

	msg.ID = id
	s.logger.Debug("message sent", zap.String("conversation_id", conversationID), zap.String("message_id", id))
	return msg, nil
}

// ============================================================================
// Typing
// ============================================================================

func (s *Session) SetTyping(ctx context.Context, conversationID string, typing bool) error {
	return s.typing.SetTyping(ctx, conversationID, typing)
}

// TypingUsers returns the display names of other participants whose typing
// flag is set, sorted by user id.
func (s *Session) TypingUsers(ctx context.Context, conversationID string) ([]string, error) {
	s.mu.Lock()
	conv, err := s.memberLocked(conversationID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	var typing []string
	for _, uid := range conv.ParticipantIDs() {
		if uid != s.userID && conv.Participants[uid].IsTyping {
			typing = append(typing, uid)
		}
	}
	s.mu.Unlock()

	users, err := s.lookupUsers(ctx, typing)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.DisplayName)
	}
	return names, nil
}

// ============================================================================
// Profiles
// ============================================================================

// UsersInConversation returns the profiles of the other participants.
func (s *Session) UsersInConversation(ctx context.Context, conversationID string) ([]models.User, error) {
	s.mu.Lock()
	conv, err := s.memberLocked(conversationID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	var others []string
	for _, uid := range conv.ParticipantIDs() {
		if uid != s.userID {
			others = append(others, uid)
		}
	}
	s.mu.Unlock()

	return s.lookupUsers(ctx, others)
}

// Title joins the other participants' display names.
func (s *Session) Title(ctx context.Context, conversationID string) (string, error) {
	users, err := s.UsersInConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.DisplayName)
	}
	return strings.Join(names, ", "), nil
}

// lookupUsers resolves profiles in order. Unknown users fall back to their id.
func (s *Session) lookupUsers(ctx context.Context, ids []string) ([]models.User, error) {
	users := make([]models.User, 0, len(ids))
	for _, uid := range ids {
		if s.users == nil {
			users = append(users, models.User{ID: uid, DisplayName: uid})
			continue
		}
		u, err := s.users.GetUser(ctx, uid)
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Debug("unknown participant", zap.String("participant_id", uid))
			users = append(users, models.User{ID: uid, DisplayName: uid})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to look up %s: %w", uid, err)
		}
		users = append(users, *u)
	}
	return users, nil
}

// ============================================================================
// Teardown
// ============================================================================

// close stops timers, clears the typing flags this session set, closes every
// subscription and empties all cached state.
func (s *Session) close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pendingTyping := s.typing.stop()
	subs := s.cache.reset()
	if sub := s.index.stop(); sub != nil {
		subs = append(subs, sub)
	}
	s.messages.reset()
	s.open.CloseAll()
	s.mu.Unlock()

	var err error
	for _, id := range pendingTyping {
		if werr := s.typing.write(ctx, id, false); werr != nil {
			s.logger.Warn("failed to clear typing flag on logout",
				zap.String("conversation_id", id), zap.Error(werr))
		}
	}
	for _, sub := range subs {
		err = multierr.Append(err, sub.Close())
	}
	s.cancel()

	s.logger.Info("session closed", zap.Int("subscriptions", len(subs)))
	return err
}
