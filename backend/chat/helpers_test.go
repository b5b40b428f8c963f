// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package chat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/efchatnet/efsync/backend/models"
	"github.com/efchatnet/efsync/backend/storage"
	"github.com/efchatnet/efsync/backend/storage/memory"
)

var testEpoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	t     *testing.T
	store *recordingStore
	users *memory.UserDirectory
	clock *clock.Mock
	logs  *observer.ObservedLogs
	opts  Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(testEpoch)
	core, logs := observer.New(zap.DebugLevel)

	h := &harness{
		t:     t,
		store: &recordingStore{RealtimeStore: memory.NewRealtimeStore(nil)},
		users: memory.NewUserDirectory(
			models.User{ID: "u1", DisplayName: "Alice"},
			models.User{ID: "u2", DisplayName: "Bob"},
			models.User{ID: "u3", DisplayName: "Carol"},
		),
		clock: mock,
		logs:  logs,
	}
	h.opts = Options{Clock: mock, Logger: zap.New(core)}
	return h
}

func (h *harness) client() *Client {
	return NewClient(h.store, h.users, h.opts)
}

func (h *harness) login(userID string) (*Client, *Session) {
	h.t.Helper()
	c := h.client()
	s, err := c.Login(context.Background(), userID)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = c.Logout(context.Background()) })
	return c, s
}

// seedConversation writes a conversation and its index entries the way
// another client would have.
func (h *harness) seedConversation(id string, participants ...string) {
	h.t.Helper()
	ctx := context.Background()
	conv := models.Conversation{Type: models.ConversationTypeDM, Participants: map[string]models.ParticipantState{}}
	for _, uid := range participants {
		conv.Participants[uid] = models.ParticipantState{}
	}
	require.NoError(h.t, h.store.Write(ctx, conversationPath(id), conv))
	for _, uid := range participants {
		require.NoError(h.t, h.store.Write(ctx, userIndexPath(uid)+"/"+id, true))
	}
}

// seedMessage writes a message body then its index entry.
func (h *harness) seedMessage(conversationID, messageID, sentBy, body string, createdAt time.Time) {
	h.t.Helper()
	ctx := context.Background()
	msg := models.Message{Body: body, SentBy: sentBy, CreatedAt: createdAt.UnixMilli()}
	require.NoError(h.t, h.store.Write(ctx, messagePath(messageID), msg))
	require.NoError(h.t, h.store.Write(ctx, messageIndexPath(conversationID)+"/"+messageID, true))
}

func (h *harness) read(path string) json.RawMessage {
	h.t.Helper()
	snap, err := h.store.ReadOnce(context.Background(), path)
	require.NoError(h.t, err)
	return snap.Raw
}

type write struct {
	Path  string
	Value interface{}
}

// recordingStore remembers every Write so tests can count them.
type recordingStore struct {
	*memory.RealtimeStore

	mu     sync.Mutex
	writes []write
}

func (r *recordingStore) Write(ctx context.Context, path string, value interface{}) error {
	r.mu.Lock()
	r.writes = append(r.writes, write{Path: path, Value: value})
	r.mu.Unlock()
	return r.RealtimeStore.Write(ctx, path, value)
}

func (r *recordingStore) writesTo(path string) []write {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []write
	for _, w := range r.writes {
		if w.Path == path {
			out = append(out, w)
		}
	}
	return out
}

func (r *recordingStore) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.writes)
}

var _ storage.RealtimeStore = (*recordingStore)(nil)

// blockingStore holds message fetches until release is closed.
type blockingStore struct {
	*recordingStore

	block   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) ReadOnce(ctx context.Context, path string) (storage.Snapshot, error) {
	if b.block.Load() && strings.HasPrefix(path, "messages/") {
		select {
		case b.entered <- struct{}{}:
		default:
		}
		<-b.release
	}
	return b.recordingStore.ReadOnce(ctx, path)
}

// incoming collects notifier deliveries.
type incoming struct {
	mu   sync.Mutex
	msgs []*models.Message
	ids  []string
}

func (i *incoming) handler(msg *models.Message, conversationID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, msg)
	i.ids = append(i.ids, conversationID)
	return nil
}

func (i *incoming) count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.msgs)
}

type heldValue struct {
	fn   storage.ValueFunc
	snap storage.Snapshot
	err  error
}

// faultyStore keeps every subscription callback so tests can push delivery
// errors through them, and can hold back value deliveries for a path.
type faultyStore struct {
	*recordingStore

	mu       sync.Mutex
	values   map[string][]storage.ValueFunc
	children map[string][]storage.ChildFunc
	held     map[string]bool
	pending  map[string][]heldValue
}

func newFaultyStore(r *recordingStore) *faultyStore {
	return &faultyStore{
		recordingStore: r,
		values:         make(map[string][]storage.ValueFunc),
		children:       make(map[string][]storage.ChildFunc),
		held:           make(map[string]bool),
		pending:        make(map[string][]heldValue),
	}
}

func (f *faultyStore) SubscribeValue(ctx context.Context, path string, fn storage.ValueFunc) (storage.Subscription, error) {
	f.mu.Lock()
	f.values[path] = append(f.values[path], fn)
	f.mu.Unlock()
	return f.recordingStore.SubscribeValue(ctx, path, func(snap storage.Snapshot, err error) {
		f.mu.Lock()
		if f.held[path] {
			f.pending[path] = append(f.pending[path], heldValue{fn: fn, snap: snap, err: err})
			f.mu.Unlock()
			return
		}
		f.mu.Unlock()
		fn(snap, err)
	})
}

func (f *faultyStore) SubscribeChildAdded(ctx context.Context, path string, fn storage.ChildFunc) (storage.Subscription, error) {
	f.mu.Lock()
	f.children[path] = append(f.children[path], fn)
	f.mu.Unlock()
	return f.recordingStore.SubscribeChildAdded(ctx, path, fn)
}

// failValue delivers err to every value subscriber of path.
func (f *faultyStore) failValue(path string, err error) {
	f.mu.Lock()
	fns := append([]storage.ValueFunc(nil), f.values[path]...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(storage.Snapshot{Path: path}, err)
	}
}

// failChild delivers err to every child-added subscriber of path.
func (f *faultyStore) failChild(path string, err error) {
	f.mu.Lock()
	fns := append([]storage.ChildFunc(nil), f.children[path]...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn("", err)
	}
}

func (f *faultyStore) hold(path string) {
	f.mu.Lock()
	f.held[path] = true
	f.mu.Unlock()
}

// release stops holding path and delivers what was held back, in order.
func (f *faultyStore) release(path string) {
	f.mu.Lock()
	delete(f.held, path)
	pending := f.pending[path]
	delete(f.pending, path)
	f.mu.Unlock()
	for _, v := range pending {
		v.fn(v.snap, v.err)
	}
}

// loginWith logs userID in through a client backed by store.
func (h *harness) loginWith(store storage.RealtimeStore, userID string, handler Handler) *Session {
	h.t.Helper()
	c := NewClient(store, h.users, h.opts)
	if handler != nil {
		c.OnIncomingMessage(handler)
	}
	s, err := c.Login(context.Background(), userID)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = c.Logout(context.Background()) })
	return s
}
