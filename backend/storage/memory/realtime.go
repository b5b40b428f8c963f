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

// Package memory is an in-process RealtimeStore. Deliveries run on the
// goroutine that caused them, after the store lock is released, so handlers
// may call back into the store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/efchatnet/efsync/backend/storage"
	"github.com/efchatnet/efsync/backend/storage/tree"
)

type valueSub struct {
	id     uint64
	segs   []string
	last   tree.Node
	fn     storage.ValueFunc
	closed atomic.Bool
}

type childSub struct {
	id     uint64
	segs   []string
	seen   map[string]bool
	fn     storage.ChildFunc
	closed atomic.Bool
}

// delivery is one queued callback invocation.
type delivery struct {
	closed *atomic.Bool
	run    func()
}

type RealtimeStore struct {
	mu       sync.Mutex
	root     tree.Node
	nextID   uint64
	values   map[uint64]*valueSub
	children map[uint64]*childSub
	closed   bool

	// queue and draining implement in-order delivery without holding mu
	queue    []delivery
	draining bool

	logger *zap.Logger
}

func NewRealtimeStore(logger *zap.Logger) *RealtimeStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealtimeStore{
		values:   make(map[uint64]*valueSub),
		children: make(map[uint64]*childSub),
		logger:   logger.Named("memory"),
	}
}

type subscription struct {
	once  sync.Once
	close func()
}

func (s *subscription) Close() error {
	s.once.Do(s.close)
	return nil
}

// SubscribeChildAdded replays existing children in key order, then reports
// each child added afterwards.
func (s *RealtimeStore) SubscribeChildAdded(ctx context.Context, path string, fn storage.ChildFunc) (storage.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	segs := tree.Split(path)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, storage.ErrClosed
	}
	s.nextID++
	sub := &childSub{id: s.nextID, segs: segs, seen: make(map[string]bool), fn: fn}
	s.children[sub.id] = sub
	for _, key := range tree.Children(tree.Get(s.root, segs)) {
		sub.seen[key] = true
		s.enqueueChild(sub, key)
	}
	s.mu.Unlock()

	s.drain()
	return &subscription{close: func() {
		sub.closed.Store(true)
		s.mu.Lock()
		delete(s.children, sub.id)
		s.mu.Unlock()
	}}, nil
}

// SubscribeValue delivers the current value immediately, then every change.
func (s *RealtimeStore) SubscribeValue(ctx context.Context, path string, fn storage.ValueFunc) (storage.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	segs := tree.Split(path)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, storage.ErrClosed
	}
	s.nextID++
	sub := &valueSub{id: s.nextID, segs: segs, fn: fn}
	sub.last = tree.Get(s.root, segs)
	s.values[sub.id] = sub
	s.enqueueValue(sub, sub.last)
	s.mu.Unlock()

	s.drain()
	return &subscription{close: func() {
		sub.closed.Store(true)
		s.mu.Lock()
		delete(s.values, sub.id)
		s.mu.Unlock()
	}}, nil
}

func (s *RealtimeStore) Write(ctx context.Context, path string, value interface{}) error {
	return s.Update(ctx, path, map[string]interface{}{"": value})
}

// Update applies every relative path in partial in one step. An empty key
// addresses path itself.
func (s *RealtimeStore) Update(ctx context.Context, path string, partial map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	base := tree.Split(path)
	if len(base) == 0 {
		return fmt.Errorf("%w: %q", storage.ErrUnsupportedPath, path)
	}

	type change struct {
		segs []string
		node tree.Node
	}
	changes := make([]change, 0, len(partial))
	for rel, v := range partial {
		node, err := tree.Normalize(v)
		if err != nil {
			return fmt.Errorf("failed to encode value for %s/%s: %w", path, rel, err)
		}
		segs := append(append([]string(nil), base...), tree.Split(rel)...)
		changes = append(changes, change{segs: segs, node: node})
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return storage.ErrClosed
	}
	before := s.root
	after := before
	for _, c := range changes {
		after = tree.Set(after, c.segs, c.node)
	}
	s.root = after
	for _, c := range changes {
		s.logger.Debug("write", zap.String("path", tree.Join(c.segs...)))
	}
	s.notifyLocked(before, after)
	s.mu.Unlock()

	s.drain()
	return nil
}

// PushGenerateID returns a UUIDv7, which sorts by creation time.
func (s *RealtimeStore) PushGenerateID(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate id under %s: %w", path, err)
	}
	return id.String(), nil
}

func (s *RealtimeStore) ReadOnce(ctx context.Context, path string) (storage.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return storage.Snapshot{}, err
	}
	segs := tree.Split(path)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return storage.Snapshot{}, storage.ErrClosed
	}
	node := tree.Get(s.root, segs)
	s.mu.Unlock()

	return snapshot(segs, node)
}

// Close drops every subscription. Later calls fail with storage.ErrClosed.
func (s *RealtimeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, sub := range s.values {
		sub.closed.Store(true)
		delete(s.values, id)
	}
	for id, sub := range s.children {
		sub.closed.Store(true)
		delete(s.children, id)
	}
	return nil
}

func (s *RealtimeStore) notifyLocked(before, after tree.Node) {
	// subscriptions are visited in creation order so deliveries are stable
	for _, id := range s.sortedIDs() {
		if sub, ok := s.values[id]; ok {
			node := tree.Get(after, sub.segs)
			if !tree.Equal(node, sub.last) {
				sub.last = node
				s.enqueueValue(sub, node)
			}
		}
		if sub, ok := s.children[id]; ok {
			node := tree.Get(after, sub.segs)
			for key := range sub.seen {
				if tree.Get(node, []string{key}) == nil {
					delete(sub.seen, key)
				}
			}
			for _, key := range tree.Children(node) {
				if !sub.seen[key] {
					sub.seen[key] = true
					s.enqueueChild(sub, key)
				}
			}
		}
	}
}

func (s *RealtimeStore) sortedIDs() []uint64 {
	ids := make([]uint64, 0, len(s.values)+len(s.children))
	for id := range s.values {
		ids = append(ids, id)
	}
	for id := range s.children {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *RealtimeStore) enqueueValue(sub *valueSub, node tree.Node) {
	snap, err := snapshot(sub.segs, node)
	s.queue = append(s.queue, delivery{closed: &sub.closed, run: func() { sub.fn(snap, err) }})
}

func (s *RealtimeStore) enqueueChild(sub *childSub, key string) {
	s.queue = append(s.queue, delivery{closed: &sub.closed, run: func() { sub.fn(key, nil) }})
}

// drain runs queued deliveries unless another call is already doing so.
// Writes made from inside a callback only enqueue; the outer drain picks
// them up once the callback returns.
func (s *RealtimeStore) drain() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for len(s.queue) > 0 {
		d := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		if !d.closed.Load() {
			d.run()
		}
		s.mu.Lock()
	}
	s.draining = false
	s.mu.Unlock()
}

func snapshot(segs []string, node tree.Node) (storage.Snapshot, error) {
	snap := storage.Snapshot{Path: tree.Join(segs...)}
	if len(segs) > 0 {
		snap.Key = segs[len(segs)-1]
	}
	raw, err := tree.Encode(node)
	if err != nil {
		return snap, fmt.Errorf("failed to encode %s: %w", snap.Path, err)
	}
	snap.Raw = raw
	return snap, nil
}
