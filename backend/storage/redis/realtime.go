// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/efchatnet/efsync/backend/storage"
	"github.com/efchatnet/efsync/backend/storage/tree"
)

const (
	// Redis key prefixes, each followed by a document path
	docPrefix          = "doc:"   // doc:{root}/{id} - JSON document
	valueChannelPrefix = "value:" // value:{root}/{id} - published on every document change
	childChannelPrefix = "child:" // child:{path} - payload is the added child key

	// documents are addressed by the first two path segments
	docDepth = 2

	maxTxRetries = 16
)

// RealtimeStore keeps one JSON document per root node, e.g.
// conversations/{id} or conversationsByUser/{userId}. Writes are optimistic
// WATCH/MULTI transactions that publish change events in the same MULTI.
type RealtimeStore struct {
	rdb    *redis.Client
	prefix string
	logger *zap.Logger

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscription
}

func NewRealtimeStore(rdb *redis.Client, prefix string, logger *zap.Logger) *RealtimeStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealtimeStore{
		rdb:    rdb,
		prefix: prefix,
		logger: logger.Named("redis"),
		subs:   make(map[uint64]*subscription),
	}
}

func (s *RealtimeStore) docKey(doc string) string       { return s.prefix + docPrefix + doc }
func (s *RealtimeStore) valueChannel(doc string) string { return s.prefix + valueChannelPrefix + doc }
func (s *RealtimeStore) childChannel(path string) string {
	return s.prefix + childChannelPrefix + path
}

// locate splits path into the document it lives in and the path inside it.
func locate(path string) (doc string, rel []string, err error) {
	segs := tree.Split(path)
	if len(segs) < docDepth {
		return "", nil, fmt.Errorf("%w: %q", storage.ErrUnsupportedPath, path)
	}
	return tree.Join(segs[:docDepth]...), segs[docDepth:], nil
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RealtimeStore) readDoc(ctx context.Context, g getter, doc string) (tree.Node, error) {
	raw, err := g.Get(ctx, s.docKey(doc)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", doc, err)
	}
	node, err := tree.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", doc, err)
	}
	return node, nil
}

func (s *RealtimeStore) Write(ctx context.Context, path string, value interface{}) error {
	return s.Update(ctx, path, map[string]interface{}{"": value})
}

// Update merges partial into the document holding path. Every key must stay
// inside that document.
func (s *RealtimeStore) Update(ctx context.Context, path string, partial map[string]interface{}) error {
	doc, base, err := locate(path)
	if err != nil {
		return err
	}

	type change struct {
		rel  []string
		node tree.Node
	}
	changes := make([]change, 0, len(partial))
	for rel, v := range partial {
		node, err := tree.Normalize(v)
		if err != nil {
			return fmt.Errorf("failed to encode value for %s/%s: %w", path, rel, err)
		}
		segs := append(append([]string(nil), base...), tree.Split(rel)...)
		changes = append(changes, change{rel: segs, node: node})
	}

	docSegs := tree.Split(doc)
	key := s.docKey(doc)
	txf := func(tx *redis.Tx) error {
		before, err := s.readDoc(ctx, tx, doc)
		if err != nil {
			return err
		}
		after := before
		for _, c := range changes {
			after = tree.Set(after, c.rel, c.node)
		}
		if tree.Equal(before, after) {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if after == nil {
				pipe.Del(ctx, key)
			} else {
				data, err := json.Marshal(after)
				if err != nil {
					return fmt.Errorf("failed to marshal %s: %w", doc, err)
				}
				pipe.Set(ctx, key, data, 0)
			}
			pipe.Publish(ctx, s.valueChannel(doc), "")
			for _, added := range tree.AddedChildren(before, after) {
				parent := append(append([]string(nil), docSegs...), added.Parent...)
				pipe.Publish(ctx, s.childChannel(tree.Join(parent...)), added.Key)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			s.logger.Debug("write conflict, retrying", zap.String("path", path), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		return nil
	}
	return fmt.Errorf("failed to write %s after %d attempts: %w", path, maxTxRetries, redis.TxFailedErr)
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
	doc, rel, err := locate(path)
	if err != nil {
		return storage.Snapshot{}, err
	}
	node, err := s.readDoc(ctx, s.rdb, doc)
	if err != nil {
		return storage.Snapshot{}, err
	}
	return snapshot(path, tree.Get(node, rel))
}

type subscription struct {
	store  *RealtimeStore
	id     uint64
	pubsub *redis.PubSub
	cancel context.CancelFunc
	closed atomic.Bool
	once   sync.Once
	err    error
}

// Close stops delivery. A callback that is already running may finish.
func (sub *subscription) Close() error {
	sub.once.Do(func() {
		sub.closed.Store(true)
		sub.cancel()
		sub.err = sub.pubsub.Close()
		sub.store.mu.Lock()
		delete(sub.store.subs, sub.id)
		sub.store.mu.Unlock()
	})
	return sub.err
}

func (s *RealtimeStore) subscribe(ctx context.Context, channel string) (*subscription, context.Context, error) {
	pubsub := s.rdb.Subscribe(ctx, channel)
	// wait for the confirmation so nothing published after this point is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	// the subscription outlives the caller's context
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{store: s, pubsub: pubsub, cancel: cancel}

	s.mu.Lock()
	s.nextID++
	sub.id = s.nextID
	s.subs[sub.id] = sub
	s.mu.Unlock()
	return sub, subCtx, nil
}

// SubscribeChildAdded replays existing children in key order, then streams
// child keys published by writers.
func (s *RealtimeStore) SubscribeChildAdded(ctx context.Context, path string, fn storage.ChildFunc) (storage.Subscription, error) {
	doc, rel, err := locate(path)
	if err != nil {
		return nil, err
	}
	sub, subCtx, err := s.subscribe(ctx, s.childChannel(tree.Join(tree.Split(path)...)))
	if err != nil {
		return nil, err
	}

	node, err := s.readDoc(ctx, s.rdb, doc)
	if err != nil {
		_ = sub.Close()
		return nil, err
	}
	seen := make(map[string]bool)
	for _, key := range tree.Children(tree.Get(node, rel)) {
		seen[key] = true
		fn(key, nil)
	}

	ch := sub.pubsub.Channel()
	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if seen[msg.Payload] || sub.closed.Load() {
					continue
				}
				seen[msg.Payload] = true
				fn(msg.Payload, nil)
			}
		}
	}()
	return sub, nil
}

// SubscribeValue delivers the current value, then re-reads the document on
// every change event and delivers the value again when it differs.
func (s *RealtimeStore) SubscribeValue(ctx context.Context, path string, fn storage.ValueFunc) (storage.Subscription, error) {
	doc, rel, err := locate(path)
	if err != nil {
		return nil, err
	}
	sub, subCtx, err := s.subscribe(ctx, s.valueChannel(doc))
	if err != nil {
		return nil, err
	}

	node, err := s.readDoc(ctx, s.rdb, doc)
	if err != nil {
		_ = sub.Close()
		return nil, err
	}
	last := tree.Get(node, rel)
	snap, err := snapshot(path, last)
	fn(snap, err)

	ch := sub.pubsub.Channel()
	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				node, err := s.readDoc(subCtx, s.rdb, doc)
				if sub.closed.Load() {
					return
				}
				if err != nil {
					s.logger.Warn("value delivery failed", zap.String("path", path), zap.Error(err))
					fn(storage.Snapshot{Path: path}, err)
					continue
				}
				current := tree.Get(node, rel)
				if tree.Equal(current, last) {
					continue
				}
				last = current
				snap, err := snapshot(path, current)
				fn(snap, err)
			}
		}
	}()
	return sub, nil
}

// Close closes every open subscription.
func (s *RealtimeStore) Close() error {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	var err error
	for _, sub := range subs {
		err = multierr.Append(err, sub.Close())
	}
	return err
}

// Ping checks the connection; used by the health endpoint.
func (s *RealtimeStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func snapshot(path string, node tree.Node) (storage.Snapshot, error) {
	segs := tree.Split(path)
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
