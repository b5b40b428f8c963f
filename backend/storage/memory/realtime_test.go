// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package memory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efsync/backend/storage"
)

func TestChildAddedReplaysThenStreams(t *testing.T) {
	ctx := context.Background()
	s := NewRealtimeStore(nil)
	require.NoError(t, s.Write(ctx, "conversationsByUser/u1/c2", true))
	require.NoError(t, s.Write(ctx, "conversationsByUser/u1/c1", true))

	var keys []string
	sub, err := s.SubscribeChildAdded(ctx, "conversationsByUser/u1", func(key string, err error) {
		require.NoError(t, err)
		keys = append(keys, key)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, keys)

	require.NoError(t, s.Write(ctx, "conversationsByUser/u1/c3", true))
	require.NoError(t, s.Write(ctx, "conversationsByUser/u1/c3", true))
	assert.Equal(t, []string{"c1", "c2", "c3"}, keys)

	require.NoError(t, sub.Close())
	require.NoError(t, s.Write(ctx, "conversationsByUser/u1/c4", true))
	assert.Len(t, keys, 3)
}

func TestValueSubscriptionDeliversWholeValue(t *testing.T) {
	ctx := context.Background()
	s := NewRealtimeStore(nil)

	var snaps []storage.Snapshot
	_, err := s.SubscribeValue(ctx, "conversations/c1", func(snap storage.Snapshot, err error) {
		require.NoError(t, err)
		snaps = append(snaps, snap)
	})
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.False(t, snaps[0].Exists())

	require.NoError(t, s.Write(ctx, "conversations/c1", map[string]interface{}{
		"type":         "dm",
		"participants": map[string]interface{}{"u1": map[string]bool{"isTyping": false}},
	}))
	require.NoError(t, s.Write(ctx, "conversations/c1/participants/u1/isTyping", true))
	// same value again is not a change
	require.NoError(t, s.Write(ctx, "conversations/c1/participants/u1/isTyping", true))
	// sibling paths do not fire
	require.NoError(t, s.Write(ctx, "conversations/c2/type", "dm"))

	require.Len(t, snaps, 3)
	var conv struct {
		Participants map[string]struct {
			IsTyping bool `json:"isTyping"`
		} `json:"participants"`
	}
	require.NoError(t, json.Unmarshal(snaps[2].Raw, &conv))
	assert.True(t, conv.Participants["u1"].IsTyping)
	assert.Equal(t, "c1", snaps[2].Key)
}

func TestUpdateMergesRelativePaths(t *testing.T) {
	ctx := context.Background()
	s := NewRealtimeStore(nil)
	require.NoError(t, s.Write(ctx, "conversations/c1/type", "dm"))
	require.NoError(t, s.Update(ctx, "conversations/c1", map[string]interface{}{
		"lastMessage":  map[string]interface{}{"body": "hi"},
		"messages/m1":  true,
		"participants": map[string]interface{}{"u1": map[string]bool{"isTyping": false}},
	}))

	snap, err := s.ReadOnce(ctx, "conversations/c1")
	require.NoError(t, err)
	var got map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(snap.Raw, &got))
	assert.JSONEq(t, `"dm"`, string(got["type"]))
	assert.JSONEq(t, `{"m1": true}`, string(got["messages"]))
	assert.JSONEq(t, `{"body": "hi"}`, string(got["lastMessage"]))
}

func TestWriteNilDeletes(t *testing.T) {
	ctx := context.Background()
	s := NewRealtimeStore(nil)
	require.NoError(t, s.Write(ctx, "messages/m1", map[string]string{"body": "hi"}))
	require.NoError(t, s.Write(ctx, "messages/m1", nil))

	snap, err := s.ReadOnce(ctx, "messages/m1")
	require.NoError(t, err)
	assert.False(t, snap.Exists())
}

func TestReentrantWriteFromCallback(t *testing.T) {
	ctx := context.Background()
	s := NewRealtimeStore(nil)

	var mirrored []string
	_, err := s.SubscribeChildAdded(ctx, "a", func(key string, _ error) {
		require.NoError(t, s.Write(ctx, "b/"+key, true))
	})
	require.NoError(t, err)
	_, err = s.SubscribeChildAdded(ctx, "b", func(key string, _ error) {
		mirrored = append(mirrored, key)
	})
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, "a/x", true))
	assert.Equal(t, []string{"x"}, mirrored)
}

func TestPushGenerateIDIsOrdered(t *testing.T) {
	ctx := context.Background()
	s := NewRealtimeStore(nil)
	first, err := s.PushGenerateID(ctx, "messages")
	require.NoError(t, err)
	second, err := s.PushGenerateID(ctx, "messages")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Less(t, first, second)
}

func TestClosedStore(t *testing.T) {
	ctx := context.Background()
	s := NewRealtimeStore(nil)
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Write(ctx, "a/b", 1), storage.ErrClosed)
	_, err := s.SubscribeValue(ctx, "a", func(storage.Snapshot, error) {})
	assert.ErrorIs(t, err, storage.ErrClosed)
}
