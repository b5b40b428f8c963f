// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efsync/backend/chat"
	"github.com/efchatnet/efsync/backend/middleware"
	"github.com/efchatnet/efsync/backend/models"
	"github.com/efchatnet/efsync/backend/storage/memory"
)

type testServer struct {
	t      *testing.T
	router *mux.Router
	pool   *ClientPool
	store  *memory.RealtimeStore
}

func newTestServer(t *testing.T) *testServer {
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	store := memory.NewRealtimeStore(nil)
	users := memory.NewUserDirectory(
		models.User{ID: "u1", DisplayName: "Alice"},
		models.User{ID: "u2", DisplayName: "Bob"},
		models.User{ID: "u3", DisplayName: "Carol"},
	)
	pool := NewClientPool(store, users, chat.Options{Clock: mock})
	t.Cleanup(func() { _ = pool.Close(context.Background()) })

	router := mux.NewRouter()
	api := router.PathPrefix("/api/chat").Subrouter()
	// stands in for the host's auth middleware
	api.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if uid := r.Header.Get("X-Test-User"); uid != "" {
				r = r.WithContext(middleware.WithUserID(r.Context(), uid))
			}
			next.ServeHTTP(w, r)
		})
	})
	NewChatHandler(pool, users, nil).RegisterRoutes(api)

	return &testServer{t: t, router: router, pool: pool, store: store}
}

func (ts *testServer) do(userID, method, path string, body interface{}) *httptest.ResponseRecorder {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(ts.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, "/api/chat"+path, &buf)
	if userID != "" {
		req.Header.Set("X-Test-User", userID)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestRequestsNeedUserAndSession(t *testing.T) {
	ts := newTestServer(t)

	assert.Equal(t, http.StatusUnauthorized, ts.do("", http.MethodGet, "/conversations", nil).Code)
	assert.Equal(t, http.StatusConflict, ts.do("u1", http.MethodGet, "/conversations", nil).Code)
	assert.Equal(t, http.StatusConflict, ts.do("u1", http.MethodGet, "/notifications", nil).Code)

	require.Equal(t, http.StatusOK, ts.do("u1", http.MethodPost, "/session", nil).Code)
	assert.Equal(t, http.StatusOK, ts.do("u1", http.MethodGet, "/conversations", nil).Code)

	require.Equal(t, http.StatusOK, ts.do("u1", http.MethodDelete, "/session", nil).Code)
	assert.Equal(t, http.StatusConflict, ts.do("u1", http.MethodGet, "/conversations", nil).Code)
}

func TestConversationFlow(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.do("u1", http.MethodPost, "/session", nil).Code)
	require.Equal(t, http.StatusOK, ts.do("u2", http.MethodPost, "/session", nil).Code)

	rec := ts.do("u1", http.MethodPost, "/conversations/resolve", map[string]interface{}{"participants": []string{"u2"}})
	require.Equal(t, http.StatusOK, rec.Code)
	var resolved struct {
		ConversationID string `json:"conversation_id"`
	}
	decode(t, rec, &resolved)
	require.NotEmpty(t, resolved.ConversationID)
	cid := resolved.ConversationID

	// same set from the other side lands on the same conversation
	rec = ts.do("u2", http.MethodPost, "/conversations/resolve", map[string]interface{}{"participants": []string{"u1"}})
	var again struct {
		ConversationID string `json:"conversation_id"`
	}
	decode(t, rec, &again)
	assert.Equal(t, cid, again.ConversationID)

	rec = ts.do("u1", http.MethodPost, "/conversations/"+cid+"/messages", map[string]string{"body": "hi"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do("u2", http.MethodGet, "/conversations/"+cid+"/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs struct {
		Messages []models.Message `json:"messages"`
		Count    int              `json:"count"`
	}
	decode(t, rec, &msgs)
	require.Equal(t, 1, msgs.Count)
	assert.Equal(t, "hi", msgs.Messages[0].Body)
	assert.Equal(t, "u1", msgs.Messages[0].SentBy)

	rec = ts.do("u2", http.MethodGet, "/notifications", nil)
	var notes struct {
		Notifications []Notification `json:"notifications"`
	}
	decode(t, rec, &notes)
	require.Len(t, notes.Notifications, 1)
	assert.Equal(t, cid, notes.Notifications[0].ConversationID)

	// drained
	rec = ts.do("u2", http.MethodGet, "/notifications", nil)
	decode(t, rec, &notes)
	assert.Empty(t, notes.Notifications)

	rec = ts.do("u2", http.MethodGet, "/conversations", nil)
	var inbox struct {
		Conversations []conversationView `json:"conversations"`
	}
	decode(t, rec, &inbox)
	require.Len(t, inbox.Conversations, 1)
	assert.Equal(t, "Alice", inbox.Conversations[0].Title)
	assert.Equal(t, 1, inbox.Conversations[0].MessageCount)
}

func TestTypingEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.do("u1", http.MethodPost, "/session", nil)
	ts.do("u2", http.MethodPost, "/session", nil)

	var resolved struct {
		ConversationID string `json:"conversation_id"`
	}
	decode(t, ts.do("u1", http.MethodPost, "/conversations/resolve", map[string]interface{}{"participants": []string{"u2"}}), &resolved)
	cid := resolved.ConversationID

	rec := ts.do("u1", http.MethodPut, "/conversations/"+cid+"/typing", map[string]bool{"typing": true})
	require.Equal(t, http.StatusNoContent, rec.Code)

	var typing struct {
		Typing []string `json:"typing"`
	}
	decode(t, ts.do("u2", http.MethodGet, "/conversations/"+cid+"/typing", nil), &typing)
	assert.Equal(t, []string{"Alice"}, typing.Typing)

	// sending clears the flag
	ts.do("u1", http.MethodPost, "/conversations/"+cid+"/messages", map[string]string{"body": "done"})
	decode(t, ts.do("u2", http.MethodGet, "/conversations/"+cid+"/typing", nil), &typing)
	assert.Empty(t, typing.Typing)
}

func TestOpenCloseAndAddParticipant(t *testing.T) {
	ts := newTestServer(t)
	ts.do("u1", http.MethodPost, "/session", nil)

	var resolved struct {
		ConversationID string `json:"conversation_id"`
	}
	decode(t, ts.do("u1", http.MethodPost, "/conversations/resolve", map[string]interface{}{"participants": []string{"u2"}}), &resolved)
	cid := resolved.ConversationID

	var open struct {
		Open []string `json:"open"`
	}
	decode(t, ts.do("u1", http.MethodGet, "/conversations/open", nil), &open)
	assert.Equal(t, []string{cid}, open.Open)

	rec := ts.do("u1", http.MethodPost, "/conversations/"+cid+"/participants", map[string]string{"user_id": "u3"})
	require.Equal(t, http.StatusOK, rec.Code)
	var grown struct {
		ConversationID string `json:"conversation_id"`
	}
	decode(t, rec, &grown)
	assert.NotEqual(t, cid, grown.ConversationID)

	decode(t, ts.do("u1", http.MethodGet, "/conversations/open", nil), &open)
	assert.Equal(t, []string{grown.ConversationID}, open.Open)

	var users struct {
		Users []models.User `json:"users"`
	}
	decode(t, ts.do("u1", http.MethodGet, "/conversations/"+grown.ConversationID+"/users", nil), &users)
	require.Len(t, users.Users, 2)
	assert.Equal(t, "Bob", users.Users[0].DisplayName)

	decode(t, ts.do("u1", http.MethodPost, "/conversations/"+grown.ConversationID+"/close", nil), &open)
	assert.Empty(t, open.Open)

	assert.Equal(t, http.StatusNotFound,
		ts.do("u1", http.MethodPost, "/conversations/missing/participants", map[string]string{"user_id": "u3"}).Code)
	assert.Equal(t, http.StatusBadRequest,
		ts.do("u1", http.MethodPost, "/conversations/"+cid+"/participants", map[string]string{}).Code)
	assert.Equal(t, http.StatusBadRequest,
		ts.do("u1", http.MethodPost, "/conversations/"+cid+"/messages", map[string]string{"body": "  "}).Code)
	assert.Equal(t, http.StatusNotFound, ts.do("u1", http.MethodGet, "/conversations/missing/messages", nil).Code)
}

func TestOutsiderIsRefused(t *testing.T) {
	ts := newTestServer(t)
	ts.do("u1", http.MethodPost, "/session", nil)
	require.Equal(t, http.StatusOK, ts.do("u3", http.MethodPost, "/session", nil).Code)

	var resolved struct {
		ConversationID string `json:"conversation_id"`
	}
	decode(t, ts.do("u1", http.MethodPost, "/conversations/resolve", map[string]interface{}{"participants": []string{"u2"}}), &resolved)
	cid := resolved.ConversationID
	require.Equal(t, http.StatusCreated,
		ts.do("u1", http.MethodPost, "/conversations/"+cid+"/messages", map[string]string{"body": "secret from u1"}).Code)

	// not tracked by carol at all
	assert.Equal(t, http.StatusNotFound,
		ts.do("u3", http.MethodPost, "/conversations/"+cid+"/messages", map[string]string{"body": "intruder"}).Code)
	assert.Equal(t, http.StatusNotFound, ts.do("u3", http.MethodGet, "/conversations/"+cid+"/messages", nil).Code)
	assert.Equal(t, http.StatusForbidden, ts.do("u3", http.MethodPost, "/conversations/"+cid+"/open", nil).Code)

	carol, err := ts.pool.Session("u3")
	require.NoError(t, err)
	require.NoError(t, carol.Track(context.Background(), cid))

	for _, req := range []struct {
		method, path string
		body         interface{}
	}{
		{http.MethodPost, "/conversations/" + cid + "/open", nil},
		{http.MethodPost, "/conversations/" + cid + "/read", nil},
		{http.MethodGet, "/conversations/" + cid + "/messages", nil},
		{http.MethodPost, "/conversations/" + cid + "/messages", map[string]string{"body": "intruder"}},
		{http.MethodGet, "/conversations/" + cid + "/users", nil},
		{http.MethodGet, "/conversations/" + cid + "/typing", nil},
		{http.MethodPut, "/conversations/" + cid + "/typing", map[string]bool{"typing": true}},
		{http.MethodPost, "/conversations/" + cid + "/participants", map[string]string{"user_id": "u3"}},
	} {
		rec := ts.do("u3", req.method, req.path, req.body)
		assert.Equal(t, http.StatusForbidden, rec.Code, "%s %s", req.method, req.path)
	}

	var inbox struct {
		Conversations []conversationView `json:"conversations"`
	}
	decode(t, ts.do("u3", http.MethodGet, "/conversations", nil), &inbox)
	assert.Empty(t, inbox.Conversations)

	var msgs struct {
		Messages []models.Message `json:"messages"`
	}
	decode(t, ts.do("u1", http.MethodGet, "/conversations/"+cid+"/messages", nil), &msgs)
	require.Len(t, msgs.Messages, 1)
	assert.Equal(t, "secret from u1", msgs.Messages[0].Body)
}

func TestSearchUsers(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do("u1", http.MethodGet, "/users/search?q=bo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var found struct {
		Users []models.User `json:"users"`
	}
	decode(t, rec, &found)
	require.Len(t, found.Users, 1)
	assert.Equal(t, "u2", found.Users[0].ID)

	assert.Equal(t, http.StatusBadRequest, ts.do("u1", http.MethodGet, "/users/search?q=a&limit=zero", nil).Code)
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealth(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("down") })

	rec := httptest.NewRecorder()
	Health(map[string]Pinger{"redis": ok, "postgres": ok}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	Health(map[string]Pinger{"redis": ok, "postgres": down}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "postgres unavailable", rec.Body.String())
}
