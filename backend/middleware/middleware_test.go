// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func protected(t *testing.T) http.Handler {
	auth := NewAuthMiddlewareWithConfig(&JWTConfig{
		Secret: "secret",
		Issuer: "efchat",
		Now:    func() time.Time { return now },
	})
	return auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := GetUserID(r)
		require.True(t, ok)
		claims, ok := GetClaims(r)
		require.True(t, ok)
		assert.Equal(t, userID, claims.UserID)
		w.Write([]byte(userID))
	}))
}

func token(t *testing.T, claims Claims, secret string) string {
	tok, err := SignToken(claims, secret)
	require.NoError(t, err)
	return tok
}

func TestAuthMiddleware(t *testing.T) {
	valid := Claims{UserID: "u1", Issuer: "efchat", ExpiresAt: now.Add(time.Hour).Unix()}
	expired := valid
	expired.ExpiresAt = now.Add(-time.Second).Unix()
	otherIssuer := valid
	otherIssuer.Issuer = "elsewhere"
	noUser := valid
	noUser.UserID = ""

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"valid", "Bearer " + token(t, valid, "secret"), http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer not.a.token", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + token(t, valid, "other"), http.StatusUnauthorized},
		{"expired", "Bearer " + token(t, expired, "secret"), http.StatusUnauthorized},
		{"issuer", "Bearer " + token(t, otherIssuer, "secret"), http.StatusUnauthorized},
		{"no user", "Bearer " + token(t, noUser, "secret"), http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			protected(t).ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "u1", rec.Body.String())
			}
		})
	}
}

func TestVerifyTokenRejectsOtherAlgorithms(t *testing.T) {
	// {"alg":"none"}.{"user_id":"u1"}.
	_, err := VerifyToken("eyJhbGciOiJub25lIn0.eyJ1c2VyX2lkIjoidTEifQ.", "secret")
	assert.ErrorContains(t, err, "unsupported algorithm")
}

func TestCORS(t *testing.T) {
	handler := NewCORS([]string{"https://efchat.net"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://efchat.net")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "https://efchat.net", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	handler := RequestLogger(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fail", nil))

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, int64(http.StatusOK), logs.All()[0].ContextMap()["status"])
	failed := logs.FilterMessage("request failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "/fail", failed[0].ContextMap()["path"])
}
