// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/efchatnet/efsync/backend/models"
	"github.com/efchatnet/efsync/backend/storage"
)

// UserDirectory is a map-backed storage.UserDirectory.
type UserDirectory struct {
	mu    sync.RWMutex
	users map[string]models.User
}

func NewUserDirectory(users ...models.User) *UserDirectory {
	d := &UserDirectory{users: make(map[string]models.User, len(users))}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

func (d *UserDirectory) GetUser(ctx context.Context, userID string) (*models.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, storage.ErrNotFound)
	}
	return &u, nil
}

func (d *UserDirectory) SearchUsers(ctx context.Context, query string, limit int) ([]models.User, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	out := []models.User{}
	if query == "" {
		return out, nil
	}

	d.mu.RLock()
	for _, u := range d.users {
		if strings.HasPrefix(strings.ToLower(u.DisplayName), query) {
			out = append(out, u)
		}
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (d *UserDirectory) UpsertUser(ctx context.Context, user models.User) error {
	if user.ID == "" {
		return fmt.Errorf("upsert user: empty id")
	}
	d.mu.Lock()
	d.users[user.ID] = user
	d.mu.Unlock()
	return nil
}
