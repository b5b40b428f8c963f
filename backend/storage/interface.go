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

package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"github.com/efchatnet/efsync/backend/models"
)

var (
	// ErrNotFound is returned by directory lookups for unknown ids.
	ErrNotFound = errors.New("not found")

	// ErrUnsupportedPath is returned when a backend cannot address a path.
	ErrUnsupportedPath = errors.New("unsupported path")

	// ErrClosed is returned after the store has been closed.
	ErrClosed = errors.New("store closed")
)

// Snapshot is the value found at Path when it was read. Raw is nil when
// nothing exists at the path.
type Snapshot struct {
	Path string
	Key  string
	Raw  json.RawMessage
}

// Exists reports whether the snapshot carries a value.
func (s Snapshot) Exists() bool {
	trimmed := bytes.TrimSpace(s.Raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// ChildFunc receives one newly added child key, or a delivery error.
type ChildFunc func(key string, err error)

// ValueFunc receives the full current value at a path on every change, or a
// delivery error.
type ValueFunc func(snap Snapshot, err error)

// Subscription is a live push channel. Close stops further deliveries.
type Subscription interface {
	Close() error
}

// RealtimeStore is the remote hierarchical key-value store the sync engine
// reads from and writes to. Paths are slash separated. Writing nil removes
// the node.
type RealtimeStore interface {
	// SubscribeChildAdded delivers every existing child once, then each
	// newly added child, in the order the store emits them.
	SubscribeChildAdded(ctx context.Context, path string, fn ChildFunc) (Subscription, error)

	// SubscribeValue delivers the current value, then the whole value again
	// whenever anything at or below path changes.
	SubscribeValue(ctx context.Context, path string, fn ValueFunc) (Subscription, error)

	Write(ctx context.Context, path string, value interface{}) error

	// Update merges partial into the node at path. Keys may themselves be
	// slash separated relative paths.
	Update(ctx context.Context, path string, partial map[string]interface{}) error

	// PushGenerateID returns a fresh, time ordered child key for path
	// without writing anything.
	PushGenerateID(ctx context.Context, path string) (string, error)

	ReadOnce(ctx context.Context, path string) (Snapshot, error)
}

// UserDirectory is the profile side of the identity provider.
type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (*models.User, error)
	SearchUsers(ctx context.Context, query string, limit int) ([]models.User, error)
	UpsertUser(ctx context.Context, user models.User) error
}
