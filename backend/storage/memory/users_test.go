// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efsync/backend/models"
	"github.com/efchatnet/efsync/backend/storage"
)

func TestUserDirectory(t *testing.T) {
	ctx := context.Background()
	d := NewUserDirectory(
		models.User{ID: "u1", DisplayName: "Alice"},
		models.User{ID: "u3", DisplayName: "alan"},
		models.User{ID: "u2", DisplayName: "Bob"},
	)

	u, err := d.GetUser(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "Bob", u.DisplayName)

	_, err = d.GetUser(ctx, "nobody")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	found, err := d.SearchUsers(ctx, " AL", 0)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "Alice", found[0].DisplayName)
	assert.Equal(t, "alan", found[1].DisplayName)

	found, err = d.SearchUsers(ctx, "al", 1)
	require.NoError(t, err)
	assert.Len(t, found, 1)

	found, err = d.SearchUsers(ctx, "  ", 10)
	require.NoError(t, err)
	assert.Empty(t, found)

	require.NoError(t, d.UpsertUser(ctx, models.User{ID: "u2", DisplayName: "Robert"}))
	u, err = d.GetUser(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "Robert", u.DisplayName)
	assert.Error(t, d.UpsertUser(ctx, models.User{DisplayName: "nameless"}))
}
