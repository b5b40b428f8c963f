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

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/efchatnet/efsync/backend/models"
	"github.com/efchatnet/efsync/backend/storage"
)

const defaultSearchLimit = 20

// Store is the user directory: profiles the identity provider pushes to us
// and the chat engine reads for titles, typing names and participant search.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewStore(db *sql.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:     db,
		logger: logger.Named("postgres"),
	}
}

// GetUser returns storage.ErrNotFound for unknown ids.
func (s *Store) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var (
		user    models.User
		iconURL sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, display_name, icon_url
		FROM chat_users
		WHERE user_id = $1`, userID).Scan(&user.ID, &user.DisplayName, &iconURL)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %s: %w", userID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", userID, err)
	}
	user.IconURL = iconURL.String
	return &user, nil
}

// SearchUsers does a case-insensitive display name prefix search.
func (s *Store) SearchUsers(ctx context.Context, query string, limit int) ([]models.User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []models.User{}, nil
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, display_name, icon_url
		FROM chat_users
		WHERE lower(display_name) LIKE $1 ESCAPE '\'
		ORDER BY display_name, user_id
		LIMIT $2`, escapeLike(strings.ToLower(query))+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		var (
			user    models.User
			iconURL sql.NullString
		)
		if err := rows.Scan(&user.ID, &user.DisplayName, &iconURL); err != nil {
			return nil, err
		}
		user.IconURL = iconURL.String
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpsertUser(ctx context.Context, user models.User) error {
	if user.ID == "" {
		return fmt.Errorf("upsert user: empty id")
	}
	var iconURL sql.NullString
	if user.IconURL != "" {
		iconURL = sql.NullString{String: user.IconURL, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_users (user_id, display_name, icon_url, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET display_name = $2, icon_url = $3, updated_at = $4`,
		user.ID, user.DisplayName, iconURL, time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", user.ID, err)
	}
	s.logger.Debug("user upserted", zap.String("user_id", user.ID))
	return nil
}

// Ping checks the connection; used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
