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
	"fmt"
)

var migrations = []string{
	// User directory mirrored from the identity provider
	`CREATE TABLE IF NOT EXISTS chat_users (
		user_id VARCHAR(255) PRIMARY KEY,
		display_name VARCHAR(255) NOT NULL,
		icon_url TEXT,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	// Prefix search for the add-participant flow
	`CREATE INDEX IF NOT EXISTS idx_chat_users_display_name
	ON chat_users (lower(display_name) text_pattern_ops)`,

	// Note: conversations, messages and typing state live in the realtime
	// store (Redis). No PostgreSQL tables are needed for them.
}

func (s *Store) Migrate(ctx context.Context) error {
	for i, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
