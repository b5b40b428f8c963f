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

package chat

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/efchatnet/efsync/backend/storage"
)

type AuthEventKind int

const (
	AuthLogin AuthEventKind = iota + 1
	AuthLogout
)

func (k AuthEventKind) String() string {
	switch k {
	case AuthLogin:
		return "login"
	case AuthLogout:
		return "logout"
	default:
		return fmt.Sprintf("AuthEventKind(%d)", int(k))
	}
}

// AuthEvent is one entry of the identity provider's login/logout stream.
type AuthEvent struct {
	Kind   AuthEventKind
	UserID string
}

// Client owns the session lifecycle. Notifier handlers are registered on
// the client and survive logout.
type Client struct {
	store    storage.RealtimeStore
	users    storage.UserDirectory
	opts     Options
	notifier *Notifier
	logger   *zap.Logger

	// lifecycle serialises Login and Logout
	lifecycle sync.Mutex

	mu      sync.Mutex
	session *Session
}

func NewClient(store storage.RealtimeStore, users storage.UserDirectory, opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		store:    store,
		users:    users,
		opts:     opts,
		notifier: NewNotifier(opts.Logger),
		logger:   opts.Logger.Named("client"),
	}
}

// OnIncomingMessage registers a handler for fresh messages from other users.
func (c *Client) OnIncomingMessage(fn Handler) func() {
	return c.notifier.OnIncomingMessage(fn)
}

// Login starts a session for userID. Logging in as the current user returns
// the existing session; a different user replaces it.
func (c *Client) Login(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrInvalidArgument)
	}
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	prev := c.session
	c.mu.Unlock()
	if prev != nil {
		if prev.userID == userID {
			return prev, nil
		}
		if err := c.endSession(ctx, prev); err != nil {
			c.logger.Warn("previous session did not close cleanly", zap.Error(err))
		}
	}

	s := newSession(userID, c.store, c.users, c.notifier, c.opts)
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()

	if err := s.index.Start(ctx); err != nil {
		_ = c.endSession(ctx, s)
		return nil, err
	}
	c.logger.Info("logged in", zap.String("user_id", userID))
	return s, nil
}

// Logout tears down the current session. It is a no-op when nobody is
// logged in.
func (c *Client) Logout(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return c.endSession(ctx, s)
}

func (c *Client) endSession(ctx context.Context, s *Session) error {
	c.mu.Lock()
	if c.session == s {
		c.session = nil
	}
	c.mu.Unlock()

	err := s.close(ctx)
	c.logger.Info("logged out", zap.String("user_id", s.userID))
	return err
}

// Session returns the active session or ErrNotLoggedIn.
func (c *Client) Session() (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, ErrNotLoggedIn
	}
	return c.session, nil
}

// Run follows the identity provider's event stream until ctx is done or
// events is closed, logging out on the way out.
func (c *Client) Run(ctx context.Context, events <-chan AuthEvent) error {
	defer func() {
		if err := c.Logout(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn("logout on shutdown failed", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case AuthLogin:
				if _, err := c.Login(ctx, ev.UserID); err != nil {
					c.logger.Error("login failed", zap.String("user_id", ev.UserID), zap.Error(err))
				}
			case AuthLogout:
				if err := c.Logout(ctx); err != nil {
					c.logger.Error("logout failed", zap.Error(err))
				}
			default:
				c.logger.Warn("ignoring auth event", zap.Stringer("kind", ev.Kind))
			}
		}
	}
}
