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

package integration

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/efchatnet/efsync/backend/chat"
	"github.com/efchatnet/efsync/backend/handlers"
	"github.com/efchatnet/efsync/backend/middleware"
	"github.com/efchatnet/efsync/backend/models"
	"github.com/efchatnet/efsync/backend/storage/postgres"
	redisstore "github.com/efchatnet/efsync/backend/storage/redis"
)

// ChatIntegration provides conversation sync as a plugin for efchat
type ChatIntegration struct {
	realtime    *redisstore.RealtimeStore
	directory   *postgres.Store
	pool        *handlers.ClientPool
	chatHandler *handlers.ChatHandler
	jwtSecret   string
	jwtIssuer   string
	logger      *zap.Logger
}

// Config holds configuration for the chat integration
type Config struct {
	DB             *sql.DB
	Redis          *redis.Client
	RedisKeyPrefix string
	JWTSecret      string
	JWTIssuer      string
	Options        chat.Options
}

// NewChatIntegration wires the Redis realtime store, the Postgres user
// directory and the per-user client pool. Migrations run here.
func NewChatIntegration(ctx context.Context, config *Config) (*ChatIntegration, error) {
	logger := config.Options.Logger
	if logger == nil {
		logger = zap.NewNop()
		config.Options.Logger = logger
	}

	realtime := redisstore.NewRealtimeStore(config.Redis, config.RedisKeyPrefix, logger)
	directory := postgres.NewStore(config.DB, logger)
	if err := directory.Migrate(ctx); err != nil {
		return nil, err
	}

	pool := handlers.NewClientPool(realtime, directory, config.Options)
	return &ChatIntegration{
		realtime:    realtime,
		directory:   directory,
		pool:        pool,
		chatHandler: handlers.NewChatHandler(pool, directory, logger),
		jwtSecret:   config.JWTSecret,
		jwtIssuer:   config.JWTIssuer,
		logger:      logger.Named("integration"),
	}, nil
}

// RegisterRoutes adds chat routes to an existing router.
// If authMiddleware is nil, it will use the built-in JWT validation.
// A host middleware must store the user with middleware.WithUserID.
func (e *ChatIntegration) RegisterRoutes(router *mux.Router, authMiddleware func(http.Handler) http.Handler) {
	api := router.PathPrefix("/api/chat").Subrouter()

	if authMiddleware != nil {
		api.Use(authMiddleware)
	} else {
		api.Use(middleware.NewAuthMiddleware(e.jwtSecret, e.jwtIssuer))
	}

	e.chatHandler.RegisterRoutes(api)
}

// HealthHandler pings Redis and Postgres.
func (e *ChatIntegration) HealthHandler() http.HandlerFunc {
	return handlers.Health(map[string]handlers.Pinger{
		"redis":    e.realtime,
		"postgres": e.directory,
	})
}

// SyncUser mirrors a profile from the identity provider into the directory.
func (e *ChatIntegration) SyncUser(ctx context.Context, user models.User) error {
	return e.directory.UpsertUser(ctx, user)
}

// GetPool returns the per-user session pool
func (e *ChatIntegration) GetPool() *handlers.ClientPool {
	return e.pool
}

func (e *ChatIntegration) GetChatHandler() *handlers.ChatHandler {
	return e.chatHandler
}

// ValidateSetup checks if the chat module is properly configured
func (e *ChatIntegration) ValidateSetup(ctx context.Context) error {
	if e.jwtSecret == "" {
		return &ValidationError{Message: "JWT secret is not configured"}
	}
	if err := e.realtime.Ping(ctx); err != nil {
		return &ValidationError{Message: "redis unreachable: " + err.Error()}
	}
	if err := e.directory.Ping(ctx); err != nil {
		return &ValidationError{Message: "database unreachable: " + err.Error()}
	}
	return nil
}

// Close logs out every session and drops remaining subscriptions.
func (e *ChatIntegration) Close(ctx context.Context) error {
	err := e.pool.Close(ctx)
	err = multierr.Append(err, e.realtime.Close())
	e.logger.Info("chat integration stopped", zap.Error(err))
	return err
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
