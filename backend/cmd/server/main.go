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

package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/efchatnet/efsync/backend/chat"
	"github.com/efchatnet/efsync/backend/config"
	"github.com/efchatnet/efsync/backend/integration"
	"github.com/efchatnet/efsync/backend/middleware"
)

func newLogger(level zapcore.Level) (*zap.Logger, error) {
	if level == zapcore.DebugLevel {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

func main() {
	// logger is not up yet
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		os.Stderr.WriteString("invalid configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	level, _ := cfg.Level()
	logger, err := newLogger(level)
	if err != nil {
		os.Stderr.WriteString("failed to build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database connection
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Redis connection
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("invalid redis url", zap.Error(err))
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	opts := chat.DefaultOptions()
	opts.FreshnessWindow = cfg.FreshnessWindow
	opts.TypingTimeout = cfg.TypingTimeout
	opts.Logger = logger

	chatIntegration, err := integration.NewChatIntegration(ctx, &integration.Config{
		DB:             db,
		Redis:          rdb,
		RedisKeyPrefix: cfg.RedisKeyPrefix,
		JWTSecret:      cfg.JWTSecret,
		JWTIssuer:      cfg.JWTIssuer,
		Options:        opts,
	})
	if err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}
	if err := chatIntegration.ValidateSetup(ctx); err != nil {
		logger.Fatal("chat module is not ready", zap.Error(err))
	}

	// Setup router
	r := mux.NewRouter()
	r.Use(middleware.RequestLogger(logger.Named("http")))
	r.Use(middleware.NewCORS(cfg.AllowedOrigins))

	chatIntegration.RegisterRoutes(r, nil)

	// Health check (no auth required)
	r.HandleFunc("/health", chatIntegration.HealthHandler()).Methods("GET")

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		if err := chatIntegration.Close(shutdownCtx); err != nil {
			logger.Warn("chat shutdown", zap.Error(err))
		}
	}()

	logger.Info("sync server starting",
		zap.String("port", cfg.Port),
		zap.String("jwt_issuer", cfg.JWTIssuer))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed to start", zap.Error(err))
	}
	<-done
}
