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

// Package config loads server settings from defaults, an optional TOML
// file, a .env file and the process environment, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
)

// FileEnv names the environment variable that points at a TOML file.
const FileEnv = "EFSYNC_CONFIG"

type Config struct {
	Port            string        `toml:"port"`
	RedisURL        string        `toml:"redis_url"`
	RedisKeyPrefix  string        `toml:"redis_key_prefix"`
	DatabaseURL     string        `toml:"database_url"`
	JWTSecret       string        `toml:"jwt_secret"`
	JWTIssuer       string        `toml:"jwt_issuer"`
	FreshnessWindow time.Duration `toml:"freshness_window"`
	TypingTimeout   time.Duration `toml:"typing_timeout"`
	LogLevel        string        `toml:"log_level"`
	AllowedOrigins  []string      `toml:"allowed_origins"`
}

func Default() *Config {
	return &Config{
		Port:            "8081",
		RedisURL:        "redis://localhost:6379/0",
		RedisKeyPrefix:  "efsync:",
		DatabaseURL:     "postgres://localhost/efsync?sslmode=disable",
		JWTIssuer:       "efchat",
		FreshnessWindow: 5 * time.Second,
		TypingTimeout:   3 * time.Second,
		LogLevel:        "info",
		AllowedOrigins: []string{
			"https://efchat.net",
			"https://app.efchat.net",
			"http://localhost:3000",
		},
	}
}

// Load builds a Config. envFiles are passed to godotenv; a missing .env is
// not an error. Variables already set in the environment win over .env.
func Load(envFiles ...string) (*Config, error) {
	cfg := Default()

	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.LoadTOML(path); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) LoadTOML(path string) error {
	if _, err := toml.DecodeFile(path, c); err != nil {
		return fmt.Errorf("failed to decode TOML file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv() error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("PORT", &c.Port)
	setString("REDIS_URL", &c.RedisURL)
	setString("REDIS_KEY_PREFIX", &c.RedisKeyPrefix)
	setString("DATABASE_URL", &c.DatabaseURL)
	setString("JWT_SECRET", &c.JWTSecret)
	setString("JWT_ISSUER", &c.JWTIssuer)
	setString("LOG_LEVEL", &c.LogLevel)

	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = nil
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				c.AllowedOrigins = append(c.AllowedOrigins, origin)
			}
		}
	}

	var err error
	for key, dst := range map[string]*time.Duration{
		"FRESHNESS_WINDOW": &c.FreshnessWindow,
		"TYPING_TIMEOUT":   &c.TypingTimeout,
	} {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		d, perr := time.ParseDuration(v)
		if perr != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", key, perr))
			continue
		}
		*dst = d
	}
	return err
}

// ValidationError reports one bad field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate returns every problem found, combined with multierr.
func (c *Config) Validate() error {
	var err error
	if c.JWTSecret == "" {
		err = multierr.Append(err, ValidationError{Field: "jwt_secret", Message: "is required"})
	}
	if c.Port == "" {
		err = multierr.Append(err, ValidationError{Field: "port", Message: "is required"})
	}
	if c.RedisURL == "" {
		err = multierr.Append(err, ValidationError{Field: "redis_url", Message: "is required"})
	}
	if c.FreshnessWindow <= 0 {
		err = multierr.Append(err, ValidationError{Field: "freshness_window", Message: "must be positive"})
	}
	if c.TypingTimeout <= 0 {
		err = multierr.Append(err, ValidationError{Field: "typing_timeout", Message: "must be positive"})
	}
	if _, lerr := c.Level(); lerr != nil {
		err = multierr.Append(err, ValidationError{Field: "log_level", Message: lerr.Error()})
	}
	return err
}

// Level parses LogLevel.
func (c *Config) Level() (zapcore.Level, error) {
	return zapcore.ParseLevel(c.LogLevel)
}
