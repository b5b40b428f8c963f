// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package chat

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	// DefaultFreshnessWindow is how old a message may be and still notify.
	DefaultFreshnessWindow = 5 * time.Second

	// DefaultTypingTimeout is how long a typing flag lives without a keystroke.
	DefaultTypingTimeout = 3 * time.Second
)

type Options struct {
	FreshnessWindow time.Duration
	TypingTimeout   time.Duration

	// Clock drives typing timers and the freshness window. Tests use clock.NewMock().
	Clock  clock.Clock
	Logger *zap.Logger
}

func DefaultOptions() Options {
	return Options{
		FreshnessWindow: DefaultFreshnessWindow,
		TypingTimeout:   DefaultTypingTimeout,
		Clock:           clock.New(),
		Logger:          zap.NewNop(),
	}
}

// withDefaults fills zero fields from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.FreshnessWindow <= 0 {
		o.FreshnessWindow = d.FreshnessWindow
	}
	if o.TypingTimeout <= 0 {
		o.TypingTimeout = d.TypingTimeout
	}
	if o.Clock == nil {
		o.Clock = d.Clock
	}
	if o.Logger == nil {
		o.Logger = d.Logger
	}
	return o
}
