// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package chat

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/efchatnet/efsync/backend/models"
)

// Handler is called for every fresh message sent by someone else.
type Handler func(msg *models.Message, conversationID string) error

// Notifier runs handlers in registration order. A failing or panicking
// handler is logged and skipped; Dispatch itself never fails.
type Notifier struct {
	mu       sync.Mutex
	nextID   uint64
	handlers []registeredHandler
	logger   *zap.Logger
}

type registeredHandler struct {
	id uint64
	fn Handler
}

func NewNotifier(logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{logger: logger.Named("notifier")}
}

// OnIncomingMessage registers fn. The returned func removes it again.
func (n *Notifier) OnIncomingMessage(fn Handler) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	id := n.nextID
	n.handlers = append(n.handlers, registeredHandler{id: id, fn: fn})
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, h := range n.handlers {
			if h.id == id {
				n.handlers = append(n.handlers[:i:i], n.handlers[i+1:]...)
				return
			}
		}
	}
}

func (n *Notifier) Dispatch(msg *models.Message, conversationID string) {
	n.mu.Lock()
	handlers := make([]registeredHandler, len(n.handlers))
	copy(handlers, n.handlers)
	n.mu.Unlock()

	for _, h := range handlers {
		if err := n.call(h.fn, msg, conversationID); err != nil {
			n.logger.Error("incoming message handler failed",
				zap.String("conversation_id", conversationID),
				zap.String("message_id", msg.ID),
				zap.Error(err))
		}
	}
}

func (n *Notifier) call(fn Handler, msg *models.Message, conversationID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	// each handler gets its own copy
	return fn(msg.Clone(), conversationID)
}
