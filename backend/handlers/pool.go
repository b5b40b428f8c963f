// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package handlers

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/efchatnet/efsync/backend/chat"
	"github.com/efchatnet/efsync/backend/models"
	"github.com/efchatnet/efsync/backend/storage"
)

// DefaultInboxSize bounds the notifications kept per user between polls.
const DefaultInboxSize = 100

// Notification is a fresh incoming message waiting to be picked up.
type Notification struct {
	ConversationID string          `json:"conversationId"`
	Message        *models.Message `json:"message"`
}

// ClientPool holds one chat.Client per user logged in through the API.
type ClientPool struct {
	store     storage.RealtimeStore
	users     storage.UserDirectory
	opts      chat.Options
	inboxSize int
	logger    *zap.Logger

	mu      sync.Mutex
	clients map[string]*pooledClient
}

type pooledClient struct {
	client *chat.Client

	mu      sync.Mutex
	inbox   []Notification
	dropped int
}

func NewClientPool(store storage.RealtimeStore, users storage.UserDirectory, opts chat.Options) *ClientPool {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClientPool{
		store:     store,
		users:     users,
		opts:      opts,
		inboxSize: DefaultInboxSize,
		logger:    logger.Named("pool"),
		clients:   make(map[string]*pooledClient),
	}
}

// Login returns the user's session, starting one if needed.
func (p *ClientPool) Login(ctx context.Context, userID string) (*chat.Session, error) {
	p.mu.Lock()
	pc, ok := p.clients[userID]
	if !ok {
		pc = &pooledClient{client: chat.NewClient(p.store, p.users, p.opts)}
		pc.client.OnIncomingMessage(pc.push(p.inboxSize))
		p.clients[userID] = pc
	}
	p.mu.Unlock()

	s, err := pc.client.Login(ctx, userID)
	if err != nil {
		p.mu.Lock()
		if p.clients[userID] == pc {
			delete(p.clients, userID)
		}
		p.mu.Unlock()
		return nil, err
	}
	return s, nil
}

// Session returns the user's live session or chat.ErrNotLoggedIn.
func (p *ClientPool) Session(userID string) (*chat.Session, error) {
	p.mu.Lock()
	pc, ok := p.clients[userID]
	p.mu.Unlock()
	if !ok {
		return nil, chat.ErrNotLoggedIn
	}
	return pc.client.Session()
}

func (p *ClientPool) Logout(ctx context.Context, userID string) error {
	p.mu.Lock()
	pc, ok := p.clients[userID]
	delete(p.clients, userID)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return pc.client.Logout(ctx)
}

// Notifications drains the user's inbox.
func (p *ClientPool) Notifications(userID string) ([]Notification, error) {
	p.mu.Lock()
	pc, ok := p.clients[userID]
	p.mu.Unlock()
	if !ok {
		return nil, chat.ErrNotLoggedIn
	}

	pc.mu.Lock()
	out := pc.inbox
	dropped := pc.dropped
	pc.inbox = nil
	pc.dropped = 0
	pc.mu.Unlock()

	if dropped > 0 {
		p.logger.Warn("inbox overflowed", zap.String("user_id", userID), zap.Int("dropped", dropped))
	}
	if out == nil {
		out = []Notification{}
	}
	return out, nil
}

// Close logs everybody out.
func (p *ClientPool) Close(ctx context.Context) error {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]*pooledClient)
	p.mu.Unlock()

	var err error
	for _, pc := range clients {
		err = multierr.Append(err, pc.client.Logout(ctx))
	}
	return err
}

// push keeps the newest size notifications.
func (pc *pooledClient) push(size int) chat.Handler {
	return func(msg *models.Message, conversationID string) error {
		pc.mu.Lock()
		defer pc.mu.Unlock()
		pc.inbox = append(pc.inbox, Notification{ConversationID: conversationID, Message: msg})
		if over := len(pc.inbox) - size; over > 0 {
			pc.inbox = append([]Notification(nil), pc.inbox[over:]...)
			pc.dropped += over
		}
		return nil
	}
}
