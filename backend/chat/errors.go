// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package chat

import "errors"

var (
	// ErrInvalidArgument marks a malformed call. Nothing was written.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrSessionClosed is returned by a session after logout.
	ErrSessionClosed = errors.New("session closed")

	// ErrNotLoggedIn is returned when the client has no active session.
	ErrNotLoggedIn = errors.New("not logged in")

	// ErrUnknownConversation is returned for conversations missing from the cache.
	ErrUnknownConversation = errors.New("unknown conversation")

	// ErrNotParticipant is returned when the current user is not a member
	// of a cached conversation.
	ErrNotParticipant = errors.New("not a participant")
)
