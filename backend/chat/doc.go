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

// Package chat is the conversation sync engine.
//
// A Client owns the login lifecycle. Each login creates a Session, which
// holds every piece of cached state for that user:
//
//   - ConversationIndex follows conversationsByUser/{me} and tracks each id.
//   - ConversationCache keeps the latest snapshot of every tracked conversation.
//   - MessageLog collects messages per conversation, deduplicated by id.
//   - Resolver finds or creates the conversation for an exact participant set.
//   - TypingPresence writes debounced isTyping flags.
//   - OpenSet is the ordered list of conversations on screen.
//   - Notifier fans fresh incoming messages out to registered handlers.
//
// Logout tears the session down; nothing cached survives into the next one.
//
// Session state sits behind a single mutex that is never held while calling
// the realtime store or a notifier handler. Stores may deliver callbacks
// synchronously from inside a write.
package chat
