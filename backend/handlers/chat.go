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

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/efchatnet/efsync/backend/chat"
	"github.com/efchatnet/efsync/backend/middleware"
	"github.com/efchatnet/efsync/backend/models"
	"github.com/efchatnet/efsync/backend/storage"
)

const defaultSearchLimit = 20

type ChatHandler struct {
	pool   *ClientPool
	users  storage.UserDirectory
	logger *zap.Logger
}

func NewChatHandler(pool *ClientPool, users storage.UserDirectory, logger *zap.Logger) *ChatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatHandler{pool: pool, users: users, logger: logger.Named("handlers")}
}

// RegisterRoutes mounts the chat API on an authenticated subrouter.
func (h *ChatHandler) RegisterRoutes(api *mux.Router) {
	api.HandleFunc("/session", h.Login).Methods("POST", "OPTIONS")
	api.HandleFunc("/session", h.Logout).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/notifications", h.Notifications).Methods("GET", "OPTIONS")
	api.HandleFunc("/users/search", h.SearchUsers).Methods("GET", "OPTIONS")

	api.HandleFunc("/conversations", h.ListConversations).Methods("GET", "OPTIONS")
	api.HandleFunc("/conversations/open", h.OpenConversations).Methods("GET", "OPTIONS")
	api.HandleFunc("/conversations/resolve", h.Resolve).Methods("POST", "OPTIONS")
	api.HandleFunc("/conversations/{conversationId}/open", h.Open).Methods("POST", "OPTIONS")
	api.HandleFunc("/conversations/{conversationId}/close", h.Close).Methods("POST", "OPTIONS")
	api.HandleFunc("/conversations/{conversationId}/read", h.MarkRead).Methods("POST", "OPTIONS")
	api.HandleFunc("/conversations/{conversationId}/messages", h.GetMessages).Methods("GET", "OPTIONS")
	api.HandleFunc("/conversations/{conversationId}/messages", h.SendMessage).Methods("POST", "OPTIONS")
	api.HandleFunc("/conversations/{conversationId}/typing", h.TypingUsers).Methods("GET", "OPTIONS")
	api.HandleFunc("/conversations/{conversationId}/typing", h.SetTyping).Methods("PUT", "OPTIONS")
	api.HandleFunc("/conversations/{conversationId}/users", h.Users).Methods("GET", "OPTIONS")
	api.HandleFunc("/conversations/{conversationId}/participants", h.AddParticipant).Methods("POST", "OPTIONS")
}

type conversationView struct {
	ID           string                             `json:"id"`
	Type         string                             `json:"type"`
	Title        string                             `json:"title"`
	Participants map[string]models.ParticipantState `json:"participants"`
	LastMessage  *models.Message                    `json:"lastMessage,omitempty"`
	MessageCount int                                `json:"messageCount"`
	Unread       bool                               `json:"unread"`
}

// Login starts (or resumes) the caller's sync session.
func (h *ChatHandler) Login(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	s, err := h.pool.Login(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":       s.UserID(),
		"conversations": len(s.Conversations()),
	})
}

func (h *ChatHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := h.pool.Logout(r.Context(), userID); err != nil {
		h.logger.Warn("logout did not complete cleanly", zap.String("user_id", userID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// ListConversations returns the inbox, most recent first.
func (h *ChatHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	convs := s.Conversations()
	views := make([]conversationView, 0, len(convs))
	for _, conv := range convs {
		views = append(views, h.view(r, s, conv))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversations": views,
		"count":         len(views),
	})
}

func (h *ChatHandler) OpenConversations(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"open": s.OpenConversations()})
}

// Resolve finds or creates the conversation for exactly the given participants.
func (h *ChatHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var req struct {
		Participants []string `json:"participants"`
		IncludeSelf  *bool    `json:"include_self"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	includeSelf := req.IncludeSelf == nil || *req.IncludeSelf

	id, err := s.ResolveSet(r.Context(), req.Participants, includeSelf)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"conversation_id": id})
}

func (h *ChatHandler) Open(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.Open(r.Context(), mux.Vars(r)["conversationId"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"open": s.OpenConversations()})
}

func (h *ChatHandler) Close(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	s.Close(mux.Vars(r)["conversationId"])
	writeJSON(w, http.StatusOK, map[string]interface{}{"open": s.OpenConversations()})
}

func (h *ChatHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	conversationID := mux.Vars(r)["conversationId"]
	if err := s.CheckParticipant(conversationID); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := s.MarkRead(r.Context(), conversationID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "marked_read"})
}

// GetMessages returns the local log in display order.
func (h *ChatHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	conversationID := mux.Vars(r)["conversationId"]
	if err := s.CheckParticipant(conversationID); err != nil {
		h.writeError(w, r, err)
		return
	}

	msgs := s.Messages(conversationID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": msgs,
		"count":    len(msgs),
	})
}

// SendMessage posts a message and clears the sender's typing flag.
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	conversationID := mux.Vars(r)["conversationId"]

	var req struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	msg, err := s.SendMessage(r.Context(), conversationID, req.Body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := s.SetTyping(r.Context(), conversationID, false); err != nil {
		h.logger.Warn("failed to clear typing flag", zap.String("conversation_id", conversationID), zap.Error(err))
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message_id": msg.ID,
		"message":    msg,
		"status":     "sent",
	})
}

func (h *ChatHandler) SetTyping(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var req struct {
		Typing bool `json:"typing"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.SetTyping(r.Context(), mux.Vars(r)["conversationId"], req.Typing); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) TypingUsers(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	names, err := s.TypingUsers(r.Context(), mux.Vars(r)["conversationId"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"typing": names})
}

func (h *ChatHandler) Users(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	users, err := s.UsersInConversation(r.Context(), mux.Vars(r)["conversationId"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"users": users})
}

// AddParticipant moves the caller to the conversation that also includes
// the new user. The old conversation is left untouched.
func (h *ChatHandler) AddParticipant(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	id, err := s.AddParticipant(r.Context(), req.UserID, mux.Vars(r)["conversationId"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"conversation_id": id})
}

// SearchUsers backs the add-people dialog.
func (h *ChatHandler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.GetUserID(r); !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if h.users == nil {
		http.Error(w, "User directory unavailable", http.StatusServiceUnavailable)
		return
	}

	limit := defaultSearchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	users, err := h.users.SearchUsers(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"users": users,
		"count": len(users),
	})
}

// Notifications returns fresh incoming messages since the last poll.
func (h *ChatHandler) Notifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	notes, err := h.pool.Notifications(userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": notes,
		"count":         len(notes),
	})
}

func (h *ChatHandler) session(w http.ResponseWriter, r *http.Request) (*chat.Session, bool) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	s, err := h.pool.Session(userID)
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	return s, true
}

func (h *ChatHandler) view(r *http.Request, s *chat.Session, conv *models.Conversation) conversationView {
	title, err := s.Title(r.Context(), conv.ID)
	if err != nil {
		h.logger.Debug("no title", zap.String("conversation_id", conv.ID), zap.Error(err))
	}
	return conversationView{
		ID:           conv.ID,
		Type:         conv.Type,
		Title:        title,
		Participants: conv.Participants,
		LastMessage:  conv.LastMessage,
		MessageCount: s.MessageCount(conv.ID),
		Unread:       s.IsUnread(conv.ID),
	}
}

func (h *ChatHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, chat.ErrInvalidArgument):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, chat.ErrUnknownConversation), errors.Is(err, storage.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, chat.ErrNotParticipant):
		http.Error(w, "Not a participant", http.StatusForbidden)
	case errors.Is(err, chat.ErrNotLoggedIn), errors.Is(err, chat.ErrSessionClosed):
		http.Error(w, "No active chat session", http.StatusConflict)
	default:
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
