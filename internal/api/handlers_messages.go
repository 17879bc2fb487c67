package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/parley/chat-app/internal/auth"
	"github.com/parley/chat-app/internal/chat"
	"github.com/parley/chat-app/internal/store"
)

// createMessageRequest is the body of POST /messages. An empty sender
// defaults to the caller.
type createMessageRequest struct {
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFrom(r.Context())
	vars := mux.Vars(r)
	sender, receiver := vars["senderId"], vars["receiverId"]

	if me := claims.UserID(); me != sender && me != receiver {
		writeError(w, http.StatusForbidden, "Forbidden")
		return
	}

	limit := store.DefaultConversationLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	msgs, err := s.store.Conversation(r.Context(), sender, receiver, limit)
	if err != nil {
		log.Printf("[api] conversation %s/%s: %v", sender, receiver, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFrom(r.Context())

	var req createMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Sender == "" {
		req.Sender = claims.UserID()
	}
	if req.Sender != claims.UserID() {
		writeError(w, http.StatusForbidden, "Cannot send as another user")
		return
	}
	if err := chat.ValidateParticipants(req.Sender, req.Receiver); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := chat.ValidateMessage(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := s.store.UserByID(r.Context(), req.Receiver); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Receiver not found")
			return
		}
		log.Printf("[api] lookup receiver: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	m, err := s.store.SaveMessage(r.Context(), store.Message{
		Sender:    req.Sender,
		Receiver:  req.Receiver,
		Content:   req.Content,
		Timestamp: req.Timestamp,
	})
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Receiver not found")
		return
	}
	if err != nil {
		log.Printf("[api] save message: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusCreated, m)
}
