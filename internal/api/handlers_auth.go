package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/samber/lo"

	"github.com/parley/chat-app/internal/auth"
	"github.com/parley/chat-app/internal/ratelimit"
	"github.com/parley/chat-app/internal/store"
)

type tokenResponse struct {
	AccessToken string `json:"accessToken"`
}

type detailsResponse struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := auth.ValidateRegister(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		log.Printf("[api] hash password: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	u, err := s.store.CreateUser(r.Context(), store.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
	})
	switch {
	case errors.Is(err, store.ErrUsernameTaken):
		writeError(w, http.StatusConflict, "Username already taken")
		return
	case errors.Is(err, store.ErrEmailTaken):
		writeError(w, http.StatusConflict, "Email already registered")
		return
	case err != nil:
		log.Printf("[api] create user: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	log.Printf("[api] registered user=%s username=%s", u.ID, u.Username)
	s.writeToken(w, u)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if ok, _ := s.limiter.Allow(r.Context(), clientIP(r), ratelimit.RuleLogin); !ok {
		writeError(w, http.StatusTooManyRequests, "Too many login attempts, try again later")
		return
	}

	var req auth.LoginRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := auth.ValidateLogin(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	u, err := s.store.UserByUsername(r.Context(), req.Username)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("[api] lookup user: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	match, err := auth.ComparePassword(req.Password, u.PasswordHash)
	if err != nil {
		log.Printf("[api] compare password user=%s: %v", u.ID, err)
	}
	if !match {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	s.writeToken(w, u)
}

func (s *Server) writeToken(w http.ResponseWriter, u store.User) {
	token, err := s.issuer.Issue(u.ID, u.Username)
	if err != nil {
		log.Printf("[api] issue token user=%s: %v", u.ID, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusCreated, tokenResponse{AccessToken: token})
}

func (s *Server) handleDetails(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFrom(r.Context())

	u, err := s.store.UserByID(r.Context(), claims.UserID())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		log.Printf("[api] user details: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, detailsResponse{UserID: u.ID, Username: u.Username})
}

type userResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		log.Printf("[api] list users: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(users, func(u store.User, _ int) userResponse {
		return userResponse{ID: u.ID, Username: u.Username}
	}))
}
