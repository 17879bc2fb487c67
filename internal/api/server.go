// Package api is the REST service: registration and login, user lookups and
// direct message history. Routes are served by gorilla/mux.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/parley/chat-app/internal/auth"
	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/ratelimit"
	"github.com/parley/chat-app/internal/store"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 64 << 10

// Server holds the REST dependencies.
type Server struct {
	store          store.Store
	issuer         *auth.Issuer
	limiter        ratelimit.Allower
	allowedOrigins []string
}

// NewServer creates a Server. A nil limiter disables login throttling; an
// empty origin list disables CORS headers.
func NewServer(st store.Store, issuer *auth.Issuer, limiter ratelimit.Allower, allowedOrigins []string) *Server {
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	return &Server{
		store:          st,
		issuer:         issuer,
		limiter:        limiter,
		allowedOrigins: allowedOrigins,
	}
}

// Handler returns the complete HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(instrument)
	r.Use(s.issuer.Middleware)

	r.HandleFunc("/health", handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)

	private := r.NewRoute().Subrouter()
	private.Use(auth.RequireUser)
	private.HandleFunc("/auth/details", s.handleDetails).Methods(http.MethodGet)
	private.HandleFunc("/auth/users", s.handleUsers).Methods(http.MethodGet)
	private.HandleFunc("/messages/{senderId}/{receiverId}", s.handleConversation).Methods(http.MethodGet)
	private.HandleFunc("/messages", s.handleCreateMessage).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Cannot "+r.Method+" "+r.URL.Path)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	// CORS wraps the router so that preflight requests never reach route
	// matching.
	return s.cors(r)
}
