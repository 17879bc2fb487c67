// Package store persists users and direct messages. The REST service is
// the only writer; the push gateway never touches storage.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a user does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrUsernameTaken is returned when registering an existing username.
	ErrUsernameTaken = errors.New("store: username already taken")
	// ErrEmailTaken is returned when registering an existing email.
	ErrEmailTaken = errors.New("store: email already registered")
)

// DefaultConversationLimit caps a history page when the caller asks for none.
const DefaultConversationLimit = 500

// User is a registered account. Usernames and emails are unique without
// regard to case.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"-"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"-"`
}

// Message is a persisted direct message.
type Message struct {
	ID        string    `json:"id,omitempty"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is implemented by MemoryStore and postgres.Store.
type Store interface {
	// CreateUser assigns an ID and creation time and inserts u.
	CreateUser(ctx context.Context, u User) (User, error)
	UserByID(ctx context.Context, id string) (User, error)
	UserByUsername(ctx context.Context, username string) (User, error)
	// ListUsers returns every user ordered by username.
	ListUsers(ctx context.Context) ([]User, error)
	// SaveMessage assigns an ID, and the current time when m has none.
	SaveMessage(ctx context.Context, m Message) (Message, error)
	// Conversation returns the last limit messages exchanged between a and
	// b, in either direction, oldest first.
	Conversation(ctx context.Context, a, b string, limit int) ([]Message, error)
	Close() error
}

// NormalizeTimestamp returns ts in UTC truncated to microseconds, the
// precision Postgres keeps, or now when ts is zero.
func NormalizeTimestamp(ts time.Time) time.Time {
	if ts.IsZero() {
		ts = time.Now()
	}
	return ts.UTC().Truncate(time.Microsecond)
}
