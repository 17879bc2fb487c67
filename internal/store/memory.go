package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in process memory. It backs development runs
// without DATABASE_URL and the REST tests.
type MemoryStore struct {
	mu         sync.RWMutex
	users      map[string]User   // id -> user
	byUsername map[string]string // lower(username) -> id
	byEmail    map[string]string // lower(email) -> id
	messages   []Message         // insertion order
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]User),
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
	}
}

// CreateUser implements Store.
func (s *MemoryStore) CreateUser(_ context.Context, u User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nameKey := strings.ToLower(u.Username)
	emailKey := strings.ToLower(u.Email)
	if _, ok := s.byUsername[nameKey]; ok {
		return User{}, ErrUsernameTaken
	}
	if _, ok := s.byEmail[emailKey]; ok {
		return User{}, ErrEmailTaken
	}

	u.ID = uuid.New().String()
	u.CreatedAt = time.Now().UTC()
	s.users[u.ID] = u
	s.byUsername[nameKey] = u.ID
	s.byEmail[emailKey] = u.ID
	return u, nil
}

// UserByID implements Store.
func (s *MemoryStore) UserByID(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

// UserByUsername implements Store.
func (s *MemoryStore) UserByUsername(_ context.Context, username string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byUsername[strings.ToLower(username)]
	if !ok {
		return User{}, ErrNotFound
	}
	return s.users[id], nil
}

// ListUsers implements Store.
func (s *MemoryStore) ListUsers(_ context.Context) ([]User, error) {
	s.mu.RLock()
	users := make([]User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	s.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool {
		return strings.ToLower(users[i].Username) < strings.ToLower(users[j].Username)
	})
	return users, nil
}

// SaveMessage implements Store.
func (s *MemoryStore) SaveMessage(_ context.Context, m Message) (Message, error) {
	m.ID = uuid.New().String()
	m.Timestamp = NormalizeTimestamp(m.Timestamp)

	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()
	return m, nil
}

// Conversation implements Store.
func (s *MemoryStore) Conversation(_ context.Context, a, b string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultConversationLimit
	}

	s.mu.RLock()
	var out []Message
	for _, m := range s.messages {
		if (m.Sender == a && m.Receiver == b) || (m.Sender == b && m.Receiver == a) {
			out = append(out, m)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	if out == nil {
		out = []Message{}
	}
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
