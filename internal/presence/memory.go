package presence

import (
	"context"
	"sync"

	"github.com/samber/lo"
)

// MemoryRegistry keeps presence in process memory. It is used when the
// gateway runs without Redis.
type MemoryRegistry struct {
	mu      sync.RWMutex
	sockets map[string]string // socket_id -> user_id
}

// NewMemoryRegistry creates an empty MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{sockets: make(map[string]string)}
}

// Add implements Registry.
func (r *MemoryRegistry) Add(_ context.Context, entry Entry) error {
	r.mu.Lock()
	r.sockets[entry.SocketID] = entry.UserID
	r.mu.Unlock()
	return nil
}

// Remove implements Registry.
func (r *MemoryRegistry) Remove(_ context.Context, socketID string) error {
	r.mu.Lock()
	delete(r.sockets, socketID)
	r.mu.Unlock()
	return nil
}

// List implements Registry.
func (r *MemoryRegistry) List(_ context.Context) ([]Entry, error) {
	r.mu.RLock()
	entries := lo.MapToSlice(r.sockets, func(socketID, userID string) Entry {
		return Entry{SocketID: socketID, UserID: userID}
	})
	r.mu.RUnlock()

	sortEntries(entries)
	return entries, nil
}

// Refresh is a no-op: memory entries live as long as the process.
func (r *MemoryRegistry) Refresh(context.Context) error { return nil }

// Close clears the registry.
func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	r.sockets = make(map[string]string)
	r.mu.Unlock()
	return nil
}
