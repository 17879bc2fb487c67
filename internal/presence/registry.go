// Package presence tracks which users are online and on which sockets. The
// full list is what the gateway broadcasts as GetOnlineUser.
package presence

import (
	"context"
	"sort"
)

// Entry binds one socket to the user that announced itself on it. A user
// with several tabs open has several entries.
type Entry struct {
	SocketID string `json:"socketId"`
	UserID   string `json:"userId"`
}

// Registry is the presence store shared by every gateway instance.
type Registry interface {
	// Add records entry, replacing any previous binding of the socket.
	Add(ctx context.Context, entry Entry) error
	// Remove forgets a socket. Removing an unknown socket is not an error.
	Remove(ctx context.Context, socketID string) error
	// List returns every entry sorted by user ID, then socket ID.
	List(ctx context.Context) ([]Entry, error)
	// Refresh extends the lifetime of this instance's entries.
	Refresh(ctx context.Context) error
	// Close releases the registry and drops this instance's entries.
	Close() error
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].UserID != entries[j].UserID {
			return entries[i].UserID < entries[j].UserID
		}
		return entries[i].SocketID < entries[j].SocketID
	})
}
