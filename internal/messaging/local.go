package messaging

import (
	"errors"
	"sync"
)

// ErrClosed is returned when publishing on a closed bus.
var ErrClosed = errors.New("messaging: bus closed")

// LocalBus delivers synchronously to in-process subscribers, in
// subscription order.
type LocalBus struct {
	mu       sync.RWMutex
	users    []UserHandler
	presence []PresenceHandler
	closed   bool
}

// NewLocalBus creates an empty LocalBus.
func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

// PublishToUser implements Bus.
func (b *LocalBus) PublishToUser(userID string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	handlers := append([]UserHandler(nil), b.users...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(userID, data)
	}
	return nil
}

// SubscribeUsers implements Bus.
func (b *LocalBus) SubscribeUsers(handler UserHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.users = append(b.users, handler)
	return nil
}

// PublishPresence implements Bus.
func (b *LocalBus) PublishPresence(data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	handlers := append([]PresenceHandler(nil), b.presence...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(data)
	}
	return nil
}

// SubscribePresence implements Bus.
func (b *LocalBus) SubscribePresence(handler PresenceHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.presence = append(b.presence, handler)
	return nil
}

// Close drops every subscriber. Later publishes fail with ErrClosed.
func (b *LocalBus) Close() {
	b.mu.Lock()
	b.closed = true
	b.users = nil
	b.presence = nil
	b.mu.Unlock()
}
