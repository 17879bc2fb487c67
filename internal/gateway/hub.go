// Package gateway implements the push-channel semantics on top of the
// socket transport: presence announcements, direct message relay and
// typing relay. Deliveries go through a messaging.Bus so that any gateway
// process holding a recipient's sockets can write to them.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/parley/chat-app/internal/chat"
	"github.com/parley/chat-app/internal/messaging"
	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/presence"
	"github.com/parley/chat-app/internal/protocol"
	"github.com/parley/chat-app/internal/ratelimit"
)

// Client is a single push-channel socket as seen by the hub.
type Client interface {
	SocketID() string
	AuthUserID() string // "" when the socket connected without a token
	WriteMessage(data []byte) error
}

// Transport writes frames to sockets owned by this process.
type Transport interface {
	SendMessage(socketID string, data []byte) error
	Broadcast(data []byte)
}

// delivery is what travels on the bus for one user.
type delivery struct {
	Exclude string          `json:"exclude,omitempty"` // originating socket
	Payload json.RawMessage `json:"payload"`
}

// Hub tracks which local sockets speak for which user and relays events
// between them.
type Hub struct {
	transport Transport
	registry  presence.Registry
	bus       messaging.Bus
	limiter   ratelimit.Allower

	mu      sync.RWMutex
	users   map[string]string              // socket_id -> user_id
	sockets map[string]map[string]struct{} // user_id -> local socket_ids
}

// NewHub creates a Hub and subscribes it to the bus. A nil limiter
// disables rate limiting.
func NewHub(transport Transport, registry presence.Registry, bus messaging.Bus, limiter ratelimit.Allower) (*Hub, error) {
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	h := &Hub{
		transport: transport,
		registry:  registry,
		bus:       bus,
		limiter:   limiter,
		users:     make(map[string]string),
		sockets:   make(map[string]map[string]struct{}),
	}

	if err := bus.SubscribeUsers(h.deliverLocal); err != nil {
		return nil, fmt.Errorf("gateway: subscribe users: %w", err)
	}
	if err := bus.SubscribePresence(func([]byte) { h.broadcastPresence(context.Background()) }); err != nil {
		return nil, fmt.Errorf("gateway: subscribe presence: %w", err)
	}
	return h, nil
}

// Connected sends the current presence list to a freshly connected socket.
func (h *Hub) Connected(ctx context.Context, c Client) {
	data, _, err := h.presenceFrame(ctx)
	if err != nil {
		log.Printf("[gateway] presence snapshot for socket=%s: %v", c.SocketID(), err)
		return
	}
	if err := c.WriteMessage(data); err != nil {
		log.Printf("[gateway] send presence snapshot socket=%s: %v", c.SocketID(), err)
	}
}

// UserOnline binds the socket to the announced user and publishes the
// presence change. A token-authenticated socket can only announce its own
// user. The socket ID in the payload is ignored in favor of the real one.
func (h *Hub) UserOnline(ctx context.Context, c Client, entry protocol.PresenceEntry) {
	if entry.UserID == "" {
		h.sendError(c, protocol.CodeInvalidMessage, "userId is required")
		return
	}
	if auth := c.AuthUserID(); auth != "" && auth != entry.UserID {
		h.sendError(c, protocol.CodeForbidden, "cannot announce another user")
		return
	}

	sid := c.SocketID()
	if !h.bind(sid, entry.UserID) {
		return // already announced
	}

	if err := h.registry.Add(ctx, presence.Entry{SocketID: sid, UserID: entry.UserID}); err != nil {
		log.Printf("[gateway] presence add socket=%s user=%s: %v", sid, entry.UserID, err)
	}
	log.Printf("[gateway] user online user=%s socket=%s", entry.UserID, sid)
	h.publishPresence(ctx, sid)
}

// SendMessage relays a direct message to every socket of the receiver and
// to the sender's other sockets. The originating socket never gets an echo.
func (h *Hub) SendMessage(ctx context.Context, c Client, msg protocol.Message) {
	start := time.Now()

	sender, ok := h.identify(c, msg.Sender)
	if !ok {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return
	}
	msg.Sender = sender

	if err := chat.ValidateParticipants(msg.Sender, msg.Receiver); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		h.sendError(c, protocol.CodeInvalidMessage, err.Error())
		return
	}
	if err := chat.ValidateMessage(msg.Content); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		h.sendError(c, protocol.CodeInvalidMessage, err.Error())
		return
	}

	if allowed, _ := h.limiter.Allow(ctx, sender, ratelimit.RuleMessage); !allowed {
		metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
		h.sendError(c, protocol.CodeRateLimited, "too many messages, slow down")
		return
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	data, err := protocol.NewServerMessage(protocol.TypeReceiveMessage, msg)
	if err != nil {
		log.Printf("[gateway] encode message socket=%s: %v", c.SocketID(), err)
		h.sendError(c, protocol.CodeInternal, "failed to relay message")
		return
	}

	h.publish(msg.Receiver, c.SocketID(), data)
	if msg.Sender != msg.Receiver {
		h.publish(msg.Sender, c.SocketID(), data)
	}

	metrics.MessagesTotal.WithLabelValues("relayed").Inc()
	metrics.RelayLatency.Observe(time.Since(start).Seconds())
}

// Typing relays a typing or stopTyping event to the receiver. The event
// type decides the flag, whatever the payload says. Rate-limited typing
// events are dropped without an error.
func (h *Hub) Typing(ctx context.Context, c Client, ind protocol.TypingIndicator, typing bool) {
	sender, ok := h.identify(c, ind.Sender)
	if !ok {
		return
	}
	if ind.Receiver == "" {
		h.sendError(c, protocol.CodeInvalidMessage, "receiver is required")
		return
	}
	if allowed, _ := h.limiter.Allow(ctx, sender, ratelimit.RuleTyping); !allowed {
		return
	}

	ind.Sender = sender
	ind.Typing = typing

	data, err := protocol.NewServerMessage(protocol.TypeTypingIndicator, ind)
	if err != nil {
		log.Printf("[gateway] encode typing socket=%s: %v", c.SocketID(), err)
		return
	}
	h.publish(ind.Receiver, c.SocketID(), data)

	kind := protocol.TypeStopTyping
	if typing {
		kind = protocol.TypeTyping
	}
	metrics.TypingEventsTotal.WithLabelValues(kind).Inc()
}

// Disconnected forgets a socket. If it had announced a user, the presence
// list is recomputed and broadcast.
func (h *Hub) Disconnected(ctx context.Context, socketID string) {
	userID, ok := h.unbind(socketID)
	if !ok {
		return
	}
	if err := h.registry.Remove(ctx, socketID); err != nil {
		log.Printf("[gateway] presence remove socket=%s: %v", socketID, err)
	}
	log.Printf("[gateway] user offline user=%s socket=%s", userID, socketID)
	h.publishPresence(ctx, socketID)
}

// Refresh extends this gateway's presence entries.
func (h *Hub) Refresh(ctx context.Context) {
	if err := h.registry.Refresh(ctx); err != nil {
		log.Printf("[gateway] presence refresh: %v", err)
	}
}

// UserOf returns the user a local socket announced, or "".
func (h *Hub) UserOf(socketID string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.users[socketID]
}

// bind records socketID as speaking for userID. It reports false when the
// binding already existed. Re-announcing as another user moves the socket.
func (h *Hub) bind(socketID, userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev, ok := h.users[socketID]
	if ok && prev == userID {
		return false
	}
	if ok {
		h.dropLocked(socketID, prev)
	}

	h.users[socketID] = userID
	set, ok := h.sockets[userID]
	if !ok {
		set = make(map[string]struct{})
		h.sockets[userID] = set
	}
	set[socketID] = struct{}{}
	return true
}

func (h *Hub) unbind(socketID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userID, ok := h.users[socketID]
	if ok {
		h.dropLocked(socketID, userID)
	}
	return userID, ok
}

func (h *Hub) dropLocked(socketID, userID string) {
	delete(h.users, socketID)
	if set, ok := h.sockets[userID]; ok {
		delete(set, socketID)
		if len(set) == 0 {
			delete(h.sockets, userID)
		}
	}
}

// identify resolves the user a socket speaks for. A claimed identity, when
// present, must match the announced one.
func (h *Hub) identify(c Client, claimed string) (string, bool) {
	userID := h.UserOf(c.SocketID())
	if userID == "" {
		h.sendError(c, protocol.CodeNotIdentified, "announce userOnline first")
		return "", false
	}
	if claimed != "" && claimed != userID {
		h.sendError(c, protocol.CodeForbidden, "cannot send as another user")
		return "", false
	}
	return userID, true
}

func (h *Hub) publish(userID, exclude string, payload []byte) {
	data, err := json.Marshal(delivery{Exclude: exclude, Payload: payload})
	if err != nil {
		log.Printf("[gateway] encode delivery user=%s: %v", userID, err)
		return
	}
	if err := h.bus.PublishToUser(userID, data); err != nil {
		log.Printf("[gateway] publish to user=%s: %v", userID, err)
	}
}

// deliverLocal writes a bus delivery to this process's sockets of userID.
func (h *Hub) deliverLocal(userID string, data []byte) {
	var d delivery
	if err := json.Unmarshal(data, &d); err != nil {
		log.Printf("[gateway] bad delivery for user=%s: %v", userID, err)
		return
	}

	h.mu.RLock()
	targets := lo.Without(lo.Keys(h.sockets[userID]), d.Exclude)
	h.mu.RUnlock()

	for _, sid := range targets {
		if err := h.transport.SendMessage(sid, d.Payload); err != nil {
			log.Printf("[gateway] deliver to socket=%s: %v", sid, err)
		}
	}
}

func (h *Hub) publishPresence(ctx context.Context, socketID string) {
	if err := h.bus.PublishPresence([]byte(socketID)); err != nil {
		log.Printf("[gateway] publish presence: %v", err)
		// Keep this gateway's sockets current even without the bus.
		h.broadcastPresence(ctx)
	}
}

// broadcastPresence sends the full presence list to every local socket.
func (h *Hub) broadcastPresence(ctx context.Context) {
	data, users, err := h.presenceFrame(ctx)
	if err != nil {
		log.Printf("[gateway] presence list: %v", err)
		return
	}
	metrics.OnlineUsers.Set(float64(users))
	h.transport.Broadcast(data)
}

// presenceFrame encodes the presence list and counts distinct users.
func (h *Hub) presenceFrame(ctx context.Context) ([]byte, int, error) {
	entries, err := h.registry.List(ctx)
	if err != nil {
		return nil, 0, err
	}

	list := lo.Map(entries, func(e presence.Entry, _ int) protocol.PresenceEntry {
		return protocol.PresenceEntry{SocketID: e.SocketID, UserID: e.UserID}
	})
	users := len(lo.Uniq(lo.Map(entries, func(e presence.Entry, _ int) string { return e.UserID })))

	data, err := protocol.NewServerMessage(protocol.TypeOnlineUsers, list)
	if err != nil {
		return nil, 0, err
	}
	return data, users, nil
}

func (h *Hub) sendError(c Client, code, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
	if err != nil {
		log.Printf("[gateway] encode error socket=%s: %v", c.SocketID(), err)
		return
	}
	if err := c.WriteMessage(data); err != nil {
		log.Printf("[gateway] send error socket=%s: %v", c.SocketID(), err)
	}
}
