package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/parley/chat-app/internal/client"
	"github.com/parley/chat-app/internal/protocol"
)

// StopTypingDelay is how long the input must stay quiet before stopTyping
// is emitted.
const StopTypingDelay = 2 * time.Second

var (
	ErrEmptyMessage = errors.New("dashboard: message is empty")
	ErrNoSelection  = errors.New("dashboard: no conversation selected")
	ErrUnknownUser  = errors.New("dashboard: unknown user")
	ErrClosed       = errors.New("dashboard: session closed")
)

// API is the part of the REST service the dashboard uses.
type API interface {
	Details(ctx context.Context) (client.Details, error)
	Users(ctx context.Context) ([]client.User, error)
	Messages(ctx context.Context, sender, receiver string) ([]protocol.Message, error)
	SaveMessage(ctx context.Context, m protocol.Message) (protocol.Message, error)
}

// Channel is the push channel.
type Channel interface {
	On(event string, fn client.Handler) (off func())
	Emit(event string, payload interface{}) error
	Connected() bool
	SocketID() string
}

// Option configures a Session.
type Option func(*Session)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithStopTypingDelay overrides StopTypingDelay.
func WithStopTypingDelay(d time.Duration) Option {
	return func(s *Session) { s.stopDelay = d }
}

// Session drives a State from the REST service and the push channel. The
// handlers it registers are removed again by Close, so a Session never
// leaks listeners into a Channel that outlives it.
type Session struct {
	api    API
	ch     Channel
	tokens client.TokenStore
	state  *State

	now       func() time.Time
	stopDelay time.Duration

	mu          sync.Mutex
	offs        []func()
	closed      bool
	onChange    func(View)
	typingPeer  string
	typingTimer *time.Timer
}

// NewSession creates a Session. tokens may be nil when Logout is not used.
func NewSession(api API, ch Channel, tokens client.TokenStore, opts ...Option) *Session {
	s := &Session{
		api:       api,
		ch:        ch,
		tokens:    tokens,
		state:     NewState(),
		now:       time.Now,
		stopDelay: StopTypingDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the underlying reducer.
func (s *Session) State() *State { return s.state }

// View returns a snapshot of the current state.
func (s *Session) View() View { return s.state.View(s.now()) }

// OnChange sets the callback invoked with a fresh View after every state
// change. It replaces any previous callback.
func (s *Session) OnChange(fn func(View)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Start registers the push-channel handlers and loads the signed-in user,
// the user directory and the conversation with oneself. Calling Start
// again reloads without registering the handlers twice.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.offs == nil {
		s.offs = []func(){
			s.ch.On(protocol.TypeConnect, s.handleConnect),
			s.ch.On(protocol.TypeDisconnect, s.handleDisconnect),
			s.ch.On(protocol.TypeOnlineUsers, s.handleOnlineUsers),
			s.ch.On(protocol.TypeReceiveMessage, s.handleReceiveMessage),
			s.ch.On(protocol.TypeTypingIndicator, s.handleTypingIndicator),
			s.ch.On(protocol.TypeError, s.handleError),
		}
	}
	s.mu.Unlock()

	me, err := s.api.Details(ctx)
	if err != nil {
		return fmt.Errorf("dashboard: fetch details: %w", err)
	}
	s.state.SetMe(me)

	users, err := s.api.Users(ctx)
	if err != nil {
		return fmt.Errorf("dashboard: fetch users: %w", err)
	}
	s.state.SetUsers(users)

	if s.ch.Connected() {
		s.state.SetConnected(true)
		s.announce()
	}
	s.notify()

	return s.Select(ctx, me.UserID)
}

// Select opens the conversation with userID and loads its history. A
// history response that arrives after a newer selection is discarded.
func (s *Session) Select(ctx context.Context, userID string) error {
	if !s.state.HasUser(userID) {
		return ErrUnknownUser
	}
	if peer := s.currentTypingPeer(); peer != "" && peer != userID {
		s.stopTyping()
	}

	gen := s.state.Select(userID)
	s.notify()

	me := s.state.Me()
	history, err := s.api.Messages(ctx, me.UserID, userID)
	if err != nil {
		// Show whatever arrived live instead of spinning forever.
		if s.state.ApplyHistory(gen, nil) {
			s.notify()
		}
		return fmt.Errorf("dashboard: fetch history: %w", err)
	}
	if s.state.ApplyHistory(gen, history) {
		s.notify()
	}
	return nil
}

// Send persists content as a message to the selected user, relays it on
// the push channel and appends it to the thread. When persisting fails the
// error is returned and nothing is relayed, so the caller keeps the draft.
func (s *Session) Send(ctx context.Context, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	peer := s.state.Selected()
	if peer == "" {
		return ErrNoSelection
	}

	msg := protocol.Message{
		Sender:    s.state.Me().UserID,
		Receiver:  peer,
		Content:   content,
		Timestamp: s.now().UTC(),
	}
	saved, err := s.api.SaveMessage(ctx, msg)
	if err != nil {
		return fmt.Errorf("dashboard: save message: %w", err)
	}

	s.stopTyping()
	if err := s.ch.Emit(protocol.TypeSendMessage, saved); err != nil {
		// Saved already; the receiver will see it in history.
		log.Printf("[dashboard] relay message %s: %v", saved.ID, err)
	}
	s.state.ApplyMessage(saved)
	s.notify()
	return nil
}

// Typing reports a keystroke in the input. The first keystroke of a burst
// emits typing; stopTyping follows once the input has been quiet for the
// stop delay.
func (s *Session) Typing() error {
	me := s.state.Me().UserID
	peer := s.state.Selected()
	if peer == "" || me == "" {
		return ErrNoSelection
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.typingTimer != nil && s.typingPeer == peer {
		s.typingTimer.Reset(s.stopDelay)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.stopTyping()
	if err := s.ch.Emit(protocol.TypeTyping, protocol.TypingIndicator{Sender: me, Receiver: peer, Typing: true}); err != nil {
		return fmt.Errorf("dashboard: emit typing: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.typingPeer = peer
	var timer *time.Timer
	timer = time.AfterFunc(s.stopDelay, func() {
		s.mu.Lock()
		current := s.typingTimer == timer
		s.mu.Unlock()
		if current {
			s.stopTyping()
		}
	})
	s.typingTimer = timer
	return nil
}

// Logout forgets the stored token and closes the session.
func (s *Session) Logout() error {
	if s.tokens != nil {
		if err := s.tokens.Clear(); err != nil {
			return fmt.Errorf("dashboard: clear token: %w", err)
		}
	}
	s.Close()
	return nil
}

// Close removes every push-channel handler and cancels the pending
// stopTyping. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	offs := s.offs
	s.offs = nil
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
		s.typingPeer = ""
	}
	s.mu.Unlock()

	for _, off := range offs {
		off()
	}
}

// announce tells the gateway which user the current socket speaks for.
func (s *Session) announce() {
	me := s.state.Me()
	socketID := s.ch.SocketID()
	if me.UserID == "" || socketID == "" {
		return
	}
	entry := protocol.PresenceEntry{SocketID: socketID, UserID: me.UserID}
	if err := s.ch.Emit(protocol.TypeUserOnline, entry); err != nil {
		log.Printf("[dashboard] announce presence: %v", err)
	}
}

func (s *Session) currentTypingPeer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.typingTimer == nil {
		return ""
	}
	return s.typingPeer
}

// stopTyping ends the current typing burst, if any.
func (s *Session) stopTyping() {
	s.mu.Lock()
	if s.typingTimer == nil {
		s.mu.Unlock()
		return
	}
	s.typingTimer.Stop()
	s.typingTimer = nil
	peer := s.typingPeer
	s.typingPeer = ""
	s.mu.Unlock()

	ind := protocol.TypingIndicator{Sender: s.state.Me().UserID, Receiver: peer, Typing: false}
	if err := s.ch.Emit(protocol.TypeStopTyping, ind); err != nil {
		log.Printf("[dashboard] emit stopTyping: %v", err)
	}
}

func (s *Session) notify() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn(s.View())
	}
}

func (s *Session) handleConnect(json.RawMessage) {
	s.state.SetConnected(true)
	s.announce()
	s.notify()
}

func (s *Session) handleDisconnect(json.RawMessage) {
	s.state.SetConnected(false)
	s.notify()
}

func (s *Session) handleOnlineUsers(data json.RawMessage) {
	var entries []protocol.PresenceEntry
	if err := protocol.Decode(data, &entries); err != nil {
		log.Printf("[dashboard] bad %s payload: %v", protocol.TypeOnlineUsers, err)
		return
	}
	s.state.ApplyPresence(entries)
	s.notify()
}

func (s *Session) handleReceiveMessage(data json.RawMessage) {
	var msg protocol.Message
	if err := protocol.Decode(data, &msg); err != nil {
		log.Printf("[dashboard] bad %s payload: %v", protocol.TypeReceiveMessage, err)
		return
	}
	s.state.ApplyMessage(msg)
	s.notify()
}

func (s *Session) handleTypingIndicator(data json.RawMessage) {
	var ind protocol.TypingIndicator
	if err := protocol.Decode(data, &ind); err != nil {
		log.Printf("[dashboard] bad %s payload: %v", protocol.TypeTypingIndicator, err)
		return
	}
	s.state.ApplyTyping(ind, s.now())
	s.notify()
}

func (s *Session) handleError(data json.RawMessage) {
	var e protocol.ErrorMsg
	if err := protocol.Decode(data, &e); err != nil {
		return
	}
	log.Printf("[dashboard] server error %s: %s", e.Code, e.Message)
}
