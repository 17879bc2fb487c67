// Package dashboard holds the client-side state of the chat dashboard and
// the session that keeps it in sync with the REST service and the push
// channel.
package dashboard

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/parley/chat-app/internal/client"
	"github.com/parley/chat-app/internal/protocol"
)

const (
	StatusOnline  = "Online"
	StatusOffline = "Offline"
)

// TypingTTL bounds how long a typing indicator is shown when the matching
// stopTyping never arrives.
const TypingTTL = 5 * time.Second

type typingKey struct {
	sender   string
	receiver string
}

// State is the dashboard reducer. Every event from the REST service or the
// push channel is applied through one of its methods; View returns a
// snapshot for rendering. It is safe for concurrent use.
type State struct {
	mu sync.Mutex

	me        client.Details
	users     []client.User
	online    []protocol.PresenceEntry
	connected bool

	selected string
	gen      uint64
	loading  bool
	thread   []protocol.Message
	pending  []protocol.Message // live messages received while loading

	unread map[string]int
	typing map[typingKey]time.Time // expiry
}

// NewState returns an empty State.
func NewState() *State {
	return &State{
		unread: make(map[string]int),
		typing: make(map[typingKey]time.Time),
	}
}

// SetMe records the signed-in user.
func (s *State) SetMe(d client.Details) {
	s.mu.Lock()
	s.me = d
	s.mu.Unlock()
}

// Me returns the signed-in user.
func (s *State) Me() client.Details {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.me
}

// SetUsers replaces the user directory.
func (s *State) SetUsers(users []client.User) {
	s.mu.Lock()
	s.users = slices.Clone(users)
	s.mu.Unlock()
}

// HasUser reports whether userID is the signed-in user or in the directory.
func (s *State) HasUser(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if userID != "" && userID == s.me.UserID {
		return true
	}
	return lo.ContainsBy(s.users, func(u client.User) bool { return u.ID == userID })
}

// ApplyPresence replaces the online list with the latest broadcast.
func (s *State) ApplyPresence(entries []protocol.PresenceEntry) {
	s.mu.Lock()
	s.online = slices.Clone(entries)
	s.mu.Unlock()
}

// SetConnected records the push-channel state. While disconnected nothing
// is known about presence or typing, so both are cleared.
func (s *State) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = connected
	if !connected {
		s.online = nil
		clear(s.typing)
	}
}

// Select switches the open conversation to userID. The thread is cleared
// until history for the returned generation is applied.
func (s *State) Select(userID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.selected = userID
	s.loading = true
	s.thread = nil
	s.pending = nil
	delete(s.unread, userID)
	return s.gen
}

// Selected returns the open conversation's peer, or "".
func (s *State) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// ApplyHistory installs fetched history for generation gen. It returns
// false, and changes nothing, when the selection has moved on since.
// Live messages received while loading are merged in.
func (s *State) ApplyHistory(gen uint64, history []protocol.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return false
	}

	merged := make([]protocol.Message, 0, len(history)+len(s.pending))
	merged = append(merged, history...)
	merged = append(merged, s.pending...)
	merged = lo.UniqBy(merged, messageKey)
	slices.SortStableFunc(merged, func(a, b protocol.Message) int {
		return a.Timestamp.Compare(b.Timestamp)
	})

	s.thread = merged
	s.pending = nil
	s.loading = false
	return true
}

// ApplyMessage applies a message from the push channel or a local send.
func (s *State) ApplyMessage(m protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.typing, typingKey{sender: m.Sender, receiver: m.Receiver})

	if s.inSelected(m) {
		if s.loading {
			s.pending = appendUnique(s.pending, m)
		} else {
			s.thread = appendUnique(s.thread, m)
		}
		return
	}
	if m.Receiver == s.me.UserID && m.Sender != s.me.UserID {
		s.unread[m.Sender]++
	}
}

// ApplyTyping records a typing or stopTyping relay observed at now.
func (s *State) ApplyTyping(ind protocol.TypingIndicator, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := typingKey{sender: ind.Sender, receiver: ind.Receiver}
	if ind.Typing {
		s.typing[key] = now.Add(TypingTTL)
	} else {
		delete(s.typing, key)
	}
}

// Status returns StatusOnline when any socket of userID is present.
func (s *State) Status(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status(userID)
}

// IsTyping reports whether sender is typing to receiver at now.
func (s *State) IsTyping(sender, receiver string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isTyping(sender, receiver, now)
}

// UserView is one row of the user list.
type UserView struct {
	ID       string
	Username string
	IsMe     bool
	Status   string
	Typing   bool // typing to the signed-in user
	Unread   int
	Selected bool
}

// View is an immutable snapshot of State.
type View struct {
	Me           client.Details
	Connected    bool
	Users        []UserView
	OnlineUsers  int
	Selected     string
	SelectedName string
	Loading      bool
	Thread       []protocol.Message
}

// View returns a snapshot of the state at now.
func (s *State) View(now time.Time) View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := View{
		Me:          s.me,
		Connected:   s.connected,
		OnlineUsers: len(lo.Uniq(lo.Map(s.online, func(e protocol.PresenceEntry, _ int) string { return e.UserID }))),
		Selected:    s.selected,
		Loading:     s.loading,
		Thread:      slices.Clone(s.thread),
	}
	v.Users = lo.Map(s.users, func(u client.User, _ int) UserView {
		return UserView{
			ID:       u.ID,
			Username: u.Username,
			IsMe:     u.ID == s.me.UserID,
			Status:   s.status(u.ID),
			Typing:   s.isTyping(u.ID, s.me.UserID, now),
			Unread:   s.unread[u.ID],
			Selected: u.ID == s.selected,
		}
	})
	if u, ok := lo.Find(s.users, func(u client.User) bool { return u.ID == s.selected }); ok {
		v.SelectedName = u.Username
	} else if s.selected != "" && s.selected == s.me.UserID {
		v.SelectedName = s.me.Username
	}
	return v
}

func (s *State) status(userID string) string {
	if lo.ContainsBy(s.online, func(e protocol.PresenceEntry) bool { return e.UserID == userID }) {
		return StatusOnline
	}
	return StatusOffline
}

func (s *State) isTyping(sender, receiver string, now time.Time) bool {
	expiry, ok := s.typing[typingKey{sender: sender, receiver: receiver}]
	return ok && now.Before(expiry)
}

// inSelected reports whether m belongs to the open conversation.
func (s *State) inSelected(m protocol.Message) bool {
	if s.selected == "" || s.me.UserID == "" {
		return false
	}
	return (m.Sender == s.me.UserID && m.Receiver == s.selected) ||
		(m.Sender == s.selected && m.Receiver == s.me.UserID)
}

func appendUnique(list []protocol.Message, m protocol.Message) []protocol.Message {
	key := messageKey(m)
	if lo.ContainsBy(list, func(x protocol.Message) bool { return messageKey(x) == key }) {
		return list
	}
	return append(list, m)
}

// messageKey identifies a message. Messages that were never persisted have
// no ID and are keyed by their contents.
func messageKey(m protocol.Message) string {
	if m.ID != "" {
		return m.ID
	}
	return strings.Join([]string{
		m.Sender, m.Receiver, m.Timestamp.UTC().Format(time.RFC3339Nano), m.Content,
	}, "|")
}
