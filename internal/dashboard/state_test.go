package dashboard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley/chat-app/internal/client"
	"github.com/parley/chat-app/internal/protocol"
)

var t0 = time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)

func msg(id, from, to, content string, at time.Duration) protocol.Message {
	return protocol.Message{ID: id, Sender: from, Receiver: to, Content: content, Timestamp: t0.Add(at)}
}

func newTestState() *State {
	s := NewState()
	s.SetMe(client.Details{UserID: "alice", Username: "Alice"})
	s.SetUsers([]client.User{{ID: "alice", Username: "Alice"}, {ID: "bob", Username: "Bob"}, {ID: "carol", Username: "Carol"}})
	return s
}

func contents(msgs []protocol.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

func TestState_HistoryMergesLiveMessages(t *testing.T) {
	s := newTestState()
	gen := s.Select("bob")
	assert.True(t, s.View(t0).Loading)

	// Arrives while history is in flight, and is also part of history.
	s.ApplyMessage(msg("m2", "bob", "alice", "second", time.Minute))
	s.ApplyMessage(msg("m3", "bob", "alice", "third", 2*time.Minute))

	ok := s.ApplyHistory(gen, []protocol.Message{
		msg("m1", "alice", "bob", "first", 0),
		msg("m2", "bob", "alice", "second", time.Minute),
	})
	require.True(t, ok)

	v := s.View(t0)
	assert.False(t, v.Loading)
	assert.Equal(t, []string{"first", "second", "third"}, contents(v.Thread))

	s.ApplyMessage(msg("m3", "bob", "alice", "third", 2*time.Minute))
	assert.Len(t, s.View(t0).Thread, 3, "duplicate live message")
}

func TestState_StaleHistoryDiscarded(t *testing.T) {
	s := newTestState()
	old := s.Select("bob")
	cur := s.Select("carol")

	assert.False(t, s.ApplyHistory(old, []protocol.Message{msg("m1", "bob", "alice", "from bob", 0)}))
	assert.True(t, s.View(t0).Loading)

	require.True(t, s.ApplyHistory(cur, []protocol.Message{msg("m2", "carol", "alice", "from carol", 0)}))
	v := s.View(t0)
	assert.Equal(t, "carol", v.Selected)
	assert.Equal(t, "Carol", v.SelectedName)
	assert.Equal(t, []string{"from carol"}, contents(v.Thread))
}

func TestState_MessagesWithoutIDDeduplicateByContents(t *testing.T) {
	s := newTestState()
	require.True(t, s.ApplyHistory(s.Select("bob"), nil))

	m := msg("", "bob", "alice", "hi", 0)
	s.ApplyMessage(m)
	s.ApplyMessage(m)
	assert.Len(t, s.View(t0).Thread, 1)
}

func TestState_UnreadCounts(t *testing.T) {
	s := newTestState()
	require.True(t, s.ApplyHistory(s.Select("bob"), nil))

	s.ApplyMessage(msg("m1", "carol", "alice", "psst", 0))
	s.ApplyMessage(msg("m2", "carol", "alice", "hello?", time.Second))
	s.ApplyMessage(msg("m3", "carol", "bob", "not for alice", time.Second))

	v := s.View(t0)
	assert.Empty(t, v.Thread)
	assert.Equal(t, 2, v.Users[2].Unread)

	s.Select("carol")
	assert.Equal(t, 0, s.View(t0).Users[2].Unread)
}

func TestState_SelfConversation(t *testing.T) {
	s := newTestState()
	require.True(t, s.ApplyHistory(s.Select("alice"), nil))

	s.ApplyMessage(msg("m1", "alice", "alice", "note to self", 0))
	s.ApplyMessage(msg("m2", "alice", "bob", "to bob", 0))

	v := s.View(t0)
	assert.Equal(t, []string{"note to self"}, contents(v.Thread))
	assert.Equal(t, "Alice", v.SelectedName)
	assert.True(t, v.Users[0].IsMe)
}

func TestState_TypingKeyedPerPair(t *testing.T) {
	s := newTestState()

	s.ApplyTyping(protocol.TypingIndicator{Sender: "bob", Receiver: "alice", Typing: true}, t0)
	s.ApplyTyping(protocol.TypingIndicator{Sender: "carol", Receiver: "alice", Typing: true}, t0)
	s.ApplyTyping(protocol.TypingIndicator{Sender: "carol", Receiver: "alice", Typing: false}, t0)

	assert.True(t, s.IsTyping("bob", "alice", t0))
	assert.False(t, s.IsTyping("carol", "alice", t0))
	assert.False(t, s.IsTyping("alice", "bob", t0))

	v := s.View(t0)
	assert.True(t, v.Users[1].Typing)
	assert.False(t, v.Users[2].Typing)

	assert.False(t, s.IsTyping("bob", "alice", t0.Add(TypingTTL)), "expires without stopTyping")
}

func TestState_MessageClearsSenderTyping(t *testing.T) {
	s := newTestState()
	s.ApplyTyping(protocol.TypingIndicator{Sender: "bob", Receiver: "alice", Typing: true}, t0)
	s.ApplyMessage(msg("m1", "bob", "alice", "done typing", 0))
	assert.False(t, s.IsTyping("bob", "alice", t0))
}

func TestState_PresenceAndDisconnect(t *testing.T) {
	s := newTestState()
	s.SetConnected(true)
	s.ApplyPresence([]protocol.PresenceEntry{
		{SocketID: "s1", UserID: "bob"},
		{SocketID: "s2", UserID: "bob"},
		{SocketID: "s3", UserID: "alice"},
	})
	s.ApplyTyping(protocol.TypingIndicator{Sender: "bob", Receiver: "alice", Typing: true}, t0)

	assert.Equal(t, StatusOnline, s.Status("bob"))
	assert.Equal(t, StatusOffline, s.Status("carol"))
	v := s.View(t0)
	assert.Equal(t, 2, v.OnlineUsers)
	assert.True(t, v.Connected)

	s.SetConnected(false)
	v = s.View(t0)
	assert.False(t, v.Connected)
	assert.Zero(t, v.OnlineUsers)
	assert.Equal(t, StatusOffline, s.Status("bob"))
	assert.False(t, s.IsTyping("bob", "alice", t0))
}

func TestState_ViewIsSnapshot(t *testing.T) {
	s := newTestState()
	require.True(t, s.ApplyHistory(s.Select("bob"), []protocol.Message{msg("m1", "bob", "alice", "hi", 0)}))

	v := s.View(t0)
	v.Thread[0].Content = "changed"
	assert.Equal(t, "hi", s.View(t0).Thread[0].Content)
}

func TestFormatTimestamp(t *testing.T) {
	assert.Equal(t, "Jun 1, 2024, 9:30 AM", FormatTimestamp(t0, time.UTC))
	assert.Equal(t, "Jun 1, 2024, 9:05 PM", FormatTimestamp(t0.Add(11*time.Hour+35*time.Minute), time.UTC))
	assert.Equal(t, "green", StatusColor(StatusOnline))
	assert.Equal(t, "red", StatusColor(StatusOffline))
}
