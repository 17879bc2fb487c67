package gateway_test

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley/chat-app/internal/auth"
	"github.com/parley/chat-app/internal/client"
	"github.com/parley/chat-app/internal/gateway"
	"github.com/parley/chat-app/internal/messaging"
	"github.com/parley/chat-app/internal/presence"
	"github.com/parley/chat-app/internal/protocol"
	"github.com/parley/chat-app/internal/ws"
)

// startGateway runs a real server with the hub mounted, wired the way
// cmd/wsserver wires it, and returns its /ws URL.
func startGateway(t *testing.T, issuer *auth.Issuer) string {
	t.Helper()

	cfg := ws.DefaultServerConfig()
	cfg.WorkerPoolSize = 4
	cfg.MaxConnections = 16

	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(cfg, dispatcher.Dispatch)
	server.SetAuthenticator(issuer.UserID)

	bus := messaging.NewLocalBus()
	hub, err := gateway.NewHub(server, presence.NewMemoryRegistry(), bus, nil)
	require.NoError(t, err)
	hub.Mount(server, dispatcher)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = server.Serve(l) }()
	t.Cleanup(func() {
		_ = server.Shutdown()
		bus.Close()
	})

	return "ws://" + l.Addr().String() + "/ws"
}

func dialAs(t *testing.T, issuer *auth.Issuer, url, userID string) *client.Socket {
	t.Helper()
	token, err := issuer.Issue(userID, userID)
	require.NoError(t, err)

	sock, err := client.Dial(context.Background(), client.SocketConfig{URL: url, Token: token})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sock.Close() })

	require.Eventually(t, func() bool { return sock.SocketID() != "" }, 3*time.Second, 10*time.Millisecond)
	return sock
}

// collect forwards every payload of event on sock to the returned channel.
func collect(sock *client.Socket, event string) <-chan json.RawMessage {
	ch := make(chan json.RawMessage, 32)
	sock.On(event, func(data json.RawMessage) {
		select {
		case ch <- append(json.RawMessage(nil), data...):
		default:
		}
	})
	return ch
}

// waitPresence reads presence broadcasts until one lists exactly users.
func waitPresence(t *testing.T, ch <-chan json.RawMessage, users ...string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case raw := <-ch:
			var list []protocol.PresenceEntry
			require.NoError(t, protocol.Decode(raw, &list))
			got := lo.Uniq(lo.Map(list, func(e protocol.PresenceEntry, _ int) string { return e.UserID }))
			if assert.ObjectsAreEqual(users, got) {
				return
			}
		case <-deadline:
			t.Fatalf("no presence broadcast listing %v", users)
		}
	}
}

func announce(t *testing.T, sock *client.Socket, userID string) {
	t.Helper()
	require.NoError(t, sock.Emit(protocol.TypeUserOnline, protocol.PresenceEntry{SocketID: sock.SocketID(), UserID: userID}))
}

func TestGateway_EndToEnd(t *testing.T) {
	issuer, err := auth.NewIssuer("test-secret", time.Hour)
	require.NoError(t, err)
	url := startGateway(t, issuer)

	alice := dialAs(t, issuer, url, "alice")
	bob := dialAs(t, issuer, url, "bob")

	alicePresence := collect(alice, protocol.TypeOnlineUsers)
	bobPresence := collect(bob, protocol.TypeOnlineUsers)
	bobInbox := collect(bob, protocol.TypeReceiveMessage)
	bobTyping := collect(bob, protocol.TypeTypingIndicator)
	aliceInbox := collect(alice, protocol.TypeReceiveMessage)

	announce(t, alice, "alice")
	waitPresence(t, alicePresence, "alice")
	announce(t, bob, "bob")
	waitPresence(t, alicePresence, "alice", "bob")
	waitPresence(t, bobPresence, "alice", "bob")

	require.NoError(t, alice.Emit(protocol.TypeSendMessage, protocol.Message{
		ID: "m1", Sender: "alice", Receiver: "bob", Content: "héllo bob",
	}))
	select {
	case raw := <-bobInbox:
		var m protocol.Message
		require.NoError(t, protocol.Decode(raw, &m))
		assert.Equal(t, "m1", m.ID)
		assert.Equal(t, "alice", m.Sender)
		assert.Equal(t, "bob", m.Receiver)
		assert.Equal(t, "héllo bob", m.Content)
		assert.False(t, m.Timestamp.IsZero())
	case <-time.After(3 * time.Second):
		t.Fatal("bob never received the message")
	}

	require.NoError(t, alice.Emit(protocol.TypeTyping, protocol.TypingIndicator{Sender: "alice", Receiver: "bob"}))
	select {
	case raw := <-bobTyping:
		var ind protocol.TypingIndicator
		require.NoError(t, protocol.Decode(raw, &ind))
		assert.Equal(t, protocol.TypingIndicator{Sender: "alice", Receiver: "bob", Typing: true}, ind)
	case <-time.After(3 * time.Second):
		t.Fatal("bob never saw alice typing")
	}

	select {
	case raw := <-aliceInbox:
		t.Fatalf("message echoed to the sender: %s", raw)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, alice.Close())
	waitPresence(t, bobPresence, "bob")
}

func TestGateway_RejectsSpoofedSender(t *testing.T) {
	issuer, err := auth.NewIssuer("test-secret", time.Hour)
	require.NoError(t, err)
	url := startGateway(t, issuer)

	mallory := dialAs(t, issuer, url, "mallory")
	errs := collect(mallory, protocol.TypeError)

	require.NoError(t, mallory.Emit(protocol.TypeUserOnline, protocol.PresenceEntry{UserID: "alice"}))
	select {
	case raw := <-errs:
		var e protocol.ErrorMsg
		require.NoError(t, protocol.Decode(raw, &e))
		assert.Equal(t, protocol.CodeForbidden, e.Code)
	case <-time.After(3 * time.Second):
		t.Fatal("spoofed announce was not rejected")
	}
}
