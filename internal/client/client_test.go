package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley/chat-app/internal/protocol"
)

func TestFileTokenStore(t *testing.T) {
	s := FileTokenStore{Path: filepath.Join(t.TempDir(), "nested", "token")}

	tok, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, tok)

	require.NoError(t, s.Save("abc"))
	tok, err = s.Load()
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	require.NoError(t, s.Clear())
	require.NoError(t, s.Clear(), "clearing twice is fine")
	tok, err = s.Load()
	require.NoError(t, err)
	assert.Empty(t, tok)
}

func TestREST(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "secret1" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"statusCode":401,"message":"Invalid credentials"}`)
			return
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"accessToken":"tok-1"}`)
	})
	mux.HandleFunc("/api/auth/details", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"statusCode":401,"message":"Unauthorized"}`)
			return
		}
		fmt.Fprint(w, `{"userId":"u1","username":"alice"}`)
	})
	mux.HandleFunc("/api/messages/u1/u2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":"m1","sender":"u1","receiver":"u2","content":"hi","timestamp":"2024-01-02T03:04:05Z"}]`)
	})
	mux.HandleFunc("/api/messages", func(w http.ResponseWriter, r *http.Request) {
		var m protocol.Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		m.ID = "m2"
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(m)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tokens := &MemoryTokenStore{}
	c, err := NewREST(srv.URL+"/api", tokens, srv.Client())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.Details(ctx)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)

	err = c.Login(ctx, "alice", "nope")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Invalid credentials", apiErr.Message)

	require.NoError(t, c.Login(ctx, "alice", "secret1"))
	tok, _ := tokens.Load()
	assert.Equal(t, "tok-1", tok)

	d, err := c.Details(ctx)
	require.NoError(t, err)
	assert.Equal(t, Details{UserID: "u1", Username: "alice"}, d)

	msgs, err := c.Messages(ctx, "u1", "u2")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)

	saved, err := c.SaveMessage(ctx, protocol.Message{Sender: "u1", Receiver: "u2", Content: "yo"})
	require.NoError(t, err)
	assert.Equal(t, "m2", saved.ID)
	assert.Equal(t, "yo", saved.Content)
}

func TestNewREST_RejectsRelativeURL(t *testing.T) {
	_, err := NewREST("localhost:3001", &MemoryTokenStore{}, nil)
	assert.Error(t, err)
}

// fakeGateway greets every socket with a connect frame and records the
// frames it receives.
type fakeGateway struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader
	refuse   atomic.Bool
	count    atomic.Int32
	received chan protocol.Envelope

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakeGateway(t *testing.T) *fakeGateway {
	g := &fakeGateway{t: t, received: make(chan protocol.Envelope, 16)}
	g.srv = httptest.NewServer(http.HandlerFunc(g.serve))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/ws"
}

func (g *fakeGateway) serve(w http.ResponseWriter, r *http.Request) {
	if g.refuse.Load() {
		http.Error(w, "down", http.StatusServiceUnavailable)
		return
	}
	if r.Header.Get("Authorization") != "Bearer good" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	g.mu.Lock()
	g.conns = append(g.conns, conn)
	g.mu.Unlock()

	n := g.count.Add(1)
	hello, _ := protocol.Encode(protocol.TypeConnect, protocol.ConnectMsg{SocketID: fmt.Sprintf("sock-%d", n)})
	_ = conn.WriteMessage(websocket.TextMessage, hello)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if json.Unmarshal(data, &env) == nil {
			g.received <- env
		}
	}
}

// dropAll closes every server-side connection.
func (g *fakeGateway) dropAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.conns {
		_ = c.Close()
	}
	g.conns = nil
}

func waitFor(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		assert.Equal(t, want, got)
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func TestSocket_LifecycleAndReconnect(t *testing.T) {
	g := newFakeGateway(t)

	s, err := Dial(context.Background(), SocketConfig{
		URL:        g.url(),
		Token:      "good",
		MinBackoff: 20 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer s.Close()

	events := make(chan string, 16)
	s.On(protocol.TypeConnect, func(data json.RawMessage) {
		var hello protocol.ConnectMsg
		_ = json.Unmarshal(data, &hello)
		// The first greeting may or may not land after registration.
		if hello.SocketID != "sock-1" {
			events <- "connect:" + hello.SocketID
		}
	})
	s.On(protocol.TypeDisconnect, func(json.RawMessage) { events <- "disconnect" })

	require.Eventually(t, s.Connected, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "sock-1", s.SocketID())

	require.NoError(t, s.Emit(protocol.TypeUserOnline, protocol.PresenceEntry{SocketID: "sock-1", UserID: "u1"}))
	select {
	case env := <-g.received:
		assert.Equal(t, protocol.TypeUserOnline, env.Type)
	case <-time.After(3 * time.Second):
		t.Fatal("emit not received")
	}

	g.dropAll()
	waitFor(t, events, "disconnect")
	waitFor(t, events, "connect:sock-2")
	assert.Equal(t, "sock-2", s.SocketID())
}

func TestSocket_EmitWhileDown(t *testing.T) {
	g := newFakeGateway(t)

	s, err := Dial(context.Background(), SocketConfig{URL: g.url(), Token: "good", MinBackoff: 10 * time.Millisecond})
	require.NoError(t, err)
	defer s.Close()
	require.Eventually(t, s.Connected, 3*time.Second, 10*time.Millisecond)

	down := make(chan struct{})
	s.On(protocol.TypeDisconnect, func(json.RawMessage) { close(down) })

	g.refuse.Store(true)
	g.dropAll()
	<-down

	require.Eventually(t, func() bool {
		return errors.Is(s.Emit(protocol.TypeTyping, protocol.TypingIndicator{Receiver: "u2"}), ErrNotConnected)
	}, 3*time.Second, 10*time.Millisecond)
	assert.False(t, s.Connected())
}

func TestSocket_OffAndClose(t *testing.T) {
	g := newFakeGateway(t)

	s, err := Dial(context.Background(), SocketConfig{URL: g.url(), Token: "good"})
	require.NoError(t, err)

	off := s.On(protocol.TypeReceiveMessage, func(json.RawMessage) {})
	s.On(protocol.TypeReceiveMessage, func(json.RawMessage) {})
	assert.Equal(t, 2, s.HandlerCount(protocol.TypeReceiveMessage))
	off()
	off()
	assert.Equal(t, 1, s.HandlerCount(protocol.TypeReceiveMessage))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Emit(protocol.TypePing, nil), ErrClosed)
}

func TestDial_Unauthorized(t *testing.T) {
	g := newFakeGateway(t)
	_, err := Dial(context.Background(), SocketConfig{URL: g.url(), Token: "bad"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
