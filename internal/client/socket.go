package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parley/chat-app/internal/protocol"
)

// ErrNotConnected is returned by Emit while the socket is down. Events are
// never queued.
var ErrNotConnected = errors.New("client: socket not connected")

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("client: socket closed")

// Handler receives the raw payload of an event. It runs on the socket's
// read goroutine and should not block.
type Handler func(data json.RawMessage)

// SocketConfig configures Dial.
type SocketConfig struct {
	URL        string            // ws://host:port/ws
	Token      string            // sent as a bearer token on every dial
	Dialer     *websocket.Dialer // nil uses websocket.DefaultDialer
	MinBackoff time.Duration     // first reconnect delay, default 500ms
	MaxBackoff time.Duration     // reconnect delay cap, default 10s
}

// Socket is a push-channel connection with an explicit lifecycle. It
// synthesizes a connect event (with the server-assigned socket ID) and a
// disconnect event, and reconnects with exponential backoff until Close.
type Socket struct {
	cfg SocketConfig

	mu        sync.RWMutex
	conn      *websocket.Conn
	socketID  string
	handlers  map[string]map[uint64]Handler
	nextID    uint64
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	stopped   chan struct{}
}

// Dial connects to the gateway. The first connection attempt is made
// synchronously so that a bad URL or token fails fast; later drops are
// retried in the background.
func Dial(ctx context.Context, cfg SocketConfig) (*Socket, error) {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 10 * time.Second
	}

	s := &Socket{
		cfg:      cfg,
		handlers: make(map[string]map[uint64]Handler),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	go s.run(conn)
	return s, nil
}

// On registers fn for event and returns a function that removes it.
// Calling the returned function more than once is harmless.
func (s *Socket) On(event string, fn Handler) (off func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	set, ok := s.handlers[event]
	if !ok {
		set = make(map[uint64]Handler)
		s.handlers[event] = set
	}
	set[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if set, ok := s.handlers[event]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(s.handlers, event)
			}
		}
	}
}

// HandlerCount returns the number of handlers registered for event.
func (s *Socket) HandlerCount(event string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers[event])
}

// Emit sends an event. It fails with ErrNotConnected while the socket is
// down.
func (s *Socket) Emit(event string, payload interface{}) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	data, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("client: emit %s: %w", event, err)
	}
	return nil
}

// Connected reports whether the server has greeted the current connection.
func (s *Socket) Connected() bool {
	return s.SocketID() != ""
}

// SocketID returns the ID the server assigned to the current connection,
// or "" while disconnected.
func (s *Socket) SocketID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.socketID
}

// Close stops reconnecting and closes the connection. It waits for the
// read goroutine to deliver the final disconnect event, so it must not be
// called from a Handler.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn != nil {
			s.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			s.writeMu.Unlock()
			_ = conn.Close()
		}
	})
	<-s.stopped
	return nil
}

func (s *Socket) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if s.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	conn, resp, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("client: dial %s: %w (status %d)", s.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("client: dial %s: %w", s.cfg.URL, err)
	}
	return conn, nil
}

// run owns the connection: it reads until the connection drops, then
// reconnects with backoff until Close.
func (s *Socket) run(conn *websocket.Conn) {
	defer close(s.stopped)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	backoff := s.cfg.MinBackoff
	for {
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		// A Close that raced the dial must still release this connection.
		select {
		case <-s.done:
			_ = conn.Close()
		default:
		}

		if s.readLoop(conn) {
			backoff = s.cfg.MinBackoff
		}

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()

		for {
			select {
			case <-s.done:
				return
			case <-time.After(backoff):
			}

			next, err := s.dial(ctx)
			if err == nil {
				conn = next
				break
			}
			log.Printf("[socket] reconnect failed (retry in %s): %v", backoff, err)
			backoff *= 2
			if backoff > s.cfg.MaxBackoff {
				backoff = s.cfg.MaxBackoff
			}
		}
	}
}

// readLoop dispatches frames until the connection fails. It reports
// whether the server greeted the connection, in which case a disconnect
// event is dispatched on exit.
func (s *Socket) readLoop(conn *websocket.Conn) (greeted bool) {
	defer func() {
		_ = conn.Close()
		if greeted {
			s.mu.Lock()
			s.socketID = ""
			s.mu.Unlock()
			s.dispatch(protocol.TypeDisconnect, nil)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				log.Printf("[socket] connection lost: %v", err)
			}
			return greeted
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("[socket] dropping malformed frame: %v", err)
			continue
		}

		if env.Type == protocol.TypeConnect {
			var hello protocol.ConnectMsg
			if err := protocol.Decode(env.Data, &hello); err != nil {
				log.Printf("[socket] bad connect frame: %v", err)
				continue
			}
			s.mu.Lock()
			s.socketID = hello.SocketID
			s.mu.Unlock()
			greeted = true
		}

		s.dispatch(env.Type, env.Data)
	}
}

func (s *Socket) dispatch(event string, data json.RawMessage) {
	s.mu.RLock()
	handlers := make([]Handler, 0, len(s.handlers[event]))
	ids := make([]uint64, 0, len(s.handlers[event]))
	for id := range s.handlers[event] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		handlers = append(handlers, s.handlers[event][id])
	}
	s.mu.RUnlock()

	for _, h := range handlers {
		h(data)
	}
}
