// Package ws is the push-channel transport: it upgrades HTTP requests to
// WebSocket, keeps the live sockets in an epoll set served by a bounded
// worker pool, and hands every complete text frame to a dispatcher.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/protocol"
	"github.com/parley/chat-app/internal/ratelimit"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string          // address to listen on, e.g. ":8080"
	WorkerPoolSize int             // max concurrent read-worker goroutines
	MaxConnections int             // hard cap on total connections
	ReadTimeout    time.Duration   // timeout for WebSocket read operations
	WriteTimeout   time.Duration   // timeout for WebSocket write operations
	RequireAuth    bool            // refuse upgrades without a valid bearer token
	MaxFrameSize   int64           // larger client frames close the connection
	Heartbeat      HeartbeatConfig // protocol ping cadence
}

// DefaultMaxFrameSize leaves ample room for a message envelope carrying the
// longest valid chat message.
const DefaultMaxFrameSize = 64 << 10

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		RequireAuth:    true,
		MaxFrameSize:   DefaultMaxFrameSize,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Authenticator resolves a bearer token to a user ID.
type Authenticator func(token string) (userID string, err error)

// Server is the WebSocket server built on gobwas/ws and Linux epoll. Ready
// connections are dispatched to a bounded worker pool for frame reading.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{}                        // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onConnect    func(conn *Connection)              // called after the connect frame is sent
	onDisconnect func(conn *Connection)              // called when a connection is removed
	onHeartbeat  func()                              // called after every heartbeat sweep
	authenticate Authenticator
	connLimiter  ratelimit.Allower
	httpServer   *http.Server
	lifecycle    sync.Mutex // guards epoll between Serve and Shutdown
	done         chan struct{}
	closeOnce    sync.Once
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration and message
// callback. The onMessage function is called from a worker goroutine
// whenever a complete WebSocket text frame is received from a client.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = DefaultMaxFrameSize
	}
	s := &Server{
		config:     config,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}
	s.httpServer = &http.Server{Handler: s.Handler()}
	return s
}

// SetAuthenticator installs the bearer token resolver used at upgrade.
func (s *Server) SetAuthenticator(fn Authenticator) { s.authenticate = fn }

// SetConnectLimiter throttles upgrades per client IP.
func (s *Server) SetConnectLimiter(l ratelimit.Allower) { s.connLimiter = l }

// SetOnConnect registers a callback invoked once a connection is registered
// and its connect frame has been written.
func (s *Server) SetOnConnect(fn func(conn *Connection)) { s.onConnect = fn }

// SetOnDisconnect registers a callback invoked exactly once when a connection
// is removed (read error, heartbeat timeout, close frame or shutdown).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) { s.onDisconnect = fn }

// SetOnHeartbeat registers a callback invoked after every heartbeat sweep.
func (s *Server) SetOnHeartbeat(fn func()) { s.onHeartbeat = fn }

// Handler returns the HTTP routes served by the gateway.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start listens on config.ListenAddr and serves until Shutdown.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(l)
}

// Serve initializes the epoll instance, starts the event loop and the
// heartbeat, and blocks serving HTTP on l.
func (s *Server) Serve(l net.Listener) error {
	s.lifecycle.Lock()
	select {
	case <-s.done:
		s.lifecycle.Unlock()
		return http.ErrServerClosed
	default:
	}
	ep, err := NewEpoll()
	if err != nil {
		s.lifecycle.Unlock()
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.epoll = ep
	s.startedAt = time.Now()
	s.lifecycle.Unlock()

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat, s.onHeartbeat)

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d, require_auth=%v)",
		l.Addr(), s.config.WorkerPoolSize, s.config.MaxConnections, s.config.RequireAuth)

	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the request, upgrades it to a WebSocket with
// the gobwas zero-copy upgrader, registers the connection and greets the
// client with its socket ID.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if s.connLimiter != nil {
		if ok, _ := s.connLimiter.Allow(r.Context(), ip, ratelimit.RuleConnect); !ok {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	var userID string
	token := bearerToken(r)
	switch {
	case token != "" && s.authenticate != nil:
		uid, err := s.authenticate(token)
		if err != nil {
			log.Printf("ws: rejected token from %s: %v", ip, err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		userID = uid
	case s.config.RequireAuth:
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := NewConnection(uuid.New().String(), conn)
	c.UserID = userID
	c.RemoteAddr = ip

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed for socket %s: %v", c.ID, err)
		s.conns.Remove(c.ID)
		return
	}
	metrics.ConnectionsTotal.Inc()

	hello, err := protocol.NewServerMessage(protocol.TypeConnect, protocol.ConnectMsg{SocketID: c.ID})
	if err != nil {
		log.Printf("ws: failed to build connect for socket %s: %v", c.ID, err)
	} else if err := s.SendMessage(c.ID, hello); err != nil {
		log.Printf("ws: failed to send connect for socket %s: %v", c.ID, err)
	}

	if s.onConnect != nil {
		s.onConnect(c)
	}

	log.Printf("ws: new connection socket=%s user=%q fd=%d (total=%d)", c.ID, c.UserID, c.Fd, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if errors.Is(err, syscall.EINTR) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection. Control
// frames are handled inline; a read failure removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)
	defer s.epoll.Resume(netConn)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(s.epoll.Reader(netConn), ws.StateServerSide)
	if err != nil {
		// A read timeout means a stale dispatch; the heartbeat reaps dead sockets.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
		case ws.OpPing:
			c.writeMu.Lock()
			_ = ws.WriteFrame(netConn, ws.NewPongFrame(nil))
			c.writeMu.Unlock()
		}
		return
	}

	if header.Length > s.config.MaxFrameSize {
		log.Printf("ws: frame of %d bytes from socket %s exceeds %d, closing",
			header.Length, c.ID, s.config.MaxFrameSize)
		s.RemoveConnection(c)
		return
	}
	if header.Length == 0 {
		return
	}

	// The reader unmasks client frames.
	data := make([]byte, header.Length)
	if _, err = io.ReadFull(reader, data); err != nil {
		s.RemoveConnection(c)
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from both epoll and the connection
// manager and closes it. Concurrent removals of the same connection (read
// error racing a heartbeat timeout) run the disconnect callback only once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	log.Printf("ws: connection closed socket=%s (total=%d)", c.ID, s.conns.Count())
}

// SendMessage writes a WebSocket text frame to the connection identified by
// socketID. It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) SendMessage(socketID string, data []byte) error {
	c := s.conns.Get(socketID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", socketID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := c.WriteMessage(data)

	// Clear write deadline so it doesn't affect future writes (e.g., heartbeat pings).
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

// Broadcast writes data to every live connection.
func (s *Server) Broadcast(data []byte) {
	s.conns.Broadcast(data)
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, signals the event loop to exit, removes
// every connection (running the disconnect callback) and closes epoll.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	s.lifecycle.Lock()
	s.closeOnce.Do(func() { close(s.done) })
	ep := s.epoll
	s.lifecycle.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if ep != nil {
		_ = ep.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// bearerToken extracts the token from the Authorization header or, for
// browsers that cannot set headers on a WebSocket handshake, from the token
// query parameter.
func bearerToken(r *http.Request) string {
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
		if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
			return strings.TrimSpace(authz[7:])
		}
		return authz
	}
	return r.URL.Query().Get("token")
}

// clientIP returns the first X-Forwarded-For hop when behind a proxy, or the
// host part of RemoteAddr.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, _ := strings.Cut(fwd, ","); strings.TrimSpace(first) != "" {
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
