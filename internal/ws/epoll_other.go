//go:build !linux

package ws

import (
	"bufio"
	"io"
	"net"
	"sync"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms.
// Each watcher peeks one byte through a buffered reader, so no frame bytes
// are lost, and waits for Resume before peeking again.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]*watcher
	readyCh chan net.Conn // connections with pending data
	done    chan struct{}
	once    sync.Once
}

type watcher struct {
	r      *bufio.Reader
	resume chan struct{}
}

// NewEpoll creates a new fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*watcher),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts watching conn for readable data.
func (e *Epoll) Add(conn net.Conn) error {
	w := &watcher{r: bufio.NewReader(conn), resume: make(chan struct{}, 1)}

	e.mu.Lock()
	if e.conns == nil {
		e.mu.Unlock()
		return net.ErrClosed
	}
	e.conns[conn] = w
	e.mu.Unlock()

	go e.monitor(conn, w)
	return nil
}

// monitor signals readiness whenever a byte is buffered or the read fails.
// A failed read is signalled once so that the server's read path observes it.
func (e *Epoll) monitor(conn net.Conn, w *watcher) {
	for {
		_, err := w.r.Peek(1)

		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-w.resume:
		case <-e.done:
			return
		}
	}
}

// Reader returns the reader frames must be read from for conn.
func (e *Epoll) Reader(conn net.Conn) io.Reader {
	e.mu.RLock()
	w, ok := e.conns[conn]
	e.mu.RUnlock()
	if !ok {
		return conn
	}
	return w.r
}

// Resume re-arms the watcher after the server has handled a readiness event.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.RLock()
	w, ok := e.conns[conn]
	e.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case w.resume <- struct{}{}:
	default:
	}
}

// Remove stops tracking conn. Its watcher exits once the socket is closed.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready and returns every
// connection that is ready at that point.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}

// socketFD is not needed by the goroutine-based fallback.
func socketFD(conn net.Conn) int {
	return -1
}
