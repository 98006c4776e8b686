//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms
// so the server runs on developer machines. Each connection is reported ready
// once, then again only after the server re-arms it, so a reader never
// competes with the monitor for bytes.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]chan struct{} // conn -> re-arm signal
	readyCh chan net.Conn
	done    chan struct{}
	closed  bool
}

// NewEpoll creates a new fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers a connection and starts its monitor.
func (e *Epoll) Add(conn net.Conn) error {
	rearm := make(chan struct{}, 1)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return net.ErrClosed
	}
	e.conns[conn] = rearm
	e.mu.Unlock()

	go e.monitor(conn, rearm)
	return nil
}

// monitor reports conn as ready, then waits for the server to finish reading
// before reporting it again. It exits when the connection is removed.
func (e *Epoll) monitor(conn net.Conn, rearm chan struct{}) {
	for {
		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		select {
		case _, ok := <-rearm:
			if !ok {
				return
			}
		case <-e.done:
			return
		}
	}
}

// Rearm lets the monitor report conn again.
func (e *Epoll) Rearm(conn net.Conn) {
	e.mu.Lock()
	rearm, ok := e.conns[conn]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case rearm <- struct{}{}:
	default:
	}
}

// Remove unregisters a connection and stops its monitor.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	rearm, ok := e.conns[conn]
	if ok {
		delete(e.conns, conn)
	}
	e.mu.Unlock()
	if ok {
		close(rearm)
	}
	return nil
}

// Wait blocks until at least one connection is ready for reading.
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
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.done)
	e.conns = nil
	return nil
}

// socketFD is unused by the fallback.
func socketFD(net.Conn) int {
	return -1
}
