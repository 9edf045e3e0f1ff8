//go:build !linux

package ws

import (
	"net"
	"sync"
	"syscall"
	"time"
)

// redispatchDelay spaces readiness signals for a connection whose frame has
// not been consumed yet.
const redispatchDelay = 5 * time.Millisecond

// Epoll is the development fallback for platforms without epoll. Each
// connection gets a goroutine that waits for readability through the raw
// connection without consuming any bytes, so the server reads whole frames
// exactly as it does on Linux.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]chan struct{} // conn -> stop signal
	readyCh chan net.Conn
	done    chan struct{}
}

// NewEpoll creates a new fallback instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts watching a connection.
func (e *Epoll) Add(conn net.Conn) error {
	stop := make(chan struct{})
	e.mu.Lock()
	e.conns[conn] = stop
	e.mu.Unlock()

	go e.monitor(conn, stop)
	return nil
}

func (e *Epoll) monitor(conn net.Conn, stop chan struct{}) {
	var raw syscall.RawConn
	if sc, ok := conn.(syscall.Conn); ok {
		raw, _ = sc.SyscallConn()
	}

	for {
		if raw != nil {
			first := true
			err := raw.Read(func(uintptr) bool {
				if first {
					first = false
					return false // park until readable
				}
				return true
			})
			if err != nil {
				raw = nil
			}
		} else {
			time.Sleep(50 * time.Millisecond)
		}

		select {
		case e.readyCh <- conn:
		case <-stop:
			return
		case <-e.done:
			return
		}

		select {
		case <-time.After(redispatchDelay):
		case <-stop:
			return
		case <-e.done:
			return
		}
	}
}

// Remove stops watching a connection.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	stop, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		close(stop)
	}
	return nil
}

// Wait blocks until at least one connection is ready and drains the rest
// of the ready set without blocking.
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

// Close shuts down the fallback instance.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}

// socketFD extracts the descriptor used as the connection manager key.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
