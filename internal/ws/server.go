// Package ws handles WebSocket connection management for the call gateway:
// authenticating and upgrading HTTP connections, keeping one live connection
// per identity, and dispatching incoming frames to handlers.
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
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/callengine/internal/metrics"
	"github.com/whisper/callengine/internal/presence"
	"github.com/whisper/callengine/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Authenticator turns a bearer token into an identity.
type Authenticator interface {
	Verify(token string) (string, error)
}

// Server is the WebSocket gateway built on gobwas/ws and Linux epoll. It
// authenticates the upgrade request, registers the connection under its
// identity, and dispatches ready connections to a bounded worker pool for
// frame reading.
type Server struct {
	config       ServerConfig
	auth         Authenticator
	presence     *presence.Store // nil disables cross-gateway presence
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{} // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte)
	onConnect    func(identity string)
	onDisconnect func(identity string)
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server. The onMessage function is called from a
// worker goroutine whenever a complete text frame is received.
func NewServer(config ServerConfig, auth Authenticator, presenceStore *presence.Store, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:     config,
		auth:       auth,
		presence:   presenceStore,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// Start initializes the epoll instance, configures the HTTP server, and begins
// accepting WebSocket connections. It blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.startEventLoop()

	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("[gateway] listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// bearerToken reads the token from ?token= or the Authorization header.
func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// handleUpgrade authenticates the request, rejects a second connection for
// an identity that is already online, and upgrades to WebSocket.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	identity, err := s.auth.Verify(bearerToken(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if s.conns.Get(identity) != nil {
		http.Error(w, "already connected", http.StatusConflict)
		return
	}
	if s.presence != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		err := s.presence.Connect(ctx, identity)
		cancel()
		if errors.Is(err, presence.ErrOnlineElsewhere) {
			http.Error(w, "already connected", http.StatusConflict)
			return
		}
		if err != nil {
			log.Printf("[gateway] presence connect %s: %v", identity, err)
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[gateway] upgrade failed for %s: %v", identity, err)
		s.releasePresence(identity)
		return
	}

	c := &Connection{
		ID:        identity,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: time.Now(),
	}

	if !s.conns.AddIfAbsent(c) {
		// Lost a race against a concurrent upgrade for the same identity.
		_ = wsutil.WriteServerMessage(conn, ws.OpClose,
			ws.NewCloseFrameBody(ws.StatusPolicyViolation, "already connected"))
		conn.Close()
		return
	}
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("[gateway] epoll add failed for %s: %v", identity, err)
		s.conns.Remove(identity)
		s.releasePresence(identity)
		return
	}
	metrics.ConnectionsTotal.Inc()

	if s.onConnect != nil {
		s.onConnect(identity)
	}

	ready, err := protocol.NewServerMessage(protocol.TypeSessionReady, protocol.SessionReadyMsg{
		Identity: identity,
	})
	if err == nil {
		if err := c.WriteMessage(ready); err != nil {
			log.Printf("[gateway] failed to send session_ready to %s: %v", identity, err)
		}
	}

	log.Printf("[gateway] new connection identity=%s fd=%d (total=%d)", identity, c.Fd, s.conns.Count())
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

// startEventLoop runs the epoll wait loop, handing each ready connection to
// a worker goroutine bounded by the worker pool semaphore.
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
				if isEINTR(err) {
					continue
				}
				log.Printf("[gateway] epoll wait error: %v", err)
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
// frames are handled without blocking on a data frame that may never arrive.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll may dispatch the same connection twice.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A timeout is a stale dispatch; the heartbeat handles dead peers.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// SetOnConnect registers a callback invoked after a connection is registered
// and before session_ready is written.
func (s *Server) SetOnConnect(fn func(identity string)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked once when a connection is
// removed, before its presence record is released.
func (s *Server) SetOnDisconnect(fn func(identity string)) {
	s.onDisconnect = fn
}

// RemoveConnection removes a connection from epoll and the connection
// manager and closes it. Concurrent removals of the same connection run the
// disconnect callback once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}
	s.releasePresence(c.ID)

	log.Printf("[gateway] connection closed identity=%s (total=%d)", c.ID, s.conns.Count())
}

func (s *Server) releasePresence(identity string) {
	if s.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.presence.Disconnect(ctx, identity); err != nil {
		log.Printf("[gateway] presence disconnect %s: %v", identity, err)
	}
}

// SendMessage writes a text frame to the connection of identity.
func (s *Server) SendMessage(identity string, data []byte) error {
	c := s.conns.Get(identity)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", identity)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	err := c.WriteMessage(data)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener and the event loop, runs the disconnect
// callback for every live connection, and closes the epoll instance.
func (s *Server) Shutdown() error {
	log.Println("[gateway] shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("[gateway] http shutdown error: %v", err)
		}
	}

	var wg sync.WaitGroup
	for _, c := range s.conns.All() {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			s.RemoveConnection(c)
		}(c)
	}
	wg.Wait()

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("[gateway] server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
