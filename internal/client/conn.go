// Package client is a gateway WebSocket client. It connects with gobwas/ws
// (the same library the server uses), waits for the session_ready
// handshake, dispatches server messages to registered handlers and serves as
// the signaling channel of the media driver.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/callengine/internal/media"
	"github.com/whisper/callengine/internal/protocol"
)

// ErrClosed is returned by requests on a closed connection.
var ErrClosed = errors.New("client: connection closed")

// Handler receives a decoded server message, e.g. *protocol.MatchFoundMsg.
type Handler func(msg any)

// Conn is one authenticated gateway connection.
type Conn struct {
	conn     net.Conn
	reader   io.Reader
	writeMu  sync.Mutex
	identity string

	mu       sync.Mutex
	handlers map[string]Handler
	subs     map[string]map[int]chan media.Signal // by session id
	nextSub  int
	history  map[string][]chan *media.Signal // pending signal_history replies

	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the gateway at rawURL with an identity token and waits
// for session_ready.
func Dial(ctx context.Context, rawURL, token string) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, br, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}

	c := &Conn{
		conn:     conn,
		reader:   conn,
		handlers: make(map[string]Handler),
		subs:     make(map[string]map[int]chan media.Signal),
		history:  make(map[string][]chan *media.Signal),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	// Frames the server sent right after the handshake may already sit in
	// the handshake buffer.
	if br != nil {
		c.reader = br
	}

	go c.readLoop()

	select {
	case <-c.ready:
		return c, nil
	case <-c.done:
		return nil, fmt.Errorf("client: connection closed before session_ready")
	case <-ctx.Done():
		_ = c.Close()
		return nil, ctx.Err()
	}
}

// Identity returns the identity confirmed by the server.
func (c *Conn) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// On registers the handler for a server message type, replacing any earlier
// one. Handlers run on the read goroutine and must not block.
func (c *Conn) On(msgType string, h Handler) {
	c.mu.Lock()
	c.handlers[msgType] = h
	c.mu.Unlock()
}

// Send writes a client message. It is goroutine-safe.
func (c *Conn) Send(msgType string, payload any) error {
	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		return fmt.Errorf("client: build %s: %w", msgType, err)
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// SendSignal relays a negotiation payload to the partner.
func (c *Conn) SendSignal(_ context.Context, sessionID, signalType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("client: marshal %s: %w", signalType, err)
	}
	return c.Send(protocol.TypeSignal, protocol.SignalMsg{
		SessionID:  sessionID,
		SignalType: signalType,
		Payload:    raw,
	})
}

// Subscribe streams signals of a session. Signals arriving while the
// channel is full are dropped; the gateway replays nothing, so the buffer
// is sized for a full ICE trickle.
func (c *Conn) Subscribe(sessionID string) (<-chan media.Signal, func()) {
	ch := make(chan media.Signal, 128)

	c.mu.Lock()
	c.nextSub++
	key := c.nextSub
	if c.subs[sessionID] == nil {
		c.subs[sessionID] = make(map[int]chan media.Signal)
	}
	c.subs[sessionID][key] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs[sessionID], key)
			if len(c.subs[sessionID]) == 0 {
				delete(c.subs, sessionID)
			}
			c.mu.Unlock()
		})
	}
}

// LatestOffer asks the gateway for the newest offer addressed to this
// identity in sessionID.
func (c *Conn) LatestOffer(ctx context.Context, sessionID string) (*media.Signal, error) {
	reply := make(chan *media.Signal, 1)
	c.mu.Lock()
	c.history[sessionID] = append(c.history[sessionID], reply)
	c.mu.Unlock()

	if err := c.Send(protocol.TypeSignalHistory, protocol.SignalHistoryMsg{SessionID: sessionID}); err != nil {
		c.dropHistoryWaiter(sessionID, reply)
		return nil, err
	}

	select {
	case offer := <-reply:
		return offer, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		c.dropHistoryWaiter(sessionID, reply)
		return nil, ctx.Err()
	}
}

func (c *Conn) dropHistoryWaiter(sessionID string, reply chan *media.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters := c.history[sessionID]
	for i, w := range waiters {
		if w == reply {
			c.history[sessionID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(c.history[sessionID]) == 0 {
		delete(c.history, sessionID)
	}
}

// readLoop reads frames until the connection ends. Pings are answered under
// the write mutex so they never interleave with an outbound message.
func (c *Conn) readLoop() {
	defer c.Close()

	for {
		header, reader, err := wsutil.NextReader(c.reader, ws.StateClientSide)
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Printf("[client] read: %v", err)
			}
			return
		}

		data := make([]byte, header.Length)
		if header.Length > 0 {
			if _, err := io.ReadFull(reader, data); err != nil {
				log.Printf("[client] read payload: %v", err)
				return
			}
		}

		switch header.OpCode {
		case ws.OpClose:
			return
		case ws.OpPing:
			if err := c.writeFrame(ws.NewPongFrame(data)); err != nil {
				log.Printf("[client] pong: %v", err)
				return
			}
			continue
		case ws.OpText:
		default:
			continue
		}

		msgType, msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			log.Printf("[client] %v", err)
			continue
		}
		c.route(msgType, msg)
	}
}

func (c *Conn) writeFrame(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.conn, ws.MaskFrameInPlace(f))
}

func (c *Conn) route(msgType string, msg any) {
	switch m := msg.(type) {
	case *protocol.SessionReadyMsg:
		c.mu.Lock()
		first := c.identity == ""
		c.identity = m.Identity
		c.mu.Unlock()
		if first {
			close(c.ready)
		}

	case *protocol.ServerSignalMsg:
		sig := media.Signal{ID: m.ID, Type: m.SignalType, Payload: m.Payload}
		c.mu.Lock()
		for _, ch := range c.subs[m.SessionID] {
			select {
			case ch <- sig:
			default:
				log.Printf("[client] dropped %s for session=%s: subscriber is full", m.SignalType, m.SessionID)
			}
		}
		c.mu.Unlock()

	case *protocol.SignalHistoryResultMsg:
		var offer *media.Signal
		if m.Offer != nil {
			offer = &media.Signal{ID: m.Offer.ID, Type: m.Offer.SignalType, Payload: m.Offer.Payload}
		}
		c.mu.Lock()
		waiters := c.history[m.SessionID]
		delete(c.history, m.SessionID)
		c.mu.Unlock()
		for _, w := range waiters {
			w <- offer
		}
	}

	c.mu.Lock()
	h := c.handlers[msgType]
	c.mu.Unlock()
	if h != nil {
		h(msg)
	}
}
