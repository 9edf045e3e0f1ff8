// Package gateway implements the call engine's client-facing behaviour on top
// of the WebSocket server: matchmaking requests, decision submission,
// signaling, hang-up and disconnect handling, and the per-session deadline
// timer. Cross-gateway fan-out goes through NATS; every authoritative
// transition is made in Redis so any gateway can serve either participant.
package gateway

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/whisper/callengine/internal/call"
	"github.com/whisper/callengine/internal/matching"
	"github.com/whisper/callengine/internal/presence"
	"github.com/whisper/callengine/internal/profile"
	"github.com/whisper/callengine/internal/protocol"
	"github.com/whisper/callengine/internal/ratelimit"
	"github.com/whisper/callengine/internal/signaling"
	"github.com/whisper/callengine/internal/ws"
)

// Sender writes a frame to the connection of an identity.
type Sender interface {
	SendMessage(identity string, data []byte) error
}

// Bus is the part of the NATS client the gateway uses.
type Bus interface {
	PublishQueueChanged(identity string) error
	SubscribeMatchFound(identity string, handler func(data []byte)) error
	UnsubscribeMatchFound(identity string) error
	SubscribeCallEvents(identity string, handler func(data []byte)) error
	UnsubscribeCallEvents(identity string) error
}

// ProfileReader looks up account profiles.
type ProfileReader interface {
	Get(ctx context.Context, identity string) (*profile.Profile, error)
}

// TokenMinter issues SFU join tokens in SFU mode.
type TokenMinter interface {
	JoinToken(roomID, identity string) (string, error)
	URL() string
}

// Config tunes the gateway handlers.
type Config struct {
	PollInterval time.Duration // advertised find_match re-send interval
	TimerTick    time.Duration // deadline timer resolution
	OpTimeout    time.Duration // per-request Redis budget
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 2 * time.Second,
		TimerTick:    250 * time.Millisecond,
		OpTimeout:    3 * time.Second,
	}
}

// Deps are the collaborators of a Gateway. Presence, Limiter, Profiles and
// SFU are optional.
type Deps struct {
	Sender    Sender
	Bus       Bus
	Queue     *matching.Queue
	Finder    *matching.Finder
	Announcer *matching.Announcer
	Sessions  *call.Store
	Finalizer *call.Finalizer
	Relay     *signaling.Relay
	Presence  *presence.Store
	Limiter   *ratelimit.Limiter
	Profiles  ProfileReader
	SFU       TokenMinter
}

// Gateway holds per-identity call state for the connections of one process.
type Gateway struct {
	cfg Config
	Deps

	mu      sync.Mutex
	clients map[string]*client
}

// client is the gateway-side view of one connected identity.
type client struct {
	identity string

	mu            sync.Mutex
	searching     bool
	sessionID     string
	partnerID     string
	round         int
	decidingRound int // last round call_deciding was sent for
	stopTimer     context.CancelFunc
	signals       *signaling.Subscription
}

// New creates a gateway.
func New(cfg Config, deps Deps) *Gateway {
	if cfg.TimerTick <= 0 {
		cfg.TimerTick = DefaultConfig().TimerTick
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultConfig().OpTimeout
	}
	return &Gateway{
		cfg:     cfg,
		Deps:    deps,
		clients: make(map[string]*client),
	}
}

// Register installs the message handlers on a dispatcher.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeFindMatch, func(conn *ws.Connection, msg any) {
		g.FindMatch(conn.ID, msg.(*protocol.FindMatchMsg))
	})
	d.Register(protocol.TypeCancelMatch, func(conn *ws.Connection, _ any) {
		g.CancelMatch(conn.ID)
	})
	d.Register(protocol.TypeSubmitDecision, func(conn *ws.Connection, msg any) {
		g.SubmitDecision(conn.ID, msg.(*protocol.SubmitDecisionMsg))
	})
	d.Register(protocol.TypeSignal, func(conn *ws.Connection, msg any) {
		g.Signal(conn.ID, msg.(*protocol.SignalMsg))
	})
	d.Register(protocol.TypeSignalHistory, func(conn *ws.Connection, msg any) {
		g.SignalHistory(conn.ID, msg.(*protocol.SignalHistoryMsg))
	})
	d.Register(protocol.TypeEndCall, func(conn *ws.Connection, msg any) {
		g.EndCall(conn.ID, msg.(*protocol.EndCallMsg))
	})
}

// Connect sets up the per-identity subscriptions of a new connection and
// re-attaches a session that is still open, e.g. after a gateway restart.
func (g *Gateway) Connect(identity string) {
	c := &client{identity: identity}
	g.mu.Lock()
	g.clients[identity] = c
	g.mu.Unlock()

	if g.Bus != nil {
		if err := g.Bus.SubscribeMatchFound(identity, func(data []byte) {
			g.onMatchFound(identity, data)
		}); err != nil {
			log.Printf("[gateway] subscribe match.found for %s: %v", identity, err)
		}
		if err := g.Bus.SubscribeCallEvents(identity, func(data []byte) {
			g.onCallEvent(identity, data)
		}); err != nil {
			log.Printf("[gateway] subscribe call.event for %s: %v", identity, err)
		}
	}

	ctx, cancel := g.opContext()
	defer cancel()
	sessionID, err := g.Sessions.ActiveSession(ctx, identity)
	if err != nil || sessionID == "" {
		return
	}
	sess, err := g.Sessions.Get(ctx, sessionID)
	if err != nil || sess == nil || sess.Completed() {
		return
	}
	log.Printf("[gateway] re-attaching %s to session=%s", identity, sessionID)
	g.attach(identity, sess)
}

// Disconnect leaves the queue and ends the call in progress, if any.
func (g *Gateway) Disconnect(identity string) {
	g.mu.Lock()
	c := g.clients[identity]
	delete(g.clients, identity)
	g.mu.Unlock()

	if c != nil {
		c.detach()
	}
	if g.Bus != nil {
		_ = g.Bus.UnsubscribeMatchFound(identity)
		_ = g.Bus.UnsubscribeCallEvents(identity)
	}

	ctx, cancel := g.opContext()
	defer cancel()

	if _, err := g.Queue.Cancel(ctx, identity); err != nil {
		log.Printf("[gateway] cancel queue entry for %s: %v", identity, err)
	}

	sessionID, err := g.Sessions.ActiveSession(ctx, identity)
	if err != nil || sessionID == "" {
		return
	}
	sess, done, err := g.Sessions.Terminate(ctx, sessionID, identity, call.ReasonDisconnected)
	if err != nil {
		log.Printf("[gateway] terminate session=%s on disconnect of %s: %v", sessionID, identity, err)
		return
	}
	if done {
		g.Finalizer.Resolved(ctx, sess)
	}
}

// tracked returns the number of identities with gateway state.
func (g *Gateway) tracked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

func (g *Gateway) client(identity string) *client {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clients[identity]
}

func (g *Gateway) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), g.cfg.OpTimeout)
}

func (g *Gateway) send(identity, msgType string, payload any) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[gateway] build %s for %s: %v", msgType, identity, err)
		return
	}
	if err := g.Sender.SendMessage(identity, data); err != nil {
		log.Printf("[gateway] send %s to %s: %v", msgType, identity, err)
	}
}

func (g *Gateway) sendError(identity, code, message string) {
	if err := g.Sender.SendMessage(identity, protocol.NewError(code, message)); err != nil {
		log.Printf("[gateway] send error %s to %s: %v", code, identity, err)
	}
}

func (g *Gateway) setPresence(identity, status, sessionID string) {
	if g.Presence == nil {
		return
	}
	ctx, cancel := g.opContext()
	defer cancel()
	if err := g.Presence.UpdateStatus(ctx, identity, status, sessionID); err != nil {
		log.Printf("[gateway] presence %s -> %s: %v", identity, status, err)
	}
}

// allow applies a rate limit rule and answers rate_limited when exceeded.
func (g *Gateway) allow(identity, action string, rule ratelimit.Rule) bool {
	if g.Limiter == nil {
		return true
	}
	ctx, cancel := g.opContext()
	defer cancel()

	ok, err := g.Limiter.Allow(ctx, identity, rule)
	if err != nil || ok {
		return true
	}
	retry := g.Limiter.RetryAfter(ctx, identity, rule)
	g.send(identity, protocol.TypeRateLimited, protocol.RateLimitedMsg{
		Action:     action,
		RetryAfter: int(retry.Round(time.Second) / time.Second),
	})
	return false
}

// detach stops the timer and signal forwarding of the current session.
func (c *client) detach() (sessionID, partnerID string) {
	c.mu.Lock()
	sessionID, partnerID = c.sessionID, c.partnerID
	stop, sub := c.stopTimer, c.signals
	c.sessionID, c.partnerID = "", ""
	c.round, c.decidingRound = 0, 0
	c.stopTimer, c.signals = nil, nil
	c.searching = false
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if sub != nil {
		sub.Close()
	}
	return sessionID, partnerID
}
