// Package messaging provides a NATS client wrapper for the change-notification
// stream shared by the call engine services. It handles connection lifecycle,
// keyed subscriptions and convenience methods for the matchmaking, call event
// and push subjects.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects used across the call engine.
const (
	SubjectQueueChanged = "match.queue_changed"
	SubjectMatchFound   = "match.found" // + .<identity>
	SubjectCallEvent    = "call.event"  // + .<identity>
	SubjectPushNotify   = "push.notify"

	// matcherQueueGroup load-balances queue change notifications across
	// matcher replicas so each change triggers one pass.
	matcherQueueGroup = "matcher"
)

// Publisher is the publish side of the client, accepted by components that
// only emit notifications.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "callengine",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject. The subscription is
// stored under key for later cleanup; an existing subscription with the same
// key is replaced.
func (c *NATSClient) Subscribe(key, subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	c.store(key, sub)
	return nil
}

// PublishQueueChanged announces that the waiting queue changed.
func (c *NATSClient) PublishQueueChanged(identity string) error {
	return c.Publish(SubjectQueueChanged, []byte(identity))
}

// SubscribeQueueChanged subscribes to queue change notifications within the
// matcher queue group.
func (c *NATSClient) SubscribeQueueChanged(handler func(identity string)) error {
	sub, err := c.conn.QueueSubscribe(SubjectQueueChanged, matcherQueueGroup, func(msg *nats.Msg) {
		handler(string(msg.Data))
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", SubjectQueueChanged, err)
	}
	c.store(SubjectQueueChanged, sub)
	return nil
}

// PublishMatchFound publishes a match result to the match.found.<identity> subject.
func (c *NATSClient) PublishMatchFound(identity string, data []byte) error {
	return c.Publish(SubjectMatchFound+"."+identity, data)
}

// SubscribeMatchFound subscribes to match results for an identity.
func (c *NATSClient) SubscribeMatchFound(identity string, handler func(data []byte)) error {
	subject := SubjectMatchFound + "." + identity
	return c.Subscribe(subject, subject, handler)
}

// UnsubscribeMatchFound removes the match result subscription for an identity.
func (c *NATSClient) UnsubscribeMatchFound(identity string) error {
	return c.unsubscribe(SubjectMatchFound + "." + identity)
}

// PublishCallEvent publishes a call lifecycle event to call.event.<identity>.
func (c *NATSClient) PublishCallEvent(identity string, data []byte) error {
	return c.Publish(SubjectCallEvent+"."+identity, data)
}

// SubscribeCallEvents subscribes to call lifecycle events for an identity.
func (c *NATSClient) SubscribeCallEvents(identity string, handler func(data []byte)) error {
	subject := SubjectCallEvent + "." + identity
	return c.Subscribe(subject, subject, handler)
}

// UnsubscribeCallEvents removes the call event subscription for an identity.
func (c *NATSClient) UnsubscribeCallEvents(identity string) error {
	return c.unsubscribe(SubjectCallEvent + "." + identity)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

func (c *NATSClient) store(key string, sub *nats.Subscription) {
	c.mu.Lock()
	old, ok := c.subs[key]
	c.subs[key] = sub
	c.mu.Unlock()

	if ok {
		_ = old.Unsubscribe()
	}
}

// unsubscribe removes and unsubscribes the subscription stored under key.
func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}
