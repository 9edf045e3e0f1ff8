// Package signaling relays offer/answer/ICE messages between the two
// participants of a call session. Every session+receiver pair owns one Redis
// stream, so messages are append-only and ordered per addressee:
//
//	Key:   signal:<session_id>:<receiver_id>
//	Entry: sender, type, payload, created_at
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/callengine/internal/call"
	"github.com/whisper/callengine/internal/metrics"
)

const (
	keyPrefix = "signal:"

	// DefaultMaxLen caps each stream; negotiation needs far fewer entries.
	DefaultMaxLen = 512
	// DefaultTTL keeps streams around long enough for a late subscriber.
	DefaultTTL = time.Hour

	// FromNow subscribes to messages sent after the subscription starts.
	FromNow = "$"
	// FromStart replays every retained message first.
	FromStart = "0"

	readBlock = 2 * time.Second
	readCount = 64
)

// Type is the kind of a signaling message.
type Type string

const (
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice-candidate"
)

// Valid reports whether t is a known signal type.
func (t Type) Valid() bool {
	return t == TypeOffer || t == TypeAnswer || t == TypeICECandidate
}

var (
	ErrInvalidType   = errors.New("signaling: invalid signal type")
	ErrNotPeer       = errors.New("signaling: receiver is not the other participant")
	ErrSessionClosed = errors.New("signaling: session is completed")
	ErrNoSession     = errors.New("signaling: session not found")
)

// Message is one signaling message.
type Message struct {
	ID         string          `json:"id,omitempty"`
	SessionID  string          `json:"session_id"`
	SenderID   string          `json:"sender_id"`
	ReceiverID string          `json:"receiver_id"`
	Type       Type            `json:"signal_type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  int64           `json:"created_at"`
}

// SessionReader looks up the session a message belongs to.
type SessionReader interface {
	Get(ctx context.Context, id string) (*call.Session, error)
}

// Relay is the Redis Streams signaling relay.
type Relay struct {
	rdb      *redis.Client
	sessions SessionReader
	maxLen   int64
	ttl      time.Duration
	now      func() time.Time
}

// NewRelay creates a relay that validates every message against sessions.
func NewRelay(rdb *redis.Client, sessions SessionReader) *Relay {
	return &Relay{
		rdb:      rdb,
		sessions: sessions,
		maxLen:   DefaultMaxLen,
		ttl:      DefaultTTL,
		now:      time.Now,
	}
}

// StreamKey returns the stream holding messages addressed to receiver.
func StreamKey(sessionID, receiverID string) string {
	return keyPrefix + sessionID + ":" + receiverID
}

// Send appends msg to the receiver's stream. An empty ReceiverID is filled
// with the sender's partner. The returned message carries the stream ID.
func (r *Relay) Send(ctx context.Context, msg Message) (Message, error) {
	if !msg.Type.Valid() {
		return Message{}, ErrInvalidType
	}
	sess, err := r.sessions.Get(ctx, msg.SessionID)
	if err != nil {
		return Message{}, fmt.Errorf("signaling: send: %w", err)
	}
	if sess == nil {
		return Message{}, ErrNoSession
	}
	if !sess.IsParticipant(msg.SenderID) {
		return Message{}, call.ErrNotParticipant
	}
	partner := sess.Partner(msg.SenderID)
	if msg.ReceiverID == "" {
		msg.ReceiverID = partner
	}
	if msg.ReceiverID != partner {
		return Message{}, ErrNotPeer
	}
	if sess.Completed() {
		return Message{}, ErrSessionClosed
	}

	msg.CreatedAt = r.now().UnixMilli()
	key := StreamKey(msg.SessionID, msg.ReceiverID)

	pipe := r.rdb.TxPipeline()
	add := pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"sender":     msg.SenderID,
			"type":       string(msg.Type),
			"payload":    string(msg.Payload),
			"created_at": msg.CreatedAt,
		},
	})
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return Message{}, fmt.Errorf("signaling: send: %w", err)
	}

	msg.ID = add.Val()
	metrics.Signals.WithLabelValues(string(msg.Type)).Inc()
	return msg, nil
}

// LatestOffer returns the most recent offer addressed to selfID, or nil.
// A non-initiator calls it once after subscribing so an offer sent before
// the subscription existed is not lost.
func (r *Relay) LatestOffer(ctx context.Context, sessionID, selfID string) (*Message, error) {
	entries, err := r.rdb.XRevRangeN(ctx, StreamKey(sessionID, selfID), "+", "-", readCount).Result()
	if err != nil {
		return nil, fmt.Errorf("signaling: latest offer: %w", err)
	}
	for _, e := range entries {
		msg := parseEntry(sessionID, selfID, e)
		if msg.Type == TypeOffer {
			return &msg, nil
		}
	}
	return nil, nil
}

// Prune deletes the streams of a finished session.
func (r *Relay) Prune(ctx context.Context, sessionID string, participants ...string) error {
	if len(participants) == 0 {
		return nil
	}
	keys := make([]string, 0, len(participants))
	for _, p := range participants {
		keys = append(keys, StreamKey(sessionID, p))
	}
	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("signaling: prune: %w", err)
	}
	return nil
}

// Subscription is a lazy, non-restartable stream of messages addressed to
// one participant. C is closed when the subscription ends.
type Subscription struct {
	C <-chan Message

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Close stops the subscription and waits for its reader to exit.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
	<-s.done
}

// Subscribe streams messages addressed to selfID in creation order. from is
// FromNow, FromStart or a stream ID to resume after.
func (r *Relay) Subscribe(ctx context.Context, sessionID, selfID, from string) (*Subscription, error) {
	key := StreamKey(sessionID, selfID)

	last := from
	if from == FromNow {
		// Pin "$" to a concrete ID so nothing sent between two reads is skipped.
		entries, err := r.rdb.XRevRangeN(ctx, key, "+", "-", 1).Result()
		if err != nil {
			return nil, fmt.Errorf("signaling: subscribe: %w", err)
		}
		last = "0-0"
		if len(entries) > 0 {
			last = entries[0].ID
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Message, readCount)
	sub := &Subscription{C: out, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		defer close(out)
		r.readLoop(ctx, key, sessionID, selfID, last, out)
	}()
	return sub, nil
}

func (r *Relay) readLoop(ctx context.Context, key, sessionID, selfID, last string, out chan<- Message) {
	for ctx.Err() == nil {
		streams, err := r.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, last},
			Count:   readCount,
			Block:   readBlock,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[signal] read %s: %v", key, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, e := range stream.Messages {
				last = e.ID
				select {
				case out <- parseEntry(sessionID, selfID, e):
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func parseEntry(sessionID, receiverID string, e redis.XMessage) Message {
	str := func(k string) string {
		v, _ := e.Values[k].(string)
		return v
	}
	created, _ := strconv.ParseInt(str("created_at"), 10, 64)
	var payload json.RawMessage
	if p := str("payload"); p != "" {
		payload = json.RawMessage(p)
	}
	return Message{
		ID:         e.ID,
		SessionID:  sessionID,
		SenderID:   str("sender"),
		ReceiverID: receiverID,
		Type:       Type(str("type")),
		Payload:    payload,
		CreatedAt:  created,
	}
}
