package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/callengine/internal/call"
)

var testTiming = call.Timing{
	Duration:      3 * time.Minute,
	DecisionLead:  20 * time.Second,
	Extension:     3 * time.Minute,
	DecidingGrace: 5 * time.Minute,
}

// sessionTable is an in-memory SessionReader.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[string]call.Session
}

func (st *sessionTable) Get(_ context.Context, id string) (*call.Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess, ok := st.sessions[id]
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

func (st *sessionTable) complete(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess := st.sessions[id]
	sess.Status = call.StatusCompleted
	sess.Outcome = call.OutcomeNotMatched
	sess.Reason = call.ReasonEnded
	st.sessions[id] = sess
}

// setupTestRelay creates a Relay and a session between alice and bob.
// Requires Redis running on localhost:6379. Tests are skipped if unavailable.
func setupTestRelay(t *testing.T) (*Relay, *sessionTable, context.Context) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   12,
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}
	rdb.FlushDB(ctx)

	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})

	store := &sessionTable{sessions: map[string]call.Session{
		"s1": *call.NewSession("s1", "alice", "bob", "room-1", time.Now(), testTiming),
	}}
	return NewRelay(rdb, store), store, ctx
}

func offer(sdp string) Message {
	payload, _ := json.Marshal(map[string]string{"type": "offer", "sdp": sdp})
	return Message{SessionID: "s1", SenderID: "alice", ReceiverID: "bob", Type: TypeOffer, Payload: payload}
}

func receive(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.C:
		if !ok {
			t.Fatal("subscription closed")
		}
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for signal")
	}
	return Message{}
}

func TestRelay_SendValidation(t *testing.T) {
	r, _, ctx := setupTestRelay(t)

	bad := offer("v=0")
	bad.Type = "renegotiate"
	if _, err := r.Send(ctx, bad); !errors.Is(err, ErrInvalidType) {
		t.Errorf("expected ErrInvalidType, got %v", err)
	}

	stranger := offer("v=0")
	stranger.SenderID = "mallory"
	if _, err := r.Send(ctx, stranger); !errors.Is(err, call.ErrNotParticipant) {
		t.Errorf("expected ErrNotParticipant, got %v", err)
	}

	self := offer("v=0")
	self.ReceiverID = "alice"
	if _, err := r.Send(ctx, self); !errors.Is(err, ErrNotPeer) {
		t.Errorf("expected ErrNotPeer, got %v", err)
	}

	missing := offer("v=0")
	missing.SessionID = "nope"
	if _, err := r.Send(ctx, missing); !errors.Is(err, ErrNoSession) {
		t.Errorf("expected ErrNoSession, got %v", err)
	}
}

func TestRelay_SendFillsReceiver(t *testing.T) {
	r, _, ctx := setupTestRelay(t)

	msg := offer("v=0")
	msg.ReceiverID = ""
	sent, err := r.Send(ctx, msg)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent.ReceiverID != "bob" {
		t.Errorf("expected receiver bob, got %q", sent.ReceiverID)
	}
	if sent.ID == "" || sent.CreatedAt == 0 {
		t.Errorf("expected stream id and timestamp, got %+v", sent)
	}
}

func TestRelay_SubscribeInOrder(t *testing.T) {
	r, _, ctx := setupTestRelay(t)

	sub, err := r.Subscribe(ctx, "s1", "bob", FromNow)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := r.Send(ctx, offer("v=0")); err != nil {
		t.Fatalf("send offer: %v", err)
	}
	for i := 0; i < 3; i++ {
		cand := Message{SessionID: "s1", SenderID: "alice", Type: TypeICECandidate,
			Payload: json.RawMessage(`{"candidate":"c"}`)}
		if _, err := r.Send(ctx, cand); err != nil {
			t.Fatalf("send candidate: %v", err)
		}
	}

	first := receive(t, sub)
	if first.Type != TypeOffer || first.SenderID != "alice" || first.ReceiverID != "bob" {
		t.Fatalf("expected offer from alice first, got %+v", first)
	}
	for i := 0; i < 3; i++ {
		if msg := receive(t, sub); msg.Type != TypeICECandidate {
			t.Errorf("message %d: expected ice-candidate, got %s", i, msg.Type)
		}
	}
}

func TestRelay_SubscribeIsScopedToReceiver(t *testing.T) {
	r, _, ctx := setupTestRelay(t)

	aliceSub, _ := r.Subscribe(ctx, "s1", "alice", FromNow)
	defer aliceSub.Close()

	if _, err := r.Send(ctx, offer("v=0")); err != nil {
		t.Fatalf("send: %v", err)
	}
	answer := Message{SessionID: "s1", SenderID: "bob", Type: TypeAnswer, Payload: json.RawMessage(`{}`)}
	if _, err := r.Send(ctx, answer); err != nil {
		t.Fatalf("send answer: %v", err)
	}

	msg := receive(t, aliceSub)
	if msg.Type != TypeAnswer {
		t.Fatalf("alice must only see messages addressed to her, got %s", msg.Type)
	}
}

func TestRelay_LatestOfferRecoversEarlyOffer(t *testing.T) {
	r, _, ctx := setupTestRelay(t)

	// The initiator offers before bob subscribes.
	if _, err := r.Send(ctx, offer("first")); err != nil {
		t.Fatalf("send: %v", err)
	}
	latest, err := r.Send(ctx, offer("second"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	sub, _ := r.Subscribe(ctx, "s1", "bob", FromNow)
	defer sub.Close()

	got, err := r.LatestOffer(ctx, "s1", "bob")
	if err != nil {
		t.Fatalf("latest offer: %v", err)
	}
	if got == nil || got.ID != latest.ID {
		t.Fatalf("expected latest offer %s, got %+v", latest.ID, got)
	}

	none, err := r.LatestOffer(ctx, "s1", "alice")
	if err != nil || none != nil {
		t.Errorf("expected no offer for alice, got %+v (%v)", none, err)
	}
}

func TestRelay_SubscribeFromStartReplays(t *testing.T) {
	r, _, ctx := setupTestRelay(t)

	if _, err := r.Send(ctx, offer("v=0")); err != nil {
		t.Fatalf("send: %v", err)
	}
	sub, _ := r.Subscribe(ctx, "s1", "bob", FromStart)
	defer sub.Close()

	if msg := receive(t, sub); msg.Type != TypeOffer {
		t.Errorf("expected replayed offer, got %s", msg.Type)
	}
}

func TestRelay_CloseEndsSubscription(t *testing.T) {
	r, _, ctx := setupTestRelay(t)

	sub, _ := r.Subscribe(ctx, "s1", "bob", FromNow)
	sub.Close()
	sub.Close()

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Close")
	}
}

func TestRelay_CompletedSessionRejectsAndPrunes(t *testing.T) {
	r, store, ctx := setupTestRelay(t)

	if _, err := r.Send(ctx, offer("v=0")); err != nil {
		t.Fatalf("send: %v", err)
	}
	store.complete("s1")
	if _, err := r.Send(ctx, offer("v=1")); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}

	if err := r.Prune(ctx, "s1", "alice", "bob"); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if got, _ := r.LatestOffer(ctx, "s1", "bob"); got != nil {
		t.Error("expected streams deleted")
	}
}
