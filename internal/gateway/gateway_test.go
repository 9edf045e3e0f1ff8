package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/callengine/internal/call"
	"github.com/whisper/callengine/internal/matching"
	"github.com/whisper/callengine/internal/messaging"
	"github.com/whisper/callengine/internal/metrics"
	"github.com/whisper/callengine/internal/profile"
	"github.com/whisper/callengine/internal/protocol"
	"github.com/whisper/callengine/internal/signaling"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// recordingSender collects the frames sent to each identity.
type recordingSender struct {
	mu     sync.Mutex
	frames map[string][][]byte
}

func newRecordingSender() *recordingSender {
	return &recordingSender{frames: make(map[string][][]byte)}
}

func (s *recordingSender) SendMessage(identity string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames[identity] = append(s.frames[identity], data)
	return nil
}

// types returns the message types sent to identity, in order.
func (s *recordingSender) types(identity string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, f := range s.frames[identity] {
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(f, &env)
		out = append(out, env.Type)
	}
	return out
}

// last returns the most recent frame of msgType sent to identity.
func (s *recordingSender) last(identity, msgType string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := s.frames[identity]
	for i := len(frames) - 1; i >= 0; i-- {
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(frames[i], &env)
		if env.Type == msgType {
			return frames[i]
		}
	}
	return nil
}

func (s *recordingSender) count(identity, msgType string) int {
	n := 0
	for _, typ := range s.types(identity) {
		if typ == msgType {
			n++
		}
	}
	return n
}

// waitFor polls until identity has received a frame of msgType.
func waitFor(t *testing.T, s *recordingSender, identity, msgType string) []byte {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if f := s.last(identity, msgType); f != nil {
			return f
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s never received %s; got %v", identity, msgType, s.types(identity))
	return nil
}

// memoryBus is an in-process stand-in for the NATS client. Handlers run
// synchronously on the publishing goroutine.
type memoryBus struct {
	mu       sync.Mutex
	handlers map[string]func([]byte)
	changed  []string
}

func newMemoryBus() *memoryBus {
	return &memoryBus{handlers: make(map[string]func([]byte))}
}

func (b *memoryBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	h := b.handlers[subject]
	b.mu.Unlock()
	if h != nil {
		h(data)
	}
	return nil
}

func (b *memoryBus) PublishQueueChanged(identity string) error {
	b.mu.Lock()
	b.changed = append(b.changed, identity)
	b.mu.Unlock()
	return nil
}

func (b *memoryBus) PublishCallEvent(identity string, data []byte) error {
	return b.Publish(messaging.SubjectCallEvent+"."+identity, data)
}

func (b *memoryBus) subscribe(subject string, h func([]byte)) error {
	b.mu.Lock()
	b.handlers[subject] = h
	b.mu.Unlock()
	return nil
}

func (b *memoryBus) unsubscribe(subject string) error {
	b.mu.Lock()
	delete(b.handlers, subject)
	b.mu.Unlock()
	return nil
}

func (b *memoryBus) SubscribeMatchFound(identity string, h func([]byte)) error {
	return b.subscribe(messaging.SubjectMatchFound+"."+identity, h)
}

func (b *memoryBus) UnsubscribeMatchFound(identity string) error {
	return b.unsubscribe(messaging.SubjectMatchFound + "." + identity)
}

func (b *memoryBus) SubscribeCallEvents(identity string, h func([]byte)) error {
	return b.subscribe(messaging.SubjectCallEvent+"."+identity, h)
}

func (b *memoryBus) UnsubscribeCallEvents(identity string) error {
	return b.unsubscribe(messaging.SubjectCallEvent + "." + identity)
}

type staticProfiles map[string]profile.Profile

func (p staticProfiles) Get(_ context.Context, identity string) (*profile.Profile, error) {
	pr, ok := p[identity]
	if !ok {
		return nil, profile.ErrNotFound
	}
	return &pr, nil
}

// ---------------------------------------------------------------------------
// Setup
// ---------------------------------------------------------------------------

// Deciding opens as soon as each round starts so decisions are accepted
// without waiting.
var decideNow = call.Timing{
	Duration:       time.Minute,
	DecisionLead:   2 * time.Minute,
	DecisionWindow: time.Minute,
	Extension:      time.Minute,
	DecidingGrace:  5 * time.Minute,
}

type harness struct {
	gw     *Gateway
	sender *recordingSender
	bus    *memoryBus
	store  *call.Store
	rdb    *redis.Client
}

// setupGateway wires a gateway to a test Redis instance and in-memory
// transport. Requires Redis running on localhost:6379. Tests are skipped if
// unavailable.
func setupGateway(t *testing.T, timing call.Timing) *harness {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   8,
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}
	rdb.FlushDB(ctx)

	sender := newRecordingSender()
	bus := newMemoryBus()
	store := call.NewStore(rdb, timing)
	relay := signaling.NewRelay(rdb, store)

	gw := New(Config{
		PollInterval: 2 * time.Second,
		TimerTick:    20 * time.Millisecond,
		OpTimeout:    time.Second,
	}, Deps{
		Sender:    sender,
		Bus:       bus,
		Queue:     matching.NewQueue(rdb),
		Finder:    matching.NewFinder(rdb, timing, 30*time.Second),
		Announcer: matching.NewAnnouncer(bus, nil),
		Sessions:  store,
		Finalizer: &call.Finalizer{Events: bus, Signals: relay},
		Relay:     relay,
		Profiles: staticProfiles{
			"alice": {Identity: "alice", Gender: "female", DisplayName: "Alice"},
			"bob":   {Identity: "bob", Gender: "male", DisplayName: "Bob"},
		},
	})

	t.Cleanup(func() {
		for _, id := range []string{"alice", "bob", "carol"} {
			if c := gw.client(id); c != nil {
				c.detach()
			}
		}
		rdb.FlushDB(ctx)
		rdb.Close()
	})

	return &harness{gw: gw, sender: sender, bus: bus, store: store, rdb: rdb}
}

// pair connects alice and bob and matches them. alice waits first and is
// therefore the initiator.
func (h *harness) pair(t *testing.T) protocol.MatchFoundMsg {
	t.Helper()
	h.gw.Connect("alice")
	h.gw.Connect("bob")

	h.gw.FindMatch("alice", &protocol.FindMatchMsg{Preference: "male"})
	h.gw.FindMatch("bob", &protocol.FindMatchMsg{Preference: "female"})

	waitFor(t, h.sender, "bob", protocol.TypeMatchFound)
	var found protocol.MatchFoundMsg
	if err := json.Unmarshal(waitFor(t, h.sender, "alice", protocol.TypeMatchFound), &found); err != nil {
		t.Fatalf("match_found: %v", err)
	}
	return found
}

func resolvedMsg(t *testing.T, h *harness, identity string) protocol.CallResolvedMsg {
	t.Helper()
	var msg protocol.CallResolvedMsg
	if err := json.Unmarshal(waitFor(t, h.sender, identity, protocol.TypeCallResolved), &msg); err != nil {
		t.Fatalf("call_resolved: %v", err)
	}
	return msg
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestGateway_FindMatchWaitsThenPairs(t *testing.T) {
	h := setupGateway(t, decideNow)
	h.gw.Connect("alice")
	h.gw.Connect("bob")

	h.gw.FindMatch("alice", &protocol.FindMatchMsg{Gender: "female", Preference: "male"})
	h.gw.FindMatch("alice", &protocol.FindMatchMsg{Gender: "female", Preference: "male"})

	got := h.sender.types("alice")
	if len(got) != 2 || got[0] != protocol.TypeMatchingStarted || got[1] != protocol.TypeMatchWaiting {
		t.Fatalf("expected matching_started then match_waiting, got %v", got)
	}
	if len(h.bus.changed) != 1 {
		t.Errorf("expected one queue change notification, got %v", h.bus.changed)
	}

	h.gw.FindMatch("bob", &protocol.FindMatchMsg{Gender: "male", Preference: "female"})

	var a, b protocol.MatchFoundMsg
	_ = json.Unmarshal(waitFor(t, h.sender, "alice", protocol.TypeMatchFound), &a)
	_ = json.Unmarshal(waitFor(t, h.sender, "bob", protocol.TypeMatchFound), &b)

	if a.SessionID == "" || a.SessionID != b.SessionID {
		t.Fatalf("expected one shared session, got %q and %q", a.SessionID, b.SessionID)
	}
	if a.PartnerID != "bob" || b.PartnerID != "alice" {
		t.Errorf("unexpected partners %q / %q", a.PartnerID, b.PartnerID)
	}
	if !a.Initiator || b.Initiator {
		t.Error("expected the waiting entrant to be the initiator")
	}
	if a.Round != 1 || a.Deadline <= a.EndsAt {
		t.Errorf("unexpected round data %+v", a)
	}
}

func TestGateway_FindMatchUsesProfileGender(t *testing.T) {
	h := setupGateway(t, decideNow)
	found := h.pair(t)
	if found.PartnerID != "bob" {
		t.Fatalf("expected alice to be paired with bob, got %q", found.PartnerID)
	}
}

func TestGateway_FindMatchWithoutGender(t *testing.T) {
	h := setupGateway(t, decideNow)
	h.gw.Connect("carol")

	h.gw.FindMatch("carol", &protocol.FindMatchMsg{Preference: "any"})

	var em protocol.ErrorMsg
	_ = json.Unmarshal(waitFor(t, h.sender, "carol", protocol.TypeError), &em)
	if em.Code != protocol.CodeInvalidRequest {
		t.Errorf("expected invalid_request, got %q", em.Code)
	}
}

func TestGateway_FindMatchWhileInCall(t *testing.T) {
	h := setupGateway(t, decideNow)
	h.pair(t)

	h.gw.FindMatch("alice", &protocol.FindMatchMsg{Preference: "any"})

	var em protocol.ErrorMsg
	_ = json.Unmarshal(waitFor(t, h.sender, "alice", protocol.TypeError), &em)
	if em.Code != protocol.CodeAlreadyInCall {
		t.Errorf("expected already_in_call, got %q", em.Code)
	}
}

func TestGateway_CancelMatch(t *testing.T) {
	h := setupGateway(t, decideNow)
	h.gw.Connect("alice")
	h.gw.FindMatch("alice", &protocol.FindMatchMsg{Preference: "any"})

	h.gw.CancelMatch("alice")
	h.gw.CancelMatch("alice")

	queued, err := h.gw.Queue.IsQueued(context.Background(), "alice")
	if err != nil {
		t.Fatalf("is queued: %v", err)
	}
	if queued {
		t.Error("expected alice to leave the queue")
	}
	if n := h.sender.count("alice", protocol.TypeError); n != 0 {
		t.Errorf("cancel should be idempotent, got %d errors", n)
	}

	// A new search starts over with matching_started.
	h.gw.FindMatch("alice", &protocol.FindMatchMsg{Preference: "any"})
	if n := h.sender.count("alice", protocol.TypeMatchingStarted); n != 2 {
		t.Errorf("expected a second matching_started, got %d", n)
	}
}

func TestGateway_MutualYesRevealsPartner(t *testing.T) {
	h := setupGateway(t, decideNow)
	found := h.pair(t)

	h.gw.SubmitDecision("alice", &protocol.SubmitDecisionMsg{SessionID: found.SessionID, Decision: "yes"})

	var rec protocol.DecisionRecordedMsg
	_ = json.Unmarshal(waitFor(t, h.sender, "alice", protocol.TypeDecisionRecorded), &rec)
	if rec.Resolved {
		t.Fatal("a single yes must not resolve the round")
	}
	waitFor(t, h.sender, "bob", protocol.TypeCallDeciding)

	h.gw.SubmitDecision("bob", &protocol.SubmitDecisionMsg{SessionID: found.SessionID, Decision: "yes", Round: 1})

	for _, id := range []string{"alice", "bob"} {
		msg := resolvedMsg(t, h, id)
		if msg.Outcome != string(call.OutcomeMatched) || msg.Reason != call.ReasonDecision {
			t.Errorf("%s: unexpected resolution %+v", id, msg)
		}
		if msg.Partner == nil {
			t.Fatalf("%s: expected partner info on a match", id)
		}
	}
	if p := resolvedMsg(t, h, "alice").Partner; p.Identity != "bob" || p.DisplayName != "Bob" {
		t.Errorf("unexpected partner for alice %+v", p)
	}
	if n := h.sender.count("bob", protocol.TypeCallDeciding); n != 1 {
		t.Errorf("expected call_deciding once per round, got %d", n)
	}
}

func TestGateway_NoHidesPartner(t *testing.T) {
	h := setupGateway(t, decideNow)
	found := h.pair(t)

	h.gw.SubmitDecision("bob", &protocol.SubmitDecisionMsg{SessionID: found.SessionID, Decision: "no"})

	for _, id := range []string{"alice", "bob"} {
		msg := resolvedMsg(t, h, id)
		if msg.Outcome != string(call.OutcomeRejected) {
			t.Errorf("%s: expected rejected, got %+v", id, msg)
		}
		if msg.Partner != nil {
			t.Errorf("%s: partner must stay hidden", id)
		}
	}
}

func TestGateway_MutualContinueExtends(t *testing.T) {
	h := setupGateway(t, decideNow)
	found := h.pair(t)

	h.gw.SubmitDecision("alice", &protocol.SubmitDecisionMsg{SessionID: found.SessionID, Decision: "continue"})
	h.gw.SubmitDecision("bob", &protocol.SubmitDecisionMsg{SessionID: found.SessionID, Decision: "continue"})

	var ext protocol.CallExtendedMsg
	_ = json.Unmarshal(waitFor(t, h.sender, "alice", protocol.TypeCallExtended), &ext)
	if ext.Round != 2 || ext.EndsAt <= found.EndsAt {
		t.Errorf("unexpected extension %+v (first round ended at %d)", ext, found.EndsAt)
	}
	waitFor(t, h.sender, "bob", protocol.TypeCallExtended)

	// The next round accepts decisions again.
	h.gw.SubmitDecision("alice", &protocol.SubmitDecisionMsg{SessionID: found.SessionID, Decision: "no", Round: 2})
	if msg := resolvedMsg(t, h, "bob"); msg.Outcome != string(call.OutcomeRejected) {
		t.Errorf("expected rejected in round 2, got %+v", msg)
	}
}

func TestGateway_DecisionErrors(t *testing.T) {
	h := setupGateway(t, decideNow)
	found := h.pair(t)
	h.gw.Connect("carol")

	cases := []struct {
		identity string
		msg      protocol.SubmitDecisionMsg
		code     string
	}{
		{"alice", protocol.SubmitDecisionMsg{SessionID: "missing", Decision: "yes"}, protocol.CodeNotFound},
		{"carol", protocol.SubmitDecisionMsg{SessionID: found.SessionID, Decision: "yes"}, protocol.CodeNotParticipant},
		{"alice", protocol.SubmitDecisionMsg{SessionID: found.SessionID, Decision: "yes", Round: 7}, protocol.CodeStaleRound},
	}
	for _, tc := range cases {
		h.gw.SubmitDecision(tc.identity, &tc.msg)
		var em protocol.ErrorMsg
		_ = json.Unmarshal(waitFor(t, h.sender, tc.identity, protocol.TypeError), &em)
		if em.Code != tc.code {
			t.Errorf("%+v: expected %s, got %s", tc.msg, tc.code, em.Code)
		}
	}
}

func TestGateway_NotDecidingYet(t *testing.T) {
	h := setupGateway(t, call.Timing{
		Duration:       time.Minute,
		DecisionLead:   10 * time.Second,
		DecisionWindow: 10 * time.Second,
		Extension:      time.Minute,
		DecidingGrace:  5 * time.Minute,
	})
	found := h.pair(t)

	h.gw.SubmitDecision("alice", &protocol.SubmitDecisionMsg{SessionID: found.SessionID, Decision: "yes"})

	var em protocol.ErrorMsg
	_ = json.Unmarshal(waitFor(t, h.sender, "alice", protocol.TypeError), &em)
	if em.Code != protocol.CodeNotDeciding {
		t.Errorf("expected not_deciding, got %q", em.Code)
	}
}

func TestGateway_RoundExpires(t *testing.T) {
	h := setupGateway(t, call.Timing{
		Duration:       200 * time.Millisecond,
		DecisionLead:   100 * time.Millisecond,
		DecisionWindow: 100 * time.Millisecond,
		Extension:      time.Minute,
		DecidingGrace:  5 * time.Minute,
	})
	h.pair(t)

	waitFor(t, h.sender, "alice", protocol.TypeCallDeciding)
	for _, id := range []string{"alice", "bob"} {
		msg := resolvedMsg(t, h, id)
		if msg.Outcome != string(call.OutcomeNotMatched) || msg.Reason != call.ReasonTimeout {
			t.Errorf("%s: expected not_matched/timeout, got %+v", id, msg)
		}
	}
	if n := h.sender.count("alice", protocol.TypeCallResolved); n != 1 {
		t.Errorf("expected a single call_resolved, got %d", n)
	}
}

// signalCount reads the relayed-signal counter for one type.
func signalCount(t *testing.T, signalType string) float64 {
	t.Helper()
	var m dto.Metric
	if err := metrics.Signals.WithLabelValues(signalType).Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestGateway_SignalsReachPartner(t *testing.T) {
	h := setupGateway(t, decideNow)
	found := h.pair(t)

	before := signalCount(t, "offer")
	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	h.gw.Signal("alice", &protocol.SignalMsg{SessionID: found.SessionID, SignalType: "offer", Payload: offer})

	var sig protocol.ServerSignalMsg
	_ = json.Unmarshal(waitFor(t, h.sender, "bob", protocol.TypeSignal), &sig)
	if n := signalCount(t, "offer") - before; n != 1 {
		t.Errorf("expected one relayed offer counted, got %v", n)
	}
	if sig.SenderID != "alice" || sig.ReceiverID != "bob" || sig.SignalType != "offer" {
		t.Errorf("unexpected signal %+v", sig)
	}
	if !strings.Contains(string(sig.Payload), `"sdp":"v=0"`) {
		t.Errorf("payload altered: %s", sig.Payload)
	}

	h.gw.SignalHistory("bob", &protocol.SignalHistoryMsg{SessionID: found.SessionID})
	var hist protocol.SignalHistoryResultMsg
	_ = json.Unmarshal(waitFor(t, h.sender, "bob", protocol.TypeSignalHistory), &hist)
	if hist.Offer == nil || hist.Offer.ID != sig.ID {
		t.Errorf("expected the latest offer in history, got %+v", hist.Offer)
	}
}

func TestGateway_SignalAfterEndIsDropped(t *testing.T) {
	h := setupGateway(t, decideNow)
	found := h.pair(t)

	h.gw.EndCall("alice", &protocol.EndCallMsg{SessionID: found.SessionID})
	resolvedMsg(t, h, "bob")

	h.gw.Signal("alice", &protocol.SignalMsg{
		SessionID:  found.SessionID,
		SignalType: "ice-candidate",
		Payload:    json.RawMessage(`{}`),
	})
	if n := h.sender.count("alice", protocol.TypeError); n != 0 {
		t.Errorf("expected a silent drop, got %d errors", n)
	}
}

func TestGateway_EndCallResolvesBoth(t *testing.T) {
	h := setupGateway(t, decideNow)
	found := h.pair(t)

	h.gw.EndCall("bob", &protocol.EndCallMsg{SessionID: found.SessionID})
	h.gw.EndCall("bob", &protocol.EndCallMsg{SessionID: found.SessionID})

	for _, id := range []string{"alice", "bob"} {
		msg := resolvedMsg(t, h, id)
		if msg.Outcome != string(call.OutcomeNotMatched) || msg.Reason != call.ReasonEnded {
			t.Errorf("%s: expected not_matched/ended, got %+v", id, msg)
		}
	}
	if n := h.sender.count("alice", protocol.TypeCallResolved); n != 1 {
		t.Errorf("expected one call_resolved after a repeated hang-up, got %d", n)
	}
}

func TestGateway_DisconnectEndsCall(t *testing.T) {
	h := setupGateway(t, decideNow)
	found := h.pair(t)

	h.gw.Disconnect("alice")

	msg := resolvedMsg(t, h, "bob")
	if msg.SessionID != found.SessionID || msg.Reason != call.ReasonDisconnected {
		t.Errorf("unexpected resolution %+v", msg)
	}
	if h.gw.tracked() != 1 {
		t.Errorf("expected only bob to remain, got %d", h.gw.tracked())
	}
	active, _ := h.store.ActiveSession(context.Background(), "bob")
	if active != "" {
		t.Errorf("expected bob to be free, still in %q", active)
	}
}

func TestGateway_ConnectReattachesOpenSession(t *testing.T) {
	h := setupGateway(t, decideNow)
	found := h.pair(t)

	// Simulate a gateway restart: state is lost, Redis keeps the session.
	h.gw.client("alice").detach()
	h.gw.mu.Lock()
	delete(h.gw.clients, "alice")
	h.gw.mu.Unlock()
	h.sender.mu.Lock()
	delete(h.sender.frames, "alice")
	h.sender.mu.Unlock()

	h.gw.Connect("alice")

	var again protocol.MatchFoundMsg
	_ = json.Unmarshal(waitFor(t, h.sender, "alice", protocol.TypeMatchFound), &again)
	if again.SessionID != found.SessionID || !again.Initiator {
		t.Errorf("unexpected re-attachment %+v", again)
	}
}

func TestDeciding_OncePerRound(t *testing.T) {
	sender := newRecordingSender()
	g := New(DefaultConfig(), Deps{Sender: sender})
	c := &client{identity: "alice"}

	g.deciding(c, "s1", 1, 1000)
	g.deciding(c, "s1", 1, 1000)
	g.deciding(c, "s1", 2, 2000)

	if n := sender.count("alice", protocol.TypeCallDeciding); n != 2 {
		t.Errorf("expected one call_deciding per round, got %d", n)
	}
}

func TestDecisionError_Codes(t *testing.T) {
	cases := map[error]string{
		call.ErrNotFound:        protocol.CodeNotFound,
		call.ErrNotParticipant:  protocol.CodeNotParticipant,
		call.ErrNotDeciding:     protocol.CodeNotDeciding,
		call.ErrStaleRound:      protocol.CodeStaleRound,
		call.ErrInvalidDecision: protocol.CodeInvalidRequest,
		call.ErrContention:      protocol.CodeInternal,
	}
	for err, want := range cases {
		if got, _ := decisionError(err); got != want {
			t.Errorf("%v: expected %s, got %s", err, want, got)
		}
	}
}
