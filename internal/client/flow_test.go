package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/whisper/callengine/internal/call"
	"github.com/whisper/callengine/internal/media"
	"github.com/whisper/callengine/internal/protocol"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type sentMessage struct {
	msgType string
	payload any
}

// fakeTransport records sends and lets the test deliver server messages.
type fakeTransport struct {
	mu       sync.Mutex
	handlers map[string]Handler
	sent     []sentMessage
	failSend error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]Handler)}
}

func (t *fakeTransport) On(msgType string, h Handler) {
	t.mu.Lock()
	t.handlers[msgType] = h
	t.mu.Unlock()
}

func (t *fakeTransport) Send(msgType string, payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failSend != nil {
		return t.failSend
	}
	t.sent = append(t.sent, sentMessage{msgType: msgType, payload: payload})
	return nil
}

func (t *fakeTransport) deliver(msgType string, msg any) {
	t.mu.Lock()
	h := t.handlers[msgType]
	t.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

func (t *fakeTransport) count(msgType string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, m := range t.sent {
		if m.msgType == msgType {
			n++
		}
	}
	return n
}

func (t *fakeTransport) last(msgType string) any {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.sent) - 1; i >= 0; i-- {
		if t.sent[i].msgType == msgType {
			return t.sent[i].payload
		}
	}
	return nil
}

type fakeMedia struct {
	mu       sync.Mutex
	started  []media.Call
	stops    int
	startErr error
	gate     chan struct{} // when set, Start blocks until it is closed
}

func (m *fakeMedia) Start(_ context.Context, c media.Call) error {
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.started = append(m.started, c)
	return nil
}

func (m *fakeMedia) Stop() error {
	m.mu.Lock()
	m.stops++
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) calls() ([]media.Call, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]media.Call(nil), m.started...), m.stops
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func setupFlow(t *testing.T, cfg FlowConfig) (*Flow, *fakeTransport, *fakeMedia, func() []call.Phase) {
	t.Helper()
	tr := newFakeTransport()
	m := &fakeMedia{}

	var mu sync.Mutex
	var seen []call.Phase
	obs := func(_, to call.Phase, _ string) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	}

	if cfg.Preference == "" {
		cfg.Preference = "any"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Hour
	}
	f := NewFlow(tr, m, cfg, obs)
	t.Cleanup(func() { _ = f.Close() })
	phases := func() []call.Phase {
		mu.Lock()
		defer mu.Unlock()
		return append([]call.Phase(nil), seen...)
	}
	return f, tr, m, phases
}

func mediaActive(f *Flow) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mediaOn
}

func matchFound(sessionID string, initiator bool) *protocol.MatchFoundMsg {
	return &protocol.MatchFoundMsg{
		SessionID: sessionID,
		RoomID:    "room-" + sessionID,
		PartnerID: "partner",
		Initiator: initiator,
		Round:     1,
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestFlow_SearchPollsUntilMatched(t *testing.T) {
	f, tr, _, _ := setupFlow(t, FlowConfig{Gender: "male", Preference: "female", GraceDelay: time.Hour})

	if err := f.Search(); err != nil {
		t.Fatalf("search: %v", err)
	}
	if f.Phase() != call.PhaseSearching {
		t.Fatalf("expected searching, got %s", f.Phase())
	}
	msg := tr.last(protocol.TypeFindMatch).(protocol.FindMatchMsg)
	if msg.Gender != "male" || msg.Preference != "female" {
		t.Errorf("unexpected find_match: %+v", msg)
	}

	tr.deliver(protocol.TypeMatchingStarted, &protocol.MatchingStartedMsg{PollInterval: 10})
	waitUntil(t, "find_match re-sends", func() bool { return tr.count(protocol.TypeFindMatch) >= 3 })

	tr.deliver(protocol.TypeMatchFound, matchFound("s1", true))
	if f.Phase() != call.PhaseMatched {
		t.Fatalf("expected matched, got %s", f.Phase())
	}
	n := tr.count(protocol.TypeFindMatch)
	time.Sleep(50 * time.Millisecond)
	if got := tr.count(protocol.TypeFindMatch); got != n {
		t.Errorf("polling continued after match: %d -> %d", n, got)
	}
}

func TestFlow_MatchStartsMediaAndEntersCall(t *testing.T) {
	f, tr, m, _ := setupFlow(t, FlowConfig{GraceDelay: 10 * time.Millisecond})
	if err := f.Search(); err != nil {
		t.Fatalf("search: %v", err)
	}

	tr.deliver(protocol.TypeMatchFound, matchFound("s1", true))
	waitUntil(t, "in_call", func() bool { return f.Phase() == call.PhaseInCall })

	waitUntil(t, "media start", func() bool {
		started, _ := m.calls()
		return len(started) == 1
	})
	started, _ := m.calls()
	if started[0].SessionID != "s1" || started[0].RoomID != "room-s1" || !started[0].Initiator {
		t.Errorf("unexpected media call: %+v", started[0])
	}
	if f.SessionID() != "s1" {
		t.Errorf("expected session s1, got %q", f.SessionID())
	}
}

func TestFlow_ScriptedDecisionOncePerRound(t *testing.T) {
	f, tr, _, _ := setupFlow(t, FlowConfig{
		GraceDelay: time.Hour,
		Decide:     func(int) call.Decision { return call.DecisionContinue },
	})
	if err := f.Search(); err != nil {
		t.Fatalf("search: %v", err)
	}
	tr.deliver(protocol.TypeMatchFound, matchFound("s1", false))

	// Deciding may open before the grace delay ends.
	tr.deliver(protocol.TypeCallDeciding, &protocol.CallDecidingMsg{SessionID: "s1", Round: 1})
	tr.deliver(protocol.TypeCallDeciding, &protocol.CallDecidingMsg{SessionID: "s1", Round: 1})
	if f.Phase() != call.PhaseDeciding {
		t.Fatalf("expected deciding, got %s", f.Phase())
	}
	if got := tr.count(protocol.TypeSubmitDecision); got != 1 {
		t.Fatalf("expected one decision, got %d", got)
	}
	d := tr.last(protocol.TypeSubmitDecision).(protocol.SubmitDecisionMsg)
	if d.SessionID != "s1" || d.Decision != "continue" || d.Round != 1 {
		t.Errorf("unexpected decision: %+v", d)
	}

	tr.deliver(protocol.TypeCallExtended, &protocol.CallExtendedMsg{SessionID: "s1", Round: 2})
	if f.Phase() != call.PhaseInCall || f.Round() != 2 {
		t.Fatalf("expected in_call round 2, got %s round %d", f.Phase(), f.Round())
	}

	tr.deliver(protocol.TypeCallDeciding, &protocol.CallDecidingMsg{SessionID: "s1", Round: 2})
	if got := tr.count(protocol.TypeSubmitDecision); got != 2 {
		t.Errorf("expected a decision for round 2, got %d total", got)
	}
}

func TestFlow_ResolvedStopsMedia(t *testing.T) {
	f, tr, m, phases := setupFlow(t, FlowConfig{GraceDelay: time.Millisecond})
	if err := f.Search(); err != nil {
		t.Fatalf("search: %v", err)
	}
	tr.deliver(protocol.TypeMatchFound, matchFound("s1", true))
	waitUntil(t, "in_call", func() bool { return f.Phase() == call.PhaseInCall })
	waitUntil(t, "media start", func() bool { return mediaActive(f) })

	tr.deliver(protocol.TypeCallDeciding, &protocol.CallDecidingMsg{SessionID: "s1", Round: 1})
	tr.deliver(protocol.TypeCallResolved, &protocol.CallResolvedMsg{
		SessionID: "s1",
		Outcome:   "matched",
		Reason:    "decision",
		Partner:   &protocol.PartnerInfo{Identity: "bob", DisplayName: "Bob"},
	})

	if f.Phase() != call.PhaseCompleted {
		t.Fatalf("expected completed, got %s", f.Phase())
	}
	select {
	case res := <-f.Results():
		if res.Outcome != call.OutcomeMatched || res.Partner == nil || res.Partner.DisplayName != "Bob" {
			t.Errorf("unexpected result: %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("no result delivered")
	}
	waitUntil(t, "media stop", func() bool {
		_, stops := m.calls()
		return stops == 1
	})
	if f.SessionID() != "" {
		t.Error("session should be detached after resolution")
	}

	want := []call.Phase{call.PhaseSelecting, call.PhaseSearching, call.PhaseMatched, call.PhaseInCall, call.PhaseDeciding, call.PhaseCompleted}
	seen := phases()
	if len(seen) != len(want) {
		t.Fatalf("expected phases %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected phases %v, got %v", want, seen)
		}
	}

	// A new search starts from the terminal phase.
	if err := f.Search(); err != nil {
		t.Fatalf("second search: %v", err)
	}
	if f.Phase() != call.PhaseSearching {
		t.Errorf("expected searching, got %s", f.Phase())
	}
}

func TestFlow_RejectedOutcome(t *testing.T) {
	f, tr, _, _ := setupFlow(t, FlowConfig{GraceDelay: time.Hour})
	if err := f.Search(); err != nil {
		t.Fatalf("search: %v", err)
	}
	tr.deliver(protocol.TypeMatchFound, matchFound("s1", false))
	tr.deliver(protocol.TypeCallResolved, &protocol.CallResolvedMsg{SessionID: "s1", Outcome: "rejected", Reason: "decision"})
	if f.Phase() != call.PhaseRejected {
		t.Errorf("expected rejected, got %s", f.Phase())
	}
}

func TestFlow_IgnoresOtherSessions(t *testing.T) {
	f, tr, _, _ := setupFlow(t, FlowConfig{GraceDelay: time.Hour})
	if err := f.Search(); err != nil {
		t.Fatalf("search: %v", err)
	}
	tr.deliver(protocol.TypeMatchFound, matchFound("s1", false))
	tr.deliver(protocol.TypeCallResolved, &protocol.CallResolvedMsg{SessionID: "other", Outcome: "rejected"})
	if f.Phase() != call.PhaseMatched {
		t.Errorf("expected matched, got %s", f.Phase())
	}
}

func TestFlow_QueueErrorResetsToIdle(t *testing.T) {
	f, tr, _, _ := setupFlow(t, FlowConfig{})
	if err := f.Search(); err != nil {
		t.Fatalf("search: %v", err)
	}
	tr.deliver(protocol.TypeError, &protocol.ErrorMsg{Code: "already_in_call", Message: "already in a call"})

	if f.Phase() != call.PhaseIdle {
		t.Errorf("expected idle, got %s", f.Phase())
	}
	select {
	case err := <-f.Errors():
		if err == nil {
			t.Error("expected a visible error")
		}
	default:
		t.Error("expected an error to be reported")
	}
}

func TestFlow_SearchSendFailure(t *testing.T) {
	f, tr, _, _ := setupFlow(t, FlowConfig{})
	tr.failSend = ErrClosed

	if err := f.Search(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if f.Phase() != call.PhaseIdle {
		t.Errorf("expected idle, got %s", f.Phase())
	}
}

func TestFlow_Cancel(t *testing.T) {
	f, tr, _, _ := setupFlow(t, FlowConfig{GraceDelay: time.Hour})
	if err := f.Search(); err != nil {
		t.Fatalf("search: %v", err)
	}
	if err := f.Cancel(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if f.Phase() != call.PhaseIdle {
		t.Errorf("expected idle, got %s", f.Phase())
	}
	if tr.count(protocol.TypeCancelMatch) != 1 {
		t.Error("expected cancel_match")
	}

	// A match that raced the cancel is still taken.
	tr.deliver(protocol.TypeMatchFound, matchFound("s1", true))
	if f.Phase() != call.PhaseMatched {
		t.Errorf("expected matched after racing cancel, got %s", f.Phase())
	}
}

func TestFlow_MediaFailureIsSurfaced(t *testing.T) {
	f, tr, m, _ := setupFlow(t, FlowConfig{GraceDelay: time.Hour})
	m.startErr = media.ErrMicrophoneDenied
	if err := f.Search(); err != nil {
		t.Fatalf("search: %v", err)
	}
	tr.deliver(protocol.TypeMatchFound, matchFound("s1", true))

	select {
	case err := <-f.Errors():
		if !errors.Is(err, media.ErrMicrophoneDenied) {
			t.Errorf("expected microphone denial, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("media failure not reported")
	}
	if f.Phase() != call.PhaseMatched {
		t.Errorf("media failure must not change the phase, got %s", f.Phase())
	}
}

func TestFlow_ActionsWithoutSession(t *testing.T) {
	f, _, _, _ := setupFlow(t, FlowConfig{})
	if err := f.Decide(call.DecisionYes); !errors.Is(err, ErrNoSession) {
		t.Errorf("expected ErrNoSession, got %v", err)
	}
	if err := f.Hangup(); !errors.Is(err, ErrNoSession) {
		t.Errorf("expected ErrNoSession, got %v", err)
	}
}

func TestFlow_CloseStopsMediaStillStarting(t *testing.T) {
	f, tr, m, _ := setupFlow(t, FlowConfig{GraceDelay: time.Hour})
	gate := make(chan struct{})
	m.gate = gate

	tr.deliver(protocol.TypeMatchFound, matchFound("s1", true))
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	close(gate)

	waitUntil(t, "media stop", func() bool {
		_, stops := m.calls()
		return stops == 1
	})
	if mediaActive(f) {
		t.Error("media must not be active after close")
	}

	tr.deliver(protocol.TypeMatchFound, matchFound("s2", true))
	if started, _ := m.calls(); len(started) != 1 {
		t.Errorf("closed flow must ignore new matches, started %d", len(started))
	}
}
