package call

import (
	"errors"
	"testing"
	"time"
)

var testTiming = Timing{
	Duration:       3 * time.Minute,
	DecisionLead:   20 * time.Second,
	DecisionWindow: 0,
	Extension:      3 * time.Minute,
	DecidingGrace:  5 * time.Minute,
}

func newTestSession(start time.Time) Session {
	return *NewSession("s1", "alice", "bob", "room-s1", start, testTiming)
}

func TestResolve(t *testing.T) {
	tests := []struct {
		a, b Decision
		want Outcome
	}{
		{DecisionYes, DecisionYes, OutcomeMatched},
		{DecisionYes, DecisionNo, OutcomeRejected},
		{DecisionNo, DecisionYes, OutcomeRejected},
		{DecisionNo, DecisionNone, OutcomeRejected},
		{DecisionNone, DecisionNo, OutcomeRejected},
		{DecisionContinue, DecisionNo, OutcomeRejected},
		{DecisionYes, DecisionContinue, OutcomeExtended},
		{DecisionContinue, DecisionYes, OutcomeExtended},
		{DecisionContinue, DecisionContinue, OutcomeExtended},
		{DecisionYes, DecisionNone, OutcomeNone},
		{DecisionNone, DecisionContinue, OutcomeNone},
		{DecisionNone, DecisionNone, OutcomeNone},
	}
	for _, tt := range tests {
		if got := Resolve(tt.a, tt.b); got != tt.want {
			t.Errorf("Resolve(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestResolve_Symmetric(t *testing.T) {
	all := []Decision{DecisionNone, DecisionYes, DecisionNo, DecisionContinue}
	for _, a := range all {
		for _, b := range all {
			if Resolve(a, b) != Resolve(b, a) {
				t.Errorf("Resolve(%q, %q) != Resolve(%q, %q)", a, b, b, a)
			}
		}
	}
}

func TestDecide_BeforeDecideAt(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	sess := newTestSession(start)

	_, err := decide(sess, "alice", DecisionYes, 1, start.Add(time.Minute), testTiming)
	if !errors.Is(err, ErrNotDeciding) {
		t.Fatalf("expected ErrNotDeciding, got %v", err)
	}
}

func TestDecide_Validation(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	sess := newTestSession(start)
	at := sess.DecideAt

	if _, err := decide(sess, "alice", Decision("maybe"), 1, at, testTiming); !errors.Is(err, ErrInvalidDecision) {
		t.Errorf("expected ErrInvalidDecision, got %v", err)
	}
	if _, err := decide(sess, "mallory", DecisionYes, 1, at, testTiming); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("expected ErrNotParticipant, got %v", err)
	}
	if _, err := decide(sess, "alice", DecisionYes, 2, at, testTiming); !errors.Is(err, ErrStaleRound) {
		t.Errorf("expected ErrStaleRound, got %v", err)
	}
}

func TestDecide_FirstDecisionWaits(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	sess := newTestSession(start)
	at := sess.DecideAt.Add(time.Second)

	res, err := decide(sess, "alice", DecisionYes, 1, at, testTiming)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Resolved {
		t.Fatal("expected unresolved result after one decision")
	}
	if res.Session.Status != StatusDeciding {
		t.Errorf("expected status deciding, got %s", res.Session.Status)
	}
	if !res.Session.DecidingAt.Equal(at) {
		t.Errorf("expected deciding_at %v, got %v", at, res.Session.DecidingAt)
	}
	if sess.DecisionA != DecisionNone {
		t.Error("decide must not mutate its input")
	}
}

func TestDecide_NoResolvesImmediately(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	sess := newTestSession(start)
	at := sess.DecideAt

	res, err := decide(sess, "bob", DecisionNo, 1, at, testTiming)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Resolved || res.Outcome != OutcomeRejected {
		t.Fatalf("expected rejected, got resolved=%v outcome=%s", res.Resolved, res.Outcome)
	}
	if !res.Session.Completed() || res.Session.Reason != ReasonDecision {
		t.Errorf("expected completed by decision, got %s/%s", res.Session.Status, res.Session.Reason)
	}
}

func TestDecide_MutualYes(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	sess := newTestSession(start)
	at := sess.DecideAt

	first, err := decide(sess, "alice", DecisionYes, 1, at, testTiming)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := decide(*first.Session, "bob", DecisionYes, 1, at.Add(time.Second), testTiming)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Outcome != OutcomeMatched || !second.Session.Completed() {
		t.Fatalf("expected matched, got %s", second.Outcome)
	}
}

func TestDecide_ContinueExtends(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	sess := newTestSession(start)
	at := sess.DecideAt.Add(5 * time.Second)
	oldEnds := sess.EndsAt

	first, _ := decide(sess, "alice", DecisionYes, 1, at, testTiming)
	res, err := decide(*first.Session, "bob", DecisionContinue, 1, at, testTiming)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeExtended || !res.Resolved {
		t.Fatalf("expected extended, got %s", res.Outcome)
	}
	if res.Round != 1 {
		t.Errorf("expected result round 1, got %d", res.Round)
	}

	next := res.Session
	if next.Round != 2 {
		t.Errorf("expected round 2, got %d", next.Round)
	}
	if next.Status != StatusActive {
		t.Errorf("expected status active, got %s", next.Status)
	}
	if next.DecisionA != DecisionNone || next.DecisionB != DecisionNone {
		t.Error("expected decisions cleared for the new round")
	}
	if want := oldEnds.Add(testTiming.Extension); !next.EndsAt.Equal(want) {
		t.Errorf("expected ends_at %v, got %v", want, next.EndsAt)
	}
	if !next.EndsAt.After(oldEnds) {
		t.Error("extension must move ends_at forward")
	}
	if want := next.EndsAt.Add(-testTiming.DecisionLead); !next.DecideAt.Equal(want) {
		t.Errorf("expected decide_at %v, got %v", want, next.DecideAt)
	}
}

func TestDecide_ExtensionFromLateNow(t *testing.T) {
	timing := testTiming
	timing.DecisionWindow = 30 * time.Second
	start := time.Unix(1_700_000_000, 0)
	sess := *NewSession("s1", "alice", "bob", "", start, timing)
	late := sess.EndsAt.Add(10 * time.Second)

	first, _ := decide(sess, "alice", DecisionContinue, 1, late, timing)
	res, err := decide(*first.Session, "bob", DecisionContinue, 1, late, timing)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := late.Add(timing.Extension); !res.Session.EndsAt.Equal(want) {
		t.Errorf("expected ends_at measured from now %v, got %v", want, res.Session.EndsAt)
	}
}

func TestDecide_RepeatIsNoop(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	sess := newTestSession(start)
	at := sess.DecideAt

	first, _ := decide(sess, "alice", DecisionYes, 1, at, testTiming)
	res, err := decide(*first.Session, "alice", DecisionNo, 1, at, testTiming)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.changed || res.Resolved {
		t.Fatal("expected repeat decision to change nothing")
	}
	if res.Session.DecisionA != DecisionYes {
		t.Errorf("expected first decision kept, got %q", res.Session.DecisionA)
	}
}

func TestDecide_AfterCompletion(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	sess := newTestSession(start)
	at := sess.DecideAt

	done, _ := decide(sess, "alice", DecisionNo, 1, at, testTiming)
	res, err := decide(*done.Session, "bob", DecisionYes, 1, at, testTiming)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.changed {
		t.Fatal("expected no change after completion")
	}
	if res.Outcome != OutcomeRejected || !res.Resolved {
		t.Errorf("expected stored outcome rejected, got %s", res.Outcome)
	}
}

func TestDecide_PastDeadline(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	sess := newTestSession(start)

	res, err := decide(sess, "alice", DecisionYes, 1, sess.Deadline.Add(time.Second), testTiming)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeNotMatched || res.Session.Reason != ReasonTimeout {
		t.Fatalf("expected not_matched by timeout, got %s/%s", res.Outcome, res.Session.Reason)
	}
}
