package call

import (
	"errors"
	"testing"
)

func TestPhaseMachine_HappyPath(t *testing.T) {
	var seen []Phase
	m := NewPhaseMachine(func(from, to Phase, reason string) {
		seen = append(seen, to)
	})

	steps := []Phase{
		PhaseSelecting, PhaseSearching, PhaseMatched, PhaseInCall,
		PhaseDeciding, PhaseExtended, PhaseInCall, PhaseDeciding,
		PhaseCompleted, PhaseIdle,
	}
	for _, p := range steps {
		if err := m.Transition(p, "test"); err != nil {
			t.Fatalf("transition to %s: %v", p, err)
		}
	}
	if len(seen) != len(steps) {
		t.Fatalf("expected %d observed transitions, got %d", len(steps), len(seen))
	}
	if m.Phase() != PhaseIdle {
		t.Errorf("expected idle, got %s", m.Phase())
	}
}

func TestPhaseMachine_RejectsInvalid(t *testing.T) {
	m := NewPhaseMachine()

	err := m.Transition(PhaseDeciding, "test")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if m.Phase() != PhaseIdle {
		t.Errorf("phase changed on invalid transition: %s", m.Phase())
	}
}

func TestPhaseMachine_CancelRace(t *testing.T) {
	m := NewPhaseMachine()
	_ = m.Transition(PhaseSelecting, "")
	_ = m.Transition(PhaseSearching, "")
	_ = m.Transition(PhaseIdle, "cancel")

	// The finder paired us before the cancel landed.
	if err := m.Transition(PhaseMatched, "late match"); err != nil {
		t.Fatalf("expected idle -> matched to be allowed: %v", err)
	}
}

func TestPhaseMachine_Reset(t *testing.T) {
	calls := 0
	m := NewPhaseMachine(func(from, to Phase, reason string) {
		calls++
		if to != PhaseIdle && reason == "queue error" {
			t.Errorf("unexpected target %s", to)
		}
	})

	m.Reset("noop")
	if calls != 0 {
		t.Fatalf("reset from idle must not notify, got %d", calls)
	}

	_ = m.Transition(PhaseSelecting, "")
	m.Reset("queue error")
	if m.Phase() != PhaseIdle || calls != 2 {
		t.Errorf("expected idle after reset with 2 notifications, got %s/%d", m.Phase(), calls)
	}
}

func TestPhase_Terminal(t *testing.T) {
	for _, p := range []Phase{PhaseCompleted, PhaseRejected} {
		if !p.Terminal() {
			t.Errorf("expected %s terminal", p)
		}
	}
	for _, p := range []Phase{PhaseIdle, PhaseInCall, PhaseExtended} {
		if p.Terminal() {
			t.Errorf("expected %s non-terminal", p)
		}
	}
}
