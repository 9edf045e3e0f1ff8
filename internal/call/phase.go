package call

import (
	"errors"
	"fmt"
	"sync"
)

// Phase is the client-side view of a call attempt.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseSelecting Phase = "selecting"
	PhaseSearching Phase = "searching"
	PhaseMatched   Phase = "matched"
	PhaseInCall    Phase = "in_call"
	PhaseDeciding  Phase = "deciding"
	PhaseCompleted Phase = "completed"
	PhaseRejected  Phase = "rejected"
	PhaseExtended  Phase = "extended"
)

// ErrInvalidTransition is returned for a transition the phase table forbids.
var ErrInvalidTransition = errors.New("call: invalid phase transition")

var transitions = map[Phase][]Phase{
	PhaseIdle:      {PhaseSelecting, PhaseMatched}, // a cancel can lose the race against the finder
	PhaseSelecting: {PhaseSearching, PhaseIdle},
	PhaseSearching: {PhaseMatched, PhaseIdle},
	PhaseMatched:   {PhaseInCall, PhaseCompleted, PhaseRejected},
	PhaseInCall:    {PhaseDeciding, PhaseCompleted, PhaseRejected},
	PhaseDeciding:  {PhaseCompleted, PhaseRejected, PhaseExtended},
	PhaseExtended:  {PhaseInCall, PhaseCompleted, PhaseRejected},
	PhaseCompleted: {PhaseIdle},
	PhaseRejected:  {PhaseIdle},
}

// CanTransition reports whether the table allows from -> to.
func CanTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Terminal reports whether p ends a call attempt.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseRejected
}

// PhaseObserver is notified after every accepted transition.
type PhaseObserver func(from, to Phase, reason string)

// PhaseMachine serializes phase transitions for one client.
type PhaseMachine struct {
	mu        sync.Mutex
	phase     Phase
	observers []PhaseObserver
}

// NewPhaseMachine starts in idle.
func NewPhaseMachine(observers ...PhaseObserver) *PhaseMachine {
	return &PhaseMachine{phase: PhaseIdle, observers: observers}
}

// Phase returns the current phase.
func (m *PhaseMachine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Transition moves to the given phase if the table allows it.
func (m *PhaseMachine) Transition(to Phase, reason string) error {
	m.mu.Lock()
	from := m.phase
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.phase = to
	observers := m.observers
	m.mu.Unlock()

	for _, obs := range observers {
		obs(from, to, reason)
	}
	return nil
}

// Reset returns to idle from any phase, e.g. after a queue error.
func (m *PhaseMachine) Reset(reason string) {
	m.mu.Lock()
	from := m.phase
	m.phase = PhaseIdle
	observers := m.observers
	m.mu.Unlock()

	if from == PhaseIdle {
		return
	}
	for _, obs := range observers {
		obs(from, PhaseIdle, reason)
	}
}
