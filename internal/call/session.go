// Package call owns the CallSession record: its Redis layout, the decision
// coordinator, the phase machine clients walk through, the deadline timer
// and the maintenance sweep for wedged sessions.
package call

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	// Redis key patterns for call sessions.
	SessionPrefix = "call:session:"  // + <session_id> -> Hash
	ActivePrefix  = "call:active:"   // + <identity> -> session_id while the call is open
	DeadlinesKey  = "call:deadlines" // Sorted set, score = round deadline (ms)
	DecidingKey   = "call:deciding"  // Sorted set, score = deciding start (ms)

	// CompletedTTL keeps finished sessions around for late readers.
	CompletedTTL = 10 * time.Minute
)

// Status is the server-side lifecycle of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusDeciding  Status = "deciding"
	StatusCompleted Status = "completed"
)

// Decision is one participant's end-of-round choice.
type Decision string

const (
	DecisionNone     Decision = ""
	DecisionYes      Decision = "yes"
	DecisionNo       Decision = "no"
	DecisionContinue Decision = "continue"
)

// Valid reports whether d can be submitted.
func (d Decision) Valid() bool {
	return d == DecisionYes || d == DecisionNo || d == DecisionContinue
}

// Outcome is the result of a resolved round.
type Outcome string

const (
	OutcomeNone       Outcome = ""
	OutcomeMatched    Outcome = "matched"
	OutcomeNotMatched Outcome = "not_matched"
	OutcomeRejected   Outcome = "rejected"
	OutcomeExtended   Outcome = "extended"
)

// Completion reasons stored alongside the outcome.
const (
	ReasonDecision     = "decision"
	ReasonTimeout      = "timeout"
	ReasonEnded        = "ended"
	ReasonDisconnected = "disconnected"
	ReasonSweep        = "sweep"
)

var (
	ErrNotFound        = errors.New("call: session not found")
	ErrNotParticipant  = errors.New("call: identity is not a participant")
	ErrNotDeciding     = errors.New("call: session is not accepting decisions yet")
	ErrStaleRound      = errors.New("call: decision for a finished round")
	ErrInvalidDecision = errors.New("call: invalid decision")
	ErrContention      = errors.New("call: too much contention on session")
)

// Timing converts the configured call durations into per-round instants.
type Timing struct {
	Duration       time.Duration // length of the first round
	DecisionLead   time.Duration // deciding opens this long before ends_at
	DecisionWindow time.Duration // round closes this long after ends_at
	Extension      time.Duration // length added by a mutual continue
	DecidingGrace  time.Duration // sweep threshold for sessions stuck in deciding
}

// DecideAt returns when deciding opens for a round ending at endsAt.
func (t Timing) DecideAt(endsAt time.Time) time.Time {
	return endsAt.Add(-t.DecisionLead)
}

// Deadline returns when a round ending at endsAt closes without resolution.
func (t Timing) Deadline(endsAt time.Time) time.Time {
	return endsAt.Add(t.DecisionWindow)
}

// OpenTTL is how long an unresolved session hash may live.
func (t Timing) OpenTTL() time.Duration {
	return t.Duration + t.DecisionWindow + t.DecidingGrace + time.Hour
}

// Session is the authoritative record of one paired call.
type Session struct {
	ID           string
	ParticipantA string
	ParticipantB string
	RoomID       string
	StartedAt    time.Time
	EndsAt       time.Time
	DecideAt     time.Time
	Deadline     time.Time
	Round        int
	DecisionA    Decision
	DecisionB    Decision
	Status       Status
	Outcome      Outcome
	Reason       string
	DecidingAt   time.Time
	CompletedAt  time.Time
}

// NewSession builds the first round of a session between a and b.
func NewSession(id, a, b, roomID string, now time.Time, timing Timing) *Session {
	endsAt := now.Add(timing.Duration)
	return &Session{
		ID:           id,
		ParticipantA: a,
		ParticipantB: b,
		RoomID:       roomID,
		StartedAt:    now,
		EndsAt:       endsAt,
		DecideAt:     timing.DecideAt(endsAt),
		Deadline:     timing.Deadline(endsAt),
		Round:        1,
		Status:       StatusActive,
	}
}

// IsParticipant checks if identity is one of the two participants.
func (s *Session) IsParticipant(identity string) bool {
	return identity != "" && (identity == s.ParticipantA || identity == s.ParticipantB)
}

// Partner returns the other participant, or "" for a stranger.
func (s *Session) Partner(identity string) string {
	switch identity {
	case s.ParticipantA:
		return s.ParticipantB
	case s.ParticipantB:
		return s.ParticipantA
	}
	return ""
}

// Participants returns both identities, A first.
func (s *Session) Participants() []string {
	return []string{s.ParticipantA, s.ParticipantB}
}

// Initiator reports whether identity creates the media offer. Participant A
// always offers so both sides agree without negotiating.
func (s *Session) Initiator(identity string) bool {
	return identity == s.ParticipantA
}

// DecisionOf returns the decision recorded for identity in the current round.
func (s *Session) DecisionOf(identity string) Decision {
	switch identity {
	case s.ParticipantA:
		return s.DecisionA
	case s.ParticipantB:
		return s.DecisionB
	}
	return DecisionNone
}

// Completed reports whether the session reached its terminal state.
func (s *Session) Completed() bool {
	return s.Status == StatusCompleted
}

func (s *Session) setDecision(identity string, d Decision) {
	if identity == s.ParticipantA {
		s.DecisionA = d
	} else {
		s.DecisionB = d
	}
}

func (s *Session) complete(outcome Outcome, reason string, now time.Time) {
	s.Status = StatusCompleted
	s.Outcome = outcome
	s.Reason = reason
	s.CompletedAt = now
}

// SessionKey returns the Redis hash key for a session.
func SessionKey(id string) string {
	return SessionPrefix + id
}

// ActiveKey returns the Redis key holding the open session of an identity.
func ActiveKey(identity string) string {
	return ActivePrefix + identity
}

// FieldPairs flattens the session into HSET field/value arguments. The match
// finder passes these straight to its Lua script so sessions created there
// and here share one layout.
func (s *Session) FieldPairs() []interface{} {
	return []interface{}{
		"id", s.ID,
		"participant_a", s.ParticipantA,
		"participant_b", s.ParticipantB,
		"room_id", s.RoomID,
		"started_at", millis(s.StartedAt),
		"ends_at", millis(s.EndsAt),
		"decide_at", millis(s.DecideAt),
		"deadline", millis(s.Deadline),
		"round", strconv.Itoa(s.Round),
		"decision_a", string(s.DecisionA),
		"decision_b", string(s.DecisionB),
		"status", string(s.Status),
		"outcome", string(s.Outcome),
		"reason", s.Reason,
		"deciding_at", millis(s.DecidingAt),
		"completed_at", millis(s.CompletedAt),
	}
}

func parseSession(id string, h map[string]string) (*Session, error) {
	round, err := strconv.Atoi(h["round"])
	if err != nil {
		return nil, fmt.Errorf("call: session %s: bad round %q", id, h["round"])
	}
	return &Session{
		ID:           id,
		ParticipantA: h["participant_a"],
		ParticipantB: h["participant_b"],
		RoomID:       h["room_id"],
		StartedAt:    fromMillis(h["started_at"]),
		EndsAt:       fromMillis(h["ends_at"]),
		DecideAt:     fromMillis(h["decide_at"]),
		Deadline:     fromMillis(h["deadline"]),
		Round:        round,
		DecisionA:    Decision(h["decision_a"]),
		DecisionB:    Decision(h["decision_b"]),
		Status:       Status(h["status"]),
		Outcome:      Outcome(h["outcome"]),
		Reason:       h["reason"],
		DecidingAt:   fromMillis(h["deciding_at"]),
		CompletedAt:  fromMillis(h["completed_at"]),
	}, nil
}

func millis(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func fromMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
