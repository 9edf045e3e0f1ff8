package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/whisper/callengine/internal/metrics"
)

// EventKind identifies a call lifecycle notification.
type EventKind string

const (
	EventDeciding EventKind = "deciding"
	EventDecision EventKind = "decision" // the other side decided, value withheld
	EventExtended EventKind = "extended"
	EventResolved EventKind = "resolved"
)

// Event is published on call.event.<identity> to both participants.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id"`
	Round     int       `json:"round"`
	Outcome   Outcome   `json:"outcome,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	From      string    `json:"from,omitempty"`
	EndsAt    int64     `json:"ends_at"`
	DecideAt  int64     `json:"decide_at"`
	Deadline  int64     `json:"deadline"`
}

// NewEvent snapshots the session into an event.
func NewEvent(kind EventKind, s *Session) Event {
	return Event{
		Kind:      kind,
		SessionID: s.ID,
		Round:     s.Round,
		Outcome:   s.Outcome,
		Reason:    s.Reason,
		EndsAt:    s.EndsAt.UnixMilli(),
		DecideAt:  s.DecideAt.UnixMilli(),
		Deadline:  s.Deadline.UnixMilli(),
	}
}

// EventPublisher delivers call events to one identity.
type EventPublisher interface {
	PublishCallEvent(identity string, data []byte) error
}

// OutcomeRecorder persists resolved sessions outside the hot path.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, s *Session) error
}

// Notifier is the fire-and-forget push dispatcher.
type Notifier interface {
	Notify(identity, event string, payload map[string]string)
}

// RoomCloser releases the media room of a finished session.
type RoomCloser interface {
	DeleteRoom(ctx context.Context, roomID string) error
}

// SignalPruner deletes the signaling history of a finished session.
type SignalPruner interface {
	Prune(ctx context.Context, sessionID string, participants ...string) error
}

// TransitionRecorder receives the phase change of each participant as the
// server commits it.
type TransitionRecorder interface {
	Transition(sessionID, identity string, from, to Phase, reason string)
}

// Finalizer fans out the side effects of session transitions. Every
// collaborator is optional; failures are logged and never block the caller.
type Finalizer struct {
	Events      EventPublisher
	Recorder    OutcomeRecorder
	Notifier    Notifier
	Rooms       RoomCloser
	Signals     SignalPruner
	Transitions TransitionRecorder
}

// Deciding announces that the round's decision phase has opened.
func (f *Finalizer) Deciding(s *Session) {
	f.record(s, PhaseInCall, PhaseDeciding, "decide_at")
	f.Publish(EventDeciding, s)
}

// Publish sends an event of the given kind to both participants.
func (f *Finalizer) Publish(kind EventKind, s *Session) {
	f.publish(NewEvent(kind, s), s.Participants()...)
}

// PublishDecision tells the partner of identity that a decision arrived.
func (f *Finalizer) PublishDecision(s *Session, identity string) {
	ev := NewEvent(EventDecision, s)
	ev.From = identity
	f.publish(ev, s.Partner(identity))
}

// Extended announces the next round to both participants.
func (f *Finalizer) Extended(s *Session) {
	metrics.Outcomes.WithLabelValues(string(OutcomeExtended)).Inc()
	f.record(s, PhaseDeciding, PhaseExtended, string(OutcomeExtended))
	f.Publish(EventExtended, s)
}

// Resolved announces a completed session and runs the cleanup that follows
// it: outcome persistence, push notification, room and signal release.
func (f *Finalizer) Resolved(ctx context.Context, s *Session) {
	metrics.Outcomes.WithLabelValues(string(s.Outcome)).Inc()
	from, to := PhaseInCall, PhaseCompleted
	if !s.DecidingAt.IsZero() {
		from = PhaseDeciding
	}
	if s.Outcome == OutcomeRejected {
		to = PhaseRejected
	}
	f.record(s, from, to, s.Reason)
	f.Publish(EventResolved, s)

	if f.Recorder != nil {
		if err := f.Recorder.RecordOutcome(ctx, s); err != nil {
			log.Printf("[call] record outcome session=%s: %v", s.ID, err)
		}
	}

	if f.Notifier != nil && s.Outcome == OutcomeMatched {
		for _, p := range s.Participants() {
			f.Notifier.Notify(p, "mutual_match", map[string]string{
				"session_id": s.ID,
				"partner_id": s.Partner(p),
			})
		}
	}

	if f.Rooms != nil && s.RoomID != "" {
		if err := f.Rooms.DeleteRoom(ctx, s.RoomID); err != nil {
			log.Printf("[call] delete room %s: %v", s.RoomID, err)
		}
	}

	if f.Signals != nil {
		if err := f.Signals.Prune(ctx, s.ID, s.Participants()...); err != nil {
			log.Printf("[call] prune signals session=%s: %v", s.ID, err)
		}
	}

	log.Printf("[call] session=%s resolved outcome=%s reason=%s round=%d",
		s.ID, s.Outcome, s.Reason, s.Round)
}

func (f *Finalizer) record(s *Session, from, to Phase, reason string) {
	if f.Transitions == nil {
		return
	}
	for _, p := range s.Participants() {
		f.Transitions.Transition(s.ID, p, from, to, reason)
	}
}

func (f *Finalizer) publish(ev Event, identities ...string) {
	if f.Events == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[call] marshal event: %v", err)
		return
	}
	for _, id := range identities {
		if id == "" {
			continue
		}
		if err := f.Events.PublishCallEvent(id, data); err != nil {
			log.Printf("[call] publish %s to %s: %v", ev.Kind, id, err)
		}
	}
}

// ParseEvent decodes an event published by a Finalizer.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("call: parse event: %w", err)
	}
	return ev, nil
}
