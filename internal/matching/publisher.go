package matching

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/whisper/callengine/internal/call"
	"github.com/whisper/callengine/internal/messaging"
	"github.com/whisper/callengine/internal/metrics"
)

// MatchResult is the payload published via NATS when a match is found.
// Each matched identity receives this on its match.found.<identity> subject.
type MatchResult struct {
	SessionID string `json:"session_id"`
	RoomID    string `json:"room_id"`
	PartnerID string `json:"partner_id"`
	Initiator bool   `json:"initiator"`
	StartedAt int64  `json:"started_at"`
	EndsAt    int64  `json:"ends_at"`
	DecideAt  int64  `json:"decide_at"`
	Deadline  int64  `json:"deadline"`
	Round     int    `json:"round"`
}

// NewMatchResult builds the view of sess for one participant.
func NewMatchResult(sess *call.Session, identity string) MatchResult {
	return MatchResult{
		SessionID: sess.ID,
		RoomID:    sess.RoomID,
		PartnerID: sess.Partner(identity),
		Initiator: sess.Initiator(identity),
		StartedAt: sess.StartedAt.UnixMilli(),
		EndsAt:    sess.EndsAt.UnixMilli(),
		DecideAt:  sess.DecideAt.UnixMilli(),
		Deadline:  sess.Deadline.UnixMilli(),
		Round:     sess.Round,
	}
}

// RoomProvisioner creates the media room of a new session, e.g. a LiveKit
// room in SFU mode.
type RoomProvisioner interface {
	CreateRoom(ctx context.Context, roomID string) error
}

// Announcer delivers a fresh session to both participants. Whichever
// process created the session (the gateway on a direct attempt or the
// matcher on a retry) announces it the same way.
type Announcer struct {
	nats  messaging.Publisher
	rooms RoomProvisioner
}

// NewAnnouncer creates an announcer. rooms may be nil.
func NewAnnouncer(nats messaging.Publisher, rooms RoomProvisioner) *Announcer {
	return &Announcer{nats: nats, rooms: rooms}
}

// Announce provisions the room and publishes match results to both users.
// A failed room provisioning is logged; participants then fall back to a
// direct peer connection.
func (a *Announcer) Announce(ctx context.Context, res *Result) error {
	sess := res.Session
	if !res.PartnerJoinedAt.IsZero() {
		metrics.MatchWait.Observe(time.Since(res.PartnerJoinedAt).Seconds())
	}
	metrics.SessionsCreated.Inc()

	if a.rooms != nil {
		if err := a.rooms.CreateRoom(ctx, sess.RoomID); err != nil {
			log.Printf("[matcher] create room %s: %v", sess.RoomID, err)
		}
	}

	for _, identity := range sess.Participants() {
		data, err := json.Marshal(NewMatchResult(sess, identity))
		if err != nil {
			return fmt.Errorf("matching: marshal result for %s: %w", identity, err)
		}
		if err := a.nats.Publish(messaging.SubjectMatchFound+"."+identity, data); err != nil {
			return fmt.Errorf("matching: publish match.found for %s: %w", identity, err)
		}
	}

	log.Printf("[matcher] match published: session=%s room=%s a=%s b=%s",
		sess.ID, sess.RoomID, sess.ParticipantA, sess.ParticipantB)
	return nil
}

// ParseMatchResult decodes a match.found payload.
func ParseMatchResult(data []byte) (MatchResult, error) {
	var r MatchResult
	if err := json.Unmarshal(data, &r); err != nil {
		return MatchResult{}, fmt.Errorf("matching: parse result: %w", err)
	}
	return r, nil
}
