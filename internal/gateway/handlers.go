package gateway

import (
	"errors"
	"log"

	"github.com/whisper/callengine/internal/call"
	"github.com/whisper/callengine/internal/matching"
	"github.com/whisper/callengine/internal/metrics"
	"github.com/whisper/callengine/internal/presence"
	"github.com/whisper/callengine/internal/profile"
	"github.com/whisper/callengine/internal/protocol"
	"github.com/whisper/callengine/internal/ratelimit"
	"github.com/whisper/callengine/internal/signaling"
)

// FindMatch enters the queue or pairs the caller. Clients re-send it every
// poll interval while waiting; each call refreshes the heartbeat.
func (g *Gateway) FindMatch(identity string, msg *protocol.FindMatchMsg) {
	if !g.allow(identity, protocol.TypeFindMatch, ratelimit.RuleMatch) {
		return
	}
	ctx, cancel := g.opContext()
	defer cancel()

	gender := matching.Gender(msg.Gender)
	if gender == "" {
		gender = g.profileGender(identity)
	}

	res, err := g.Finder.FindOrCreateMatch(ctx, identity, gender, matching.Preference(msg.Preference))
	switch {
	case errors.Is(err, matching.ErrAlreadyInCall):
		g.sendError(identity, protocol.CodeAlreadyInCall, "already in a call")
		return
	case errors.Is(err, matching.ErrInvalidAttributes):
		g.sendError(identity, protocol.CodeInvalidRequest, "gender is required")
		return
	case err != nil:
		log.Printf("[gateway] find match for %s: %v", identity, err)
		g.sendError(identity, protocol.CodeInternal, "matching failed")
		return
	}

	if res.Waiting {
		g.waiting(identity)
		return
	}

	if c := g.client(identity); c != nil {
		c.mu.Lock()
		c.searching = false
		c.mu.Unlock()
	}
	if err := g.Announcer.Announce(ctx, res); err != nil {
		log.Printf("[gateway] announce session=%s: %v", res.Session.ID, err)
	}
}

// waiting answers a find_match that stayed in the queue. The first answer
// of a search carries the poll interval and wakes the matcher.
func (g *Gateway) waiting(identity string) {
	first := true
	if c := g.client(identity); c != nil {
		c.mu.Lock()
		first = !c.searching
		c.searching = true
		c.mu.Unlock()
	}
	if !first {
		g.send(identity, protocol.TypeMatchWaiting, protocol.MatchWaitingMsg{})
		return
	}

	g.setPresence(identity, presence.StatusSearching, "")
	if g.Bus != nil {
		if err := g.Bus.PublishQueueChanged(identity); err != nil {
			log.Printf("[gateway] publish queue.changed for %s: %v", identity, err)
		}
	}
	g.send(identity, protocol.TypeMatchingStarted, protocol.MatchingStartedMsg{
		PollInterval: int(g.cfg.PollInterval.Milliseconds()),
	})
}

// profileGender falls back to the stored profile when the request omits
// the caller's gender.
func (g *Gateway) profileGender(identity string) matching.Gender {
	if g.Profiles == nil {
		return ""
	}
	ctx, cancel := g.opContext()
	defer cancel()
	p, err := g.Profiles.Get(ctx, identity)
	if err != nil {
		if !errors.Is(err, profile.ErrNotFound) {
			log.Printf("[gateway] profile for %s: %v", identity, err)
		}
		return ""
	}
	return matching.Gender(p.Gender)
}

// CancelMatch leaves the queue. Cancelling without an entry is a no-op.
func (g *Gateway) CancelMatch(identity string) {
	ctx, cancel := g.opContext()
	defer cancel()

	removed, err := g.Queue.Cancel(ctx, identity)
	if err != nil {
		log.Printf("[gateway] cancel match for %s: %v", identity, err)
		g.sendError(identity, protocol.CodeInternal, "cancel failed")
		return
	}
	if c := g.client(identity); c != nil {
		c.mu.Lock()
		c.searching = false
		c.mu.Unlock()
	}
	if removed {
		g.setPresence(identity, presence.StatusIdle, "")
	}
}

// SubmitDecision records the caller's decision and publishes whatever
// transition it caused.
func (g *Gateway) SubmitDecision(identity string, msg *protocol.SubmitDecisionMsg) {
	if !g.allow(identity, protocol.TypeSubmitDecision, ratelimit.RuleDecision) {
		return
	}
	ctx, cancel := g.opContext()
	defer cancel()

	res, err := g.Sessions.SubmitDecision(ctx, msg.SessionID, identity, call.Decision(msg.Decision), msg.Round)
	if err != nil {
		code, text := decisionError(err)
		if code == protocol.CodeInternal {
			log.Printf("[gateway] decision by %s on session=%s: %v", identity, msg.SessionID, err)
		}
		g.sendError(identity, code, text)
		return
	}

	g.send(identity, protocol.TypeDecisionRecorded, protocol.DecisionRecordedMsg{
		SessionID: msg.SessionID,
		Resolved:  res.Resolved,
		Outcome:   string(res.Outcome),
		Round:     res.Round,
	})

	if !res.Changed() {
		return
	}
	metrics.Decisions.WithLabelValues(msg.Decision).Inc()

	switch {
	case res.Outcome == call.OutcomeExtended:
		g.Finalizer.Extended(res.Session)
	case res.Resolved:
		g.Finalizer.Resolved(ctx, res.Session)
	default:
		g.Finalizer.PublishDecision(res.Session, identity)
	}
}

func decisionError(err error) (code, message string) {
	switch {
	case errors.Is(err, call.ErrNotFound):
		return protocol.CodeNotFound, "session not found"
	case errors.Is(err, call.ErrNotParticipant):
		return protocol.CodeNotParticipant, "not a participant of this session"
	case errors.Is(err, call.ErrNotDeciding):
		return protocol.CodeNotDeciding, "decisions are not open yet"
	case errors.Is(err, call.ErrStaleRound):
		return protocol.CodeStaleRound, "round is over"
	case errors.Is(err, call.ErrInvalidDecision):
		return protocol.CodeInvalidRequest, "invalid decision"
	default:
		return protocol.CodeInternal, "decision failed"
	}
}

// Signal relays a negotiation payload to the partner. Signals for a
// completed session are dropped silently.
func (g *Gateway) Signal(identity string, msg *protocol.SignalMsg) {
	if !g.allow(identity, protocol.TypeSignal, ratelimit.RuleSignal) {
		return
	}
	ctx, cancel := g.opContext()
	defer cancel()

	_, err := g.Relay.Send(ctx, signaling.Message{
		SessionID:  msg.SessionID,
		SenderID:   identity,
		ReceiverID: msg.ReceiverID,
		Type:       signaling.Type(msg.SignalType),
		Payload:    msg.Payload,
	})
	switch {
	case err == nil:
	case errors.Is(err, signaling.ErrSessionClosed):
		log.Printf("[gateway] dropped %s from %s: session=%s is closed", msg.SignalType, identity, msg.SessionID)
	case errors.Is(err, signaling.ErrNoSession):
		g.sendError(identity, protocol.CodeNotFound, "session not found")
	case errors.Is(err, signaling.ErrNotPeer):
		g.sendError(identity, protocol.CodeNotParticipant, "receiver is not your partner")
	case errors.Is(err, signaling.ErrInvalidType):
		g.sendError(identity, protocol.CodeInvalidRequest, "invalid signal type")
	default:
		log.Printf("[gateway] relay %s from %s: %v", msg.SignalType, identity, err)
		g.sendError(identity, protocol.CodeInternal, "signal failed")
	}
}

// SignalHistory returns the latest offer addressed to the caller.
func (g *Gateway) SignalHistory(identity string, msg *protocol.SignalHistoryMsg) {
	ctx, cancel := g.opContext()
	defer cancel()

	sess, err := g.Sessions.Get(ctx, msg.SessionID)
	if err != nil {
		log.Printf("[gateway] signal history session=%s: %v", msg.SessionID, err)
		g.sendError(identity, protocol.CodeInternal, "lookup failed")
		return
	}
	if sess == nil {
		g.sendError(identity, protocol.CodeNotFound, "session not found")
		return
	}
	if !sess.IsParticipant(identity) {
		g.sendError(identity, protocol.CodeNotParticipant, "not a participant of this session")
		return
	}

	offer, err := g.Relay.LatestOffer(ctx, msg.SessionID, identity)
	if err != nil {
		log.Printf("[gateway] latest offer session=%s: %v", msg.SessionID, err)
		g.sendError(identity, protocol.CodeInternal, "lookup failed")
		return
	}
	out := protocol.SignalHistoryResultMsg{SessionID: msg.SessionID}
	if offer != nil {
		m := toServerSignal(*offer)
		out.Offer = &m
	}
	g.send(identity, protocol.TypeSignalHistory, out)
}

// EndCall hangs up. The partner learns through call_resolved.
func (g *Gateway) EndCall(identity string, msg *protocol.EndCallMsg) {
	ctx, cancel := g.opContext()
	defer cancel()

	sess, done, err := g.Sessions.Terminate(ctx, msg.SessionID, identity, call.ReasonEnded)
	switch {
	case errors.Is(err, call.ErrNotFound):
		g.sendError(identity, protocol.CodeNotFound, "session not found")
		return
	case errors.Is(err, call.ErrNotParticipant):
		g.sendError(identity, protocol.CodeNotParticipant, "not a participant of this session")
		return
	case err != nil:
		log.Printf("[gateway] end call session=%s by %s: %v", msg.SessionID, identity, err)
		g.sendError(identity, protocol.CodeInternal, "hang up failed")
		return
	}
	if done {
		g.Finalizer.Resolved(ctx, sess)
	}
}

func toServerSignal(m signaling.Message) protocol.ServerSignalMsg {
	return protocol.ServerSignalMsg{
		ID:         m.ID,
		SessionID:  m.SessionID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		SignalType: string(m.Type),
		Payload:    m.Payload,
		CreatedAt:  m.CreatedAt,
	}
}
