package gateway

import (
	"context"
	"log"
	"time"

	"github.com/whisper/callengine/internal/call"
	"github.com/whisper/callengine/internal/matching"
	"github.com/whisper/callengine/internal/presence"
	"github.com/whisper/callengine/internal/protocol"
	"github.com/whisper/callengine/internal/signaling"
)

// onMatchFound handles match.found.<identity>.
func (g *Gateway) onMatchFound(identity string, data []byte) {
	r, err := matching.ParseMatchResult(data)
	if err != nil {
		log.Printf("[gateway] %v", err)
		return
	}
	ctx, cancel := g.opContext()
	defer cancel()

	sess, err := g.Sessions.Get(ctx, r.SessionID)
	if err != nil {
		log.Printf("[gateway] load session=%s for %s: %v", r.SessionID, identity, err)
		return
	}
	if sess == nil {
		log.Printf("[gateway] session=%s announced to %s is gone", r.SessionID, identity)
		return
	}
	if sess.Completed() {
		g.resolved(identity, sess.ID, sess.Partner(identity), sess.Outcome, sess.Reason)
		return
	}
	g.attach(identity, sess)
}

// attach binds an open session to the identity's connection: it sends
// match_found, starts the deadline timer and forwards signals addressed
// to the identity.
func (g *Gateway) attach(identity string, sess *call.Session) {
	c := g.client(identity)
	if c == nil {
		return
	}

	c.mu.Lock()
	if c.sessionID == sess.ID {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.detach()

	sub, err := g.Relay.Subscribe(context.Background(), sess.ID, identity, signaling.FromStart)
	if err != nil {
		log.Printf("[gateway] subscribe signals session=%s for %s: %v", sess.ID, identity, err)
	}

	c.mu.Lock()
	c.sessionID = sess.ID
	c.partnerID = sess.Partner(identity)
	c.round = sess.Round
	c.signals = sub
	c.stopTimer = g.startTimer(sess.ID, sess.Round, sess.DecideAt, sess.Deadline)
	c.mu.Unlock()

	g.setPresence(identity, presence.StatusInCall, sess.ID)

	found := protocol.MatchFoundMsg{
		SessionID:  sess.ID,
		RoomID:     sess.RoomID,
		PartnerID:  sess.Partner(identity),
		Initiator:  sess.Initiator(identity),
		StartedAt:  sess.StartedAt.UnixMilli(),
		EndsAt:     sess.EndsAt.UnixMilli(),
		DecisionAt: sess.DecideAt.UnixMilli(),
		Deadline:   sess.Deadline.UnixMilli(),
		Round:      sess.Round,
	}
	if g.SFU != nil && sess.RoomID != "" {
		token, err := g.SFU.JoinToken(sess.RoomID, identity)
		if err != nil {
			log.Printf("[gateway] sfu token room=%s for %s: %v", sess.RoomID, identity, err)
		} else {
			found.SFUURL = g.SFU.URL()
			found.SFUToken = token
		}
	}
	g.send(identity, protocol.TypeMatchFound, found)

	if sub != nil {
		go g.forwardSignals(identity, sub)
	}
	if sess.Status == call.StatusDeciding {
		g.deciding(c, sess.ID, sess.Round, sess.Deadline.UnixMilli())
	}
	log.Printf("[gateway] %s attached to session=%s round=%d", identity, sess.ID, sess.Round)
}

func (g *Gateway) forwardSignals(identity string, sub *signaling.Subscription) {
	for m := range sub.C {
		g.send(identity, protocol.TypeSignal, toServerSignal(m))
	}
}

// startTimer runs the deadline timer of one round. Both participants'
// gateways run one; the store decides which of them performs each
// transition.
func (g *Gateway) startTimer(sessionID string, round int, decideAt, deadline time.Time) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	timer := call.NewTimer(decideAt, deadline, g.cfg.TimerTick)

	go func() {
		_ = timer.Run(ctx, call.TimerHooks{
			OnDecide: func() { g.beginDeciding(ctx, sessionID, round) },
			OnExpire: func() { g.expire(ctx, sessionID, round) },
		})
	}()
	return cancel
}

func (g *Gateway) beginDeciding(ctx context.Context, sessionID string, round int) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.OpTimeout)
	defer cancel()

	ok, err := g.Sessions.BeginDeciding(ctx, sessionID, round)
	if err != nil {
		log.Printf("[gateway] begin deciding session=%s round=%d: %v", sessionID, round, err)
		return
	}
	if !ok {
		return
	}
	sess, err := g.Sessions.Get(ctx, sessionID)
	if err != nil || sess == nil {
		log.Printf("[gateway] reload session=%s after deciding: %v", sessionID, err)
		return
	}
	g.Finalizer.Deciding(sess)
}

func (g *Gateway) expire(ctx context.Context, sessionID string, round int) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.OpTimeout)
	defer cancel()

	sess, done, err := g.Sessions.Expire(ctx, sessionID, round)
	if err != nil {
		log.Printf("[gateway] expire session=%s round=%d: %v", sessionID, round, err)
		return
	}
	if done {
		g.Finalizer.Resolved(ctx, sess)
	}
}

// onCallEvent handles call.event.<identity>.
func (g *Gateway) onCallEvent(identity string, data []byte) {
	ev, err := call.ParseEvent(data)
	if err != nil {
		log.Printf("[gateway] %v", err)
		return
	}
	c := g.client(identity)
	if c == nil {
		return
	}

	c.mu.Lock()
	current, round, partner := c.sessionID, c.round, c.partnerID
	c.mu.Unlock()
	if current != ev.SessionID {
		return
	}

	switch ev.Kind {
	case call.EventDeciding, call.EventDecision:
		if ev.Round == round {
			g.deciding(c, ev.SessionID, ev.Round, ev.Deadline)
		}

	case call.EventExtended:
		if ev.Round <= round {
			return
		}
		c.mu.Lock()
		if c.stopTimer != nil {
			c.stopTimer()
		}
		c.round = ev.Round
		c.stopTimer = g.startTimer(ev.SessionID, ev.Round,
			time.UnixMilli(ev.DecideAt), time.UnixMilli(ev.Deadline))
		c.mu.Unlock()

		g.send(identity, protocol.TypeCallExtended, protocol.CallExtendedMsg{
			SessionID:  ev.SessionID,
			Round:      ev.Round,
			EndsAt:     ev.EndsAt,
			DecisionAt: ev.DecideAt,
			Deadline:   ev.Deadline,
		})

	case call.EventResolved:
		c.detach()
		g.resolved(identity, ev.SessionID, partner, ev.Outcome, ev.Reason)
	}
}

// deciding sends call_deciding at most once per round. The first decision
// of a round can arrive before any timer opened deciding, so both the
// deciding and the decision event lead here.
func (g *Gateway) deciding(c *client, sessionID string, round int, deadline int64) {
	c.mu.Lock()
	if c.decidingRound >= round {
		c.mu.Unlock()
		return
	}
	c.decidingRound = round
	c.mu.Unlock()

	g.send(c.identity, protocol.TypeCallDeciding, protocol.CallDecidingMsg{
		SessionID: sessionID,
		Round:     round,
		Deadline:  deadline,
	})
}

// resolved sends the final message of a session. The partner's profile is
// revealed only on a mutual match.
func (g *Gateway) resolved(identity, sessionID, partner string, outcome call.Outcome, reason string) {
	g.setPresence(identity, presence.StatusIdle, "")

	msg := protocol.CallResolvedMsg{
		SessionID: sessionID,
		Outcome:   string(outcome),
		Reason:    reason,
	}
	if outcome == call.OutcomeMatched && partner != "" {
		msg.Partner = g.partnerInfo(partner)
	}
	g.send(identity, protocol.TypeCallResolved, msg)
}

func (g *Gateway) partnerInfo(partner string) *protocol.PartnerInfo {
	info := &protocol.PartnerInfo{Identity: partner}
	if g.Profiles == nil {
		return info
	}
	ctx, cancel := g.opContext()
	defer cancel()
	if p, err := g.Profiles.Get(ctx, partner); err == nil {
		info.DisplayName = p.DisplayName
		info.AvatarURL = p.AvatarURL
	}
	return info
}
