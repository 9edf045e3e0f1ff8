package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/whisper/callengine/internal/call"
	"github.com/whisper/callengine/internal/media"
	"github.com/whisper/callengine/internal/protocol"
)

// Transport is the part of Conn the flow needs.
type Transport interface {
	On(msgType string, h Handler)
	Send(msgType string, payload any) error
}

// MediaSession is the part of media.Driver the flow needs.
type MediaSession interface {
	Start(ctx context.Context, c media.Call) error
	Stop() error
}

// ErrNoSession is returned by call actions while no session is attached.
var ErrNoSession = errors.New("client: no active session")

// FlowConfig holds the client-side call settings.
type FlowConfig struct {
	Gender     string
	Preference string

	// PollInterval paces find_match re-sends until the server announces
	// its own interval.
	PollInterval time.Duration

	// GraceDelay is the pause between matched and in_call.
	GraceDelay time.Duration

	// Decide, when set, picks the decision submitted as soon as a round
	// opens for decisions.
	Decide func(round int) call.Decision

	// MediaTimeout bounds media start.
	MediaTimeout time.Duration
}

// DefaultFlowConfig returns the settings used by callbot.
func DefaultFlowConfig() FlowConfig {
	return FlowConfig{
		Preference:   "any",
		PollInterval: 2 * time.Second,
		GraceDelay:   2 * time.Second,
		MediaTimeout: 10 * time.Second,
	}
}

// Result is the end of one call attempt.
type Result struct {
	SessionID string
	Outcome   call.Outcome
	Reason    string
	Partner   *protocol.PartnerInfo
}

// Flow drives one client through search, call, decision and resolution.
type Flow struct {
	cfg   FlowConfig
	conn  Transport
	media MediaSession
	phase *call.PhaseMachine

	mu           sync.Mutex
	sessionID    string
	round        int
	decided      int // last round a scripted decision was sent for
	pollInterval time.Duration
	stopPoll     chan struct{}
	retune       chan struct{}
	grace        *time.Timer
	mediaOn      bool
	closed       bool

	results chan Result
	errs    chan error
}

// NewFlow registers the flow's handlers on conn. Observers see every phase
// transition.
func NewFlow(conn Transport, m MediaSession, cfg FlowConfig, observers ...call.PhaseObserver) *Flow {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultFlowConfig().PollInterval
	}
	if cfg.MediaTimeout <= 0 {
		cfg.MediaTimeout = DefaultFlowConfig().MediaTimeout
	}
	f := &Flow{
		cfg:          cfg,
		conn:         conn,
		media:        m,
		phase:        call.NewPhaseMachine(observers...),
		pollInterval: cfg.PollInterval,
		retune:       make(chan struct{}, 1),
		results:      make(chan Result, 1),
		errs:         make(chan error, 8),
	}

	conn.On(protocol.TypeMatchingStarted, f.onMatchingStarted)
	conn.On(protocol.TypeMatchFound, f.onMatchFound)
	conn.On(protocol.TypeCallDeciding, f.onDeciding)
	conn.On(protocol.TypeCallExtended, f.onExtended)
	conn.On(protocol.TypeCallResolved, f.onResolved)
	conn.On(protocol.TypeRateLimited, f.onRateLimited)
	conn.On(protocol.TypeError, f.onError)
	return f
}

// Phase returns the current phase.
func (f *Flow) Phase() call.Phase {
	return f.phase.Phase()
}

// SessionID returns the attached session, or "".
func (f *Flow) SessionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionID
}

// Round returns the current round of the attached session.
func (f *Flow) Round() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.round
}

// Results delivers one Result per resolved session.
func (f *Flow) Results() <-chan Result {
	return f.results
}

// Errors delivers errors the user should see, e.g. a failed search.
func (f *Flow) Errors() <-chan error {
	return f.errs
}

// Search enters the queue and keeps re-sending find_match until a match is
// found or the search is cancelled.
func (f *Flow) Search() error {
	if f.phase.Phase().Terminal() {
		if err := f.phase.Transition(call.PhaseIdle, "new search"); err != nil {
			return err
		}
	}
	if err := f.phase.Transition(call.PhaseSelecting, "preference chosen"); err != nil {
		return err
	}
	if err := f.phase.Transition(call.PhaseSearching, "find_match"); err != nil {
		return err
	}

	if err := f.sendFindMatch(); err != nil {
		f.phase.Reset("queue error")
		return err
	}

	stop := make(chan struct{})
	f.mu.Lock()
	f.stopPoll = stop
	f.mu.Unlock()
	go f.poll(stop)
	return nil
}

// Cancel leaves the queue.
func (f *Flow) Cancel() error {
	f.haltPoll()
	err := f.conn.Send(protocol.TypeCancelMatch, protocol.CancelMatchMsg{})
	if f.phase.Phase() == call.PhaseSearching {
		_ = f.phase.Transition(call.PhaseIdle, "cancelled")
	}
	if err != nil {
		return fmt.Errorf("client: cancel: %w", err)
	}
	return nil
}

// Decide submits a decision for the current round.
func (f *Flow) Decide(d call.Decision) error {
	f.mu.Lock()
	sessionID, round := f.sessionID, f.round
	f.mu.Unlock()
	if sessionID == "" {
		return ErrNoSession
	}
	return f.conn.Send(protocol.TypeSubmitDecision, protocol.SubmitDecisionMsg{
		SessionID: sessionID,
		Decision:  string(d),
		Round:     round,
	})
}

// Hangup ends the call early.
func (f *Flow) Hangup() error {
	sessionID := f.SessionID()
	if sessionID == "" {
		return ErrNoSession
	}
	return f.conn.Send(protocol.TypeEndCall, protocol.EndCallMsg{SessionID: sessionID})
}

// Close stops polling and media. A media start still in progress is
// stopped as soon as it returns.
func (f *Flow) Close() error {
	f.haltPoll()
	f.mu.Lock()
	f.closed = true
	if f.grace != nil {
		f.grace.Stop()
	}
	f.mu.Unlock()
	return f.stopMedia()
}

func (f *Flow) sendFindMatch() error {
	err := f.conn.Send(protocol.TypeFindMatch, protocol.FindMatchMsg{
		Gender:     f.cfg.Gender,
		Preference: f.cfg.Preference,
	})
	if err != nil {
		return fmt.Errorf("client: find_match: %w", err)
	}
	return nil
}

// poll re-sends find_match so the queue entry's heartbeat stays fresh.
func (f *Flow) poll(stop <-chan struct{}) {
	for {
		f.mu.Lock()
		interval := f.pollInterval
		f.mu.Unlock()

		select {
		case <-stop:
			return
		case <-f.retune:
			continue
		case <-time.After(interval):
		}

		if f.phase.Phase() != call.PhaseSearching {
			return
		}
		if err := f.sendFindMatch(); err != nil {
			f.haltPoll()
			f.phase.Reset("queue error")
			f.report(err)
			return
		}
	}
}

func (f *Flow) haltPoll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopPoll != nil {
		close(f.stopPoll)
		f.stopPoll = nil
	}
}

func (f *Flow) report(err error) {
	select {
	case f.errs <- err:
	default:
		log.Printf("[flow] dropped error: %v", err)
	}
}

func (f *Flow) onMatchingStarted(msg any) {
	m := msg.(*protocol.MatchingStartedMsg)
	if m.PollInterval <= 0 {
		return
	}
	f.mu.Lock()
	f.pollInterval = time.Duration(m.PollInterval) * time.Millisecond
	f.mu.Unlock()
	select {
	case f.retune <- struct{}{}:
	default:
	}
}

func (f *Flow) onMatchFound(msg any) {
	m := msg.(*protocol.MatchFoundMsg)
	f.haltPoll()

	f.mu.Lock()
	if f.closed || f.sessionID == m.SessionID {
		f.mu.Unlock()
		return
	}
	f.sessionID = m.SessionID
	f.round = m.Round
	f.decided = 0
	f.mu.Unlock()

	if err := f.phase.Transition(call.PhaseMatched, "match_found"); err != nil {
		log.Printf("[flow] match_found for session=%s: %v", m.SessionID, err)
		return
	}

	go f.startMedia(media.Call{SessionID: m.SessionID, RoomID: m.RoomID, Initiator: m.Initiator})

	f.mu.Lock()
	f.grace = time.AfterFunc(f.cfg.GraceDelay, func() {
		if f.phase.Phase() == call.PhaseMatched {
			_ = f.phase.Transition(call.PhaseInCall, "connected")
		}
	})
	f.mu.Unlock()
}

// startMedia surfaces a failed start without retrying; the call itself
// continues until the server resolves it.
func (f *Flow) startMedia(c media.Call) {
	if f.media == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.MediaTimeout)
	defer cancel()
	if err := f.media.Start(ctx, c); err != nil {
		log.Printf("[flow] media start for session=%s: %v", c.SessionID, err)
		f.report(fmt.Errorf("client: media: %w", err))
		return
	}
	f.mu.Lock()
	current := !f.closed && f.sessionID == c.SessionID
	f.mediaOn = current
	f.mu.Unlock()
	if !current {
		// Resolved or closed while starting.
		_ = f.media.Stop()
	}
}

func (f *Flow) stopMedia() error {
	f.mu.Lock()
	on := f.mediaOn
	f.mediaOn = false
	f.mu.Unlock()
	if !on || f.media == nil {
		return nil
	}
	return f.media.Stop()
}

func (f *Flow) current(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionID != "" && f.sessionID == sessionID
}

// enterCall moves to in_call from matched or extended.
func (f *Flow) enterCall(reason string) {
	switch f.phase.Phase() {
	case call.PhaseMatched, call.PhaseExtended:
		_ = f.phase.Transition(call.PhaseInCall, reason)
	}
}

func (f *Flow) onDeciding(msg any) {
	m := msg.(*protocol.CallDecidingMsg)
	if !f.current(m.SessionID) {
		return
	}
	f.enterCall("deciding opened")
	if f.phase.Phase() == call.PhaseInCall {
		_ = f.phase.Transition(call.PhaseDeciding, "call_deciding")
	}

	f.mu.Lock()
	f.round = m.Round
	scripted := f.cfg.Decide != nil && f.decided < m.Round
	if scripted {
		f.decided = m.Round
	}
	f.mu.Unlock()

	if scripted {
		if err := f.Decide(f.cfg.Decide(m.Round)); err != nil {
			f.report(err)
		}
	}
}

func (f *Flow) onExtended(msg any) {
	m := msg.(*protocol.CallExtendedMsg)
	if !f.current(m.SessionID) {
		return
	}
	f.mu.Lock()
	f.round = m.Round
	f.mu.Unlock()

	if f.phase.Phase() == call.PhaseDeciding {
		_ = f.phase.Transition(call.PhaseExtended, "call_extended")
	}
	f.enterCall(fmt.Sprintf("round %d", m.Round))
}

func (f *Flow) onResolved(msg any) {
	m := msg.(*protocol.CallResolvedMsg)
	if !f.current(m.SessionID) {
		return
	}
	f.haltPoll()
	f.mu.Lock()
	if f.grace != nil {
		f.grace.Stop()
	}
	f.sessionID = ""
	f.mu.Unlock()

	// Stopping waits for the media goroutines, which may be waiting on
	// this read loop.
	go func() {
		if err := f.stopMedia(); err != nil {
			log.Printf("[flow] media stop for session=%s: %v", m.SessionID, err)
		}
	}()

	to := call.PhaseCompleted
	if call.Outcome(m.Outcome) == call.OutcomeRejected {
		to = call.PhaseRejected
	}
	if err := f.phase.Transition(to, m.Reason); err != nil {
		f.phase.Reset(m.Reason)
	}

	res := Result{SessionID: m.SessionID, Outcome: call.Outcome(m.Outcome), Reason: m.Reason, Partner: m.Partner}
	select {
	case f.results <- res:
	default:
		log.Printf("[flow] dropped result for session=%s", m.SessionID)
	}
}

func (f *Flow) onRateLimited(msg any) {
	m := msg.(*protocol.RateLimitedMsg)
	log.Printf("[flow] rate limited on %s, retry in %ds", m.Action, m.RetryAfter)
}

// onError resets a failed search to idle; errors during a call leave the
// phase alone.
func (f *Flow) onError(msg any) {
	m := msg.(*protocol.ErrorMsg)
	err := fmt.Errorf("client: server error %s: %s", m.Code, m.Message)

	switch f.phase.Phase() {
	case call.PhaseSelecting, call.PhaseSearching:
		f.haltPoll()
		f.phase.Reset("queue error: " + m.Code)
	}
	f.report(err)
}
