package call

import "time"

// Resolve applies the combination rule to the two decisions of a round.
// A "no" wins immediately; otherwise both decisions must be present.
// OutcomeNone means the round is still waiting on the other side.
func Resolve(a, b Decision) Outcome {
	if a == DecisionNo || b == DecisionNo {
		return OutcomeRejected
	}
	if a == DecisionNone || b == DecisionNone {
		return OutcomeNone
	}
	if a == DecisionYes && b == DecisionYes {
		return OutcomeMatched
	}
	return OutcomeExtended
}

// Result is returned to the submitter of a decision.
type Result struct {
	Resolved bool
	Outcome  Outcome
	Round    int      // round the submission was applied to
	Session  *Session // state after the submission

	changed bool
}

// Changed reports whether the submission wrote anything. Only the writer
// of a transition publishes its side effects.
func (r *Result) Changed() bool {
	return r.changed
}

// decide computes the session state after identity submits d. It never
// mutates sess. Submissions after resolution, and repeat submissions within
// a round, leave the state untouched.
func decide(sess Session, identity string, d Decision, round int, now time.Time, timing Timing) (Result, error) {
	if !d.Valid() {
		return Result{}, ErrInvalidDecision
	}
	if !sess.IsParticipant(identity) {
		return Result{}, ErrNotParticipant
	}
	if sess.Completed() {
		return Result{Resolved: true, Outcome: sess.Outcome, Round: sess.Round, Session: &sess}, nil
	}
	if round > 0 && round != sess.Round {
		return Result{}, ErrStaleRound
	}
	if sess.Status == StatusActive && now.Before(sess.DecideAt) {
		return Result{}, ErrNotDeciding
	}

	current := sess.Round
	if !now.Before(sess.Deadline) {
		sess.complete(OutcomeNotMatched, ReasonTimeout, now)
		return Result{Resolved: true, Outcome: OutcomeNotMatched, Round: current, Session: &sess, changed: true}, nil
	}

	if sess.DecisionOf(identity) != DecisionNone {
		return Result{Round: current, Session: &sess}, nil
	}

	sess.setDecision(identity, d)
	if sess.Status == StatusActive {
		sess.Status = StatusDeciding
		sess.DecidingAt = now
	}

	outcome := Resolve(sess.DecisionA, sess.DecisionB)
	switch outcome {
	case OutcomeRejected, OutcomeMatched:
		sess.complete(outcome, ReasonDecision, now)
	case OutcomeExtended:
		extend(&sess, now, timing)
	}

	return Result{
		Resolved: outcome != OutcomeNone,
		Outcome:  outcome,
		Round:    current,
		Session:  &sess,
		changed:  true,
	}, nil
}

// extend starts the next round. The new end is measured from the later of
// now and the old end so it is always strictly after the old one.
func extend(sess *Session, now time.Time, timing Timing) {
	base := sess.EndsAt
	if now.After(base) {
		base = now
	}
	sess.EndsAt = base.Add(timing.Extension)
	sess.DecideAt = timing.DecideAt(sess.EndsAt)
	sess.Deadline = timing.Deadline(sess.EndsAt)
	sess.Round++
	sess.DecisionA = DecisionNone
	sess.DecisionB = DecisionNone
	sess.Status = StatusActive
	sess.DecidingAt = time.Time{}
}
