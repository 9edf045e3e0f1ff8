package call

import (
	"context"
	"time"
)

// TimerHooks are invoked from the goroutine running Timer.Run.
type TimerHooks struct {
	OnTick   func(remaining time.Duration)
	OnDecide func()
	OnExpire func()
}

// Timer drives one round off its absolute instants. Remaining time is
// recomputed from the deadline on every tick, so a slow tick never
// accumulates drift.
type Timer struct {
	decideAt time.Time
	deadline time.Time
	tick     time.Duration
	now      func() time.Time
}

// NewTimer creates a timer for a round.
func NewTimer(decideAt, deadline time.Time, tick time.Duration) *Timer {
	return &Timer{decideAt: decideAt, deadline: deadline, tick: tick, now: time.Now}
}

// Remaining returns the time left until the deadline, never negative.
func (t *Timer) Remaining() time.Duration {
	return Remaining(t.deadline, t.now())
}

// Remaining returns deadline - now clamped at zero.
func Remaining(deadline, now time.Time) time.Duration {
	if d := deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Run blocks until the deadline passes or ctx is cancelled. OnDecide fires
// at most once, before OnExpire. It returns ctx.Err() on cancellation.
func (t *Timer) Run(ctx context.Context, hooks TimerHooks) error {
	ticker := time.NewTicker(t.tick)
	defer ticker.Stop()

	decided := false
	for {
		now := t.now()
		remaining := Remaining(t.deadline, now)
		if hooks.OnTick != nil {
			hooks.OnTick(remaining)
		}
		if !decided && !now.Before(t.decideAt) {
			decided = true
			if hooks.OnDecide != nil {
				hooks.OnDecide()
			}
		}
		if remaining == 0 {
			if hooks.OnExpire != nil {
				hooks.OnExpire()
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
