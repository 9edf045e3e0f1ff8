// Package maintenance repairs state that live drivers left behind: sessions
// stuck in deciding or past their deadline, queue entries whose client went
// silent, and the Redis block list after a Redis restart. Runs are
// scheduled with robfig/cron by cmd/sweeper and triggered by hand from
// callctl.
package maintenance

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/whisper/callengine/internal/block"
	"github.com/whisper/callengine/internal/call"
	"github.com/whisper/callengine/internal/matching"
	"github.com/whisper/callengine/internal/metrics"
)

// Config holds the sweep thresholds.
type Config struct {
	// DecidingGrace is how long a session may sit in deciding.
	DecidingGrace time.Duration
	// OverdueGrace is how long past its deadline an open round may stay.
	OverdueGrace time.Duration
	// HeartbeatStale is the queue heartbeat age after which an entry is
	// purged.
	HeartbeatStale time.Duration
	// RunTimeout bounds one scheduled run.
	RunTimeout time.Duration
}

// DefaultConfig returns the thresholds used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		DecidingGrace:  5 * time.Minute,
		OverdueGrace:   30 * time.Second,
		HeartbeatStale: 30 * time.Second,
		RunTimeout:     30 * time.Second,
	}
}

// BlockSource lists the durable blocked pairs.
type BlockSource interface {
	BlockedPairs(ctx context.Context) ([]block.Pair, error)
}

// Report summarizes one run.
type Report struct {
	Forced       int // sessions force-completed out of deciding
	Expired      int // sessions expired past their deadline
	Purged       int // stale queue entries removed
	BlocksLoaded int
	Open         int // sessions still open after the run
	Waiting      int64
	Took         time.Duration
}

// Sweeper runs the maintenance passes.
type Sweeper struct {
	cfg       Config
	sessions  *call.Store
	queue     *matching.Queue
	finalizer *call.Finalizer

	blocks      *block.Store
	blockSource BlockSource
}

// New creates a sweeper. finalizer may be nil, in which case swept sessions
// are completed without events or cleanup.
func New(cfg Config, sessions *call.Store, queue *matching.Queue, finalizer *call.Finalizer) *Sweeper {
	if finalizer == nil {
		finalizer = &call.Finalizer{}
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultConfig().RunTimeout
	}
	return &Sweeper{cfg: cfg, sessions: sessions, queue: queue, finalizer: finalizer}
}

// WithBlocks enables restoring the Redis block list from src on every run.
func (s *Sweeper) WithBlocks(store *block.Store, src BlockSource) *Sweeper {
	s.blocks = store
	s.blockSource = src
	return s
}

// Run performs one sweep. Errors of one pass do not stop the others; the
// first one is returned together with the partial report.
func (s *Sweeper) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	var rep Report
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	swept, err := s.sessions.Sweep(ctx, start, s.cfg.DecidingGrace, s.cfg.OverdueGrace)
	keep(err)
	for _, sess := range swept {
		if sess.Reason == call.ReasonSweep {
			rep.Forced++
			metrics.SweepForced.WithLabelValues("deciding").Inc()
		} else {
			rep.Expired++
			metrics.SweepForced.WithLabelValues("expired").Inc()
		}
		s.finalizer.Resolved(ctx, sess)
	}

	if s.queue != nil {
		removed, err := s.queue.PurgeStale(ctx, s.cfg.HeartbeatStale)
		keep(err)
		rep.Purged = len(removed)
		if rep.Purged > 0 {
			metrics.SweepForced.WithLabelValues("queue").Add(float64(rep.Purged))
		}
		if n, err := s.queue.Size(ctx); err == nil {
			rep.Waiting = n
			metrics.QueueSize.Set(float64(n))
		}
	}

	if s.blocks != nil && s.blockSource != nil {
		n, err := s.restoreBlocks(ctx)
		keep(err)
		rep.BlocksLoaded = n
	}

	open, err := s.sessions.Open(ctx)
	keep(err)
	rep.Open = len(open)
	metrics.SessionsActive.Set(float64(rep.Open))

	rep.Took = time.Since(start)
	if rep.Forced+rep.Expired+rep.Purged > 0 {
		log.Printf("[sweep] forced=%d expired=%d purged=%d open=%d took=%s",
			rep.Forced, rep.Expired, rep.Purged, rep.Open, rep.Took)
	}
	return rep, firstErr
}

func (s *Sweeper) restoreBlocks(ctx context.Context) (int, error) {
	pairs, err := s.blockSource.BlockedPairs(ctx)
	if err != nil {
		return 0, fmt.Errorf("maintenance: blocked pairs: %w", err)
	}
	n, err := s.blocks.Load(ctx, pairs)
	if err != nil {
		return 0, fmt.Errorf("maintenance: %w", err)
	}
	return n, nil
}

// Schedule registers the sweeper on c under the cron spec, e.g. "@every 1m".
// Overlapping runs are skipped.
func Schedule(c *cron.Cron, spec string, s *Sweeper) (cron.EntryID, error) {
	job := cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
		defer cancel()
		if _, err := s.Run(ctx); err != nil {
			log.Printf("[sweep] run: %v", err)
		}
	})
	wrapped := cron.NewChain(cron.SkipIfStillRunning(cron.DefaultLogger)).Then(job)
	id, err := c.AddJob(spec, wrapped)
	if err != nil {
		return 0, fmt.Errorf("maintenance: schedule %q: %w", spec, err)
	}
	return id, nil
}
