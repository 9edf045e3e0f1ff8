package matching

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/callengine/internal/call"
	"github.com/whisper/callengine/internal/metrics"
)

// QueueChangeSource delivers queue change notifications.
type QueueChangeSource interface {
	SubscribeQueueChanged(handler func(identity string)) error
}

// ServiceConfig tunes the background matcher.
type ServiceConfig struct {
	PollInterval   time.Duration // re-attempt every waiting entry this often
	HeartbeatStale time.Duration // purge entries silent for longer than this
	CleanupEvery   time.Duration
}

// Service is the background matcher. It re-attempts matching for every
// waiting entry on a fixed tick and whenever the queue changes, so a
// dropped notification costs at most one poll interval.
type Service struct {
	queue     *Queue
	finder    *Finder
	announcer *Announcer
	changes   QueueChangeSource
	cfg       ServiceConfig
	kick      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewService creates a new matching service.
func NewService(rdb *redis.Client, timing call.Timing, changes QueueChangeSource, announcer *Announcer, cfg ServiceConfig) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		queue:     NewQueue(rdb),
		finder:    NewFinder(rdb, timing, cfg.HeartbeatStale),
		announcer: announcer,
		changes:   changes,
		cfg:       cfg,
		kick:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to queue changes and starts the matching loop.
func (s *Service) Start() error {
	if s.changes != nil {
		if err := s.changes.SubscribeQueueChanged(s.handleQueueChanged); err != nil {
			return err
		}
	}

	go s.matchLoop()
	go StartCleanup(s.ctx, s.queue, s.cfg.HeartbeatStale, s.cfg.CleanupEvery)

	log.Println("[matcher] service started")
	return nil
}

// Stop gracefully shuts down the matching service.
func (s *Service) Stop() {
	s.cancel()
	log.Println("[matcher] service stopped")
}

// handleQueueChanged coalesces bursts of notifications into one pass.
func (s *Service) handleQueueChanged(string) {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Service) matchLoop() {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			log.Println("[matcher] match loop stopped")
			return
		case <-ticker.C:
		case <-s.kick:
		}
		s.ProcessQueue(s.ctx)
	}
}

// ProcessQueue runs one matching pass over the waiting queue, oldest first.
// It returns the number of sessions created.
func (s *Service) ProcessQueue(ctx context.Context) int {
	ids, err := s.queue.Waiting(ctx)
	if err != nil {
		log.Printf("[matcher] failed to get queue: %v", err)
		return 0
	}
	metrics.QueueSize.Set(float64(len(ids)))

	created := 0
	for _, id := range ids {
		// Re-check: the entry may have been paired earlier in this pass.
		queued, err := s.queue.IsQueued(ctx, id)
		if err != nil || !queued {
			continue
		}

		res, err := s.finder.Retry(ctx, id)
		switch {
		case errors.Is(err, ErrNotQueued), errors.Is(err, ErrAlreadyInCall):
			continue
		case err != nil:
			log.Printf("[matcher] retry %s: %v", id, err)
			continue
		case res.Waiting:
			continue
		}

		created++
		if s.announcer != nil {
			if err := s.announcer.Announce(ctx, res); err != nil {
				log.Printf("[matcher] announce session %s: %v", res.Session.ID, err)
			}
		}
	}
	return created
}
