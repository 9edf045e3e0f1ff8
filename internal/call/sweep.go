package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Sweep completes sessions whose live drivers are gone. Sessions that sat in
// deciding longer than decidingGrace are force-completed; sessions whose
// round deadline passed more than overdueGrace ago are expired. Entries in
// the index sets whose hash already vanished are dropped. The completed
// sessions are returned so the caller can finalize them.
func (s *Store) Sweep(ctx context.Context, now time.Time, decidingGrace, overdueGrace time.Duration) ([]*Session, error) {
	var swept []*Session

	stuck, err := s.rdb.ZRangeByScore(ctx, DecidingKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Add(-decidingGrace).UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("call: sweep deciding: %w", err)
	}
	for _, id := range stuck {
		sess, done, err := s.ForceComplete(ctx, id, ReasonSweep)
		if errors.Is(err, ErrNotFound) {
			s.rdb.ZRem(ctx, DecidingKey, id)
			s.rdb.ZRem(ctx, DeadlinesKey, id)
			continue
		}
		if err != nil {
			log.Printf("[call] sweep force session=%s: %v", id, err)
			continue
		}
		switch {
		case done:
			log.Printf("[call] sweep forced session=%s stuck in deciding", id)
			swept = append(swept, sess)
		case sess.Completed():
			s.rdb.ZRem(ctx, DecidingKey, id)
		}
	}

	overdue, err := s.rdb.ZRangeByScore(ctx, DeadlinesKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Add(-overdueGrace).UnixMilli(), 10),
	}).Result()
	if err != nil {
		return swept, fmt.Errorf("call: sweep deadlines: %w", err)
	}
	for _, id := range overdue {
		sess, done, err := s.Expire(ctx, id, 0)
		if errors.Is(err, ErrNotFound) {
			s.rdb.ZRem(ctx, DeadlinesKey, id)
			continue
		}
		if err != nil {
			log.Printf("[call] sweep expire session=%s: %v", id, err)
			continue
		}
		switch {
		case done:
			log.Printf("[call] sweep expired session=%s", id)
			swept = append(swept, sess)
		case sess.Completed():
			s.rdb.ZRem(ctx, DeadlinesKey, id)
		}
	}

	return swept, nil
}
