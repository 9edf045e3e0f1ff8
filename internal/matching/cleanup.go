package matching

import (
	"context"
	"log"
	"time"

	"github.com/whisper/callengine/internal/metrics"
)

const defaultCleanupInterval = 5 * time.Second

// StartCleanup runs a background loop that removes queue entries whose
// heartbeat went silent. Clients re-send find_match every poll interval, so
// a stale heartbeat means the client is gone.
func StartCleanup(ctx context.Context, queue *Queue, stale, interval time.Duration) {
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[matcher] cleanup loop stopped")
			return
		case <-ticker.C:
			cleanStaleEntries(ctx, queue, stale)
		}
	}
}

func cleanStaleEntries(ctx context.Context, queue *Queue, stale time.Duration) {
	removed, err := queue.PurgeStale(ctx, stale)
	if err != nil {
		log.Printf("[matcher] cleanup: %v", err)
	}
	if len(removed) > 0 {
		metrics.SweepForced.WithLabelValues("queue").Add(float64(len(removed)))
		log.Printf("[matcher] cleanup: removed %d stale entries", len(removed))
	}
}
