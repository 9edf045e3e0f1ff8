package matching

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Redis key patterns for the waiting queue.
	keyMatchQueue  = "match:queue"  // Sorted set, score = join timestamp (ms)
	keyEntryPrefix = "match:entry:" // + <identity> -> Hash

	// entryTTL bounds how long an abandoned entry hash can outlive its
	// owner. The stale purge normally removes it much earlier.
	entryTTL = 10 * time.Minute
)

// Gender is the declared gender of a queue entrant.
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
	GenderOther  Gender = "other"
)

// Valid reports whether g is a known gender.
func (g Gender) Valid() bool {
	return g == GenderMale || g == GenderFemale || g == GenderOther
}

// Preference is the partner filter of a queue entrant.
type Preference string

const (
	PreferMale   Preference = "male"
	PreferFemale Preference = "female"
	PreferAny    Preference = "any"
)

// Valid reports whether p is a known preference.
func (p Preference) Valid() bool {
	return p == PreferMale || p == PreferFemale || p == PreferAny
}

// Accepts reports whether p admits a partner of gender g.
func (p Preference) Accepts(g Gender) bool {
	return p == PreferAny || string(p) == string(g)
}

// Entry status values.
const (
	StatusWaiting = "waiting"
	StatusMatched = "matched"
)

var ErrInvalidAttributes = errors.New("matching: invalid gender or preference")

// Entry represents an identity's state in the matching queue.
type Entry struct {
	Identity   string
	Gender     Gender
	Preference Preference
	Status     string
	Heartbeat  time.Time
	JoinedAt   time.Time
}

// Queue manages the Redis data structures for the matching queue.
type Queue struct {
	rdb          *redis.Client
	now          func() time.Time
	purgeScript  *redis.Script
	cancelScript *redis.Script
}

// NewQueue creates a new matching queue backed by Redis.
func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{
		rdb:          rdb,
		now:          time.Now,
		purgeScript:  redis.NewScript(purgeLua),
		cancelScript: redis.NewScript(cancelLua),
	}
}

// EntryKey returns the hash key of an identity's queue entry.
func EntryKey(identity string) string {
	return keyEntryPrefix + identity
}

// Cancel removes the identity from the queue. It reports whether an entry
// existed. A finder that already paired the entry wins; the caller learns
// about the session through the usual match notification.
func (q *Queue) Cancel(ctx context.Context, identity string) (bool, error) {
	n, err := q.cancelScript.Run(ctx, q.rdb,
		[]string{keyMatchQueue, EntryKey(identity)},
		identity,
	).Int()
	if err != nil {
		return false, fmt.Errorf("matching: cancel %s: %w", identity, err)
	}
	return n == 1, nil
}

// GetEntry retrieves an identity's queue entry. Returns nil if not found.
func (q *Queue) GetEntry(ctx context.Context, identity string) (*Entry, error) {
	result, err := q.rdb.HGetAll(ctx, EntryKey(identity)).Result()
	if err != nil {
		return nil, fmt.Errorf("matching: get entry %s: %w", identity, err)
	}
	if len(result) == 0 {
		return nil, nil
	}
	return parseEntry(identity, result), nil
}

// Waiting returns the queued identities ordered by join time, oldest first.
func (q *Queue) Waiting(ctx context.Context) ([]string, error) {
	return q.rdb.ZRange(ctx, keyMatchQueue, 0, -1).Result()
}

// Entries returns every queue entry, oldest first. Identities whose hash has
// already vanished are skipped.
func (q *Queue) Entries(ctx context.Context) ([]Entry, error) {
	ids, err := q.Waiting(ctx)
	if err != nil {
		return nil, fmt.Errorf("matching: list queue: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, EntryKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("matching: list entries: %w", err)
	}

	entries := make([]Entry, 0, len(ids))
	for i, id := range ids {
		h := cmds[i].Val()
		if len(h) == 0 {
			continue
		}
		entries = append(entries, *parseEntry(id, h))
	}
	return entries, nil
}

// IsQueued checks if an identity is currently in the matching queue.
func (q *Queue) IsQueued(ctx context.Context, identity string) (bool, error) {
	_, err := q.rdb.ZScore(ctx, keyMatchQueue, identity).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Size returns the number of identities currently in the matching queue.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, keyMatchQueue).Result()
}

// PurgeStale removes entries whose heartbeat is older than stale, plus queue
// members whose hash is gone. Each removal re-checks the heartbeat inside
// Redis so an entry refreshed mid-purge survives. It returns the removed
// identities.
func (q *Queue) PurgeStale(ctx context.Context, stale time.Duration) ([]string, error) {
	ids, err := q.Waiting(ctx)
	if err != nil {
		return nil, fmt.Errorf("matching: purge: %w", err)
	}
	cutoff := q.now().Add(-stale).UnixMilli()

	var removed []string
	for _, id := range ids {
		n, err := q.purgeScript.Run(ctx, q.rdb,
			[]string{keyMatchQueue, EntryKey(id)},
			id, cutoff,
		).Int()
		if err != nil {
			return removed, fmt.Errorf("matching: purge %s: %w", id, err)
		}
		if n == 1 {
			removed = append(removed, id)
		}
	}
	return removed, nil
}

func parseEntry(identity string, h map[string]string) *Entry {
	return &Entry{
		Identity:   identity,
		Gender:     Gender(h["gender"]),
		Preference: Preference(h["preference"]),
		Status:     h["status"],
		Heartbeat:  fromMillis(h["heartbeat"]),
		JoinedAt:   fromMillis(h["joined_at"]),
	}
}

func fromMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// cancelLua removes an entry and its queue membership. Returns 1 if the
// entry existed, 0 otherwise.
const cancelLua = `
local existed = redis.call('DEL', KEYS[2])
redis.call('ZREM', KEYS[1], ARGV[1])
return existed
`

// purgeLua removes an entry whose heartbeat is at or before the cutoff, or
// whose hash no longer exists. Returns 1 when removed.
const purgeLua = `
local hb = redis.call('HGET', KEYS[2], 'heartbeat')
if hb and tonumber(hb) > tonumber(ARGV[2]) then
    return 0
end
redis.call('DEL', KEYS[2])
redis.call('ZREM', KEYS[1], ARGV[1])
return 1
`
