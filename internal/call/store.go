package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/callengine/internal/block"
)

// maxDecisionRetries bounds optimistic retries when both participants
// submit at the same instant.
const maxDecisionRetries = 8

// Store manages call sessions in Redis.
type Store struct {
	rdb          *redis.Client
	timing       Timing
	now          func() time.Time
	beginScript  *redis.Script
	finishScript *redis.Script
}

// NewStore creates a new call store backed by Redis.
func NewStore(rdb *redis.Client, timing Timing) *Store {
	return &Store{
		rdb:          rdb,
		timing:       timing,
		now:          time.Now,
		beginScript:  redis.NewScript(beginDecidingLua),
		finishScript: redis.NewScript(finishLua),
	}
}

// Timing returns the durations the store computes rounds with.
func (s *Store) Timing() Timing {
	return s.timing
}

// Get retrieves a session. Returns nil if not found.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	h, err := s.rdb.HGetAll(ctx, SessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("call: get: %w", err)
	}
	if len(h) == 0 {
		return nil, nil
	}
	return parseSession(id, h)
}

// ActiveSession returns the id of the open session of identity, or "".
func (s *Store) ActiveSession(ctx context.Context, identity string) (string, error) {
	id, err := s.rdb.Get(ctx, ActiveKey(identity)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("call: active session: %w", err)
	}
	return id, nil
}

// Open returns the ids of every session that has not completed, ordered by
// round deadline.
func (s *Store) Open(ctx context.Context) ([]string, error) {
	return s.rdb.ZRange(ctx, DeadlinesKey, 0, -1).Result()
}

// BeginDeciding moves the given round from active to deciding once its
// decide_at has passed. Exactly one caller observes true per round.
func (s *Store) BeginDeciding(ctx context.Context, id string, round int) (bool, error) {
	now := s.now().UnixMilli()
	code, err := s.beginScript.Run(ctx, s.rdb,
		[]string{SessionKey(id), DecidingKey},
		id, round, now,
	).Int()
	if err != nil {
		return false, fmt.Errorf("call: begin deciding: %w", err)
	}
	if code == -1 {
		return false, ErrNotFound
	}
	return code == 1, nil
}

// Expire completes the round as not_matched if its deadline has passed.
// It reports whether this call performed the completion.
func (s *Store) Expire(ctx context.Context, id string, round int) (*Session, bool, error) {
	return s.finish(ctx, finishExpire, id, round, "", OutcomeNotMatched, ReasonTimeout)
}

// Terminate ends the call on behalf of a participant, e.g. hang-up or
// disconnect. The outcome is not_matched.
func (s *Store) Terminate(ctx context.Context, id, identity, reason string) (*Session, bool, error) {
	return s.finish(ctx, finishTerminate, id, 0, identity, OutcomeNotMatched, reason)
}

// ForceComplete completes an unresolved session regardless of its timers.
// It is reserved for the maintenance sweep.
func (s *Store) ForceComplete(ctx context.Context, id, reason string) (*Session, bool, error) {
	return s.finish(ctx, finishForce, id, 0, "", OutcomeNotMatched, reason)
}

const (
	finishExpire    = "expire"
	finishTerminate = "terminate"
	finishForce     = "force"
)

func (s *Store) finish(ctx context.Context, mode, id string, round int, identity string, outcome Outcome, reason string) (*Session, bool, error) {
	now := s.now().UnixMilli()
	code, err := s.finishScript.Run(ctx, s.rdb,
		[]string{SessionKey(id), DeadlinesKey, DecidingKey},
		mode, now, round, identity, string(outcome), reason,
		int(CompletedTTL.Seconds()), ActivePrefix, id,
	).Int()
	if err != nil {
		return nil, false, fmt.Errorf("call: %s: %w", mode, err)
	}

	switch code {
	case -1:
		return nil, false, ErrNotFound
	case -3:
		return nil, false, ErrNotParticipant
	}

	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if sess == nil {
		return nil, false, ErrNotFound
	}
	return sess, code == 1, nil
}

// SubmitDecision records identity's decision for the current round and
// resolves the round when the combination rule allows it. The read, the
// rule and the write run under WATCH so concurrent submissions from both
// participants converge on one outcome.
func (s *Store) SubmitDecision(ctx context.Context, id, identity string, d Decision, round int) (*Result, error) {
	key := SessionKey(id)
	var result Result

	txf := func(tx *redis.Tx) error {
		h, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(h) == 0 {
			return ErrNotFound
		}
		sess, err := parseSession(id, h)
		if err != nil {
			return err
		}

		result, err = decide(*sess, identity, d, round, s.now(), s.timing)
		if err != nil || !result.changed {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.queueWrite(ctx, pipe, result)
			return nil
		})
		return err
	}

	for i := 0; i < maxDecisionRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return &result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotParticipant) ||
			errors.Is(err, ErrNotDeciding) || errors.Is(err, ErrStaleRound) ||
			errors.Is(err, ErrInvalidDecision) {
			return nil, err
		}
		return nil, fmt.Errorf("call: submit decision: %w", err)
	}

	log.Printf("[call] decision contention session=%s identity=%s", id, identity)
	return nil, ErrContention
}

// queueWrite appends the writes for a decision result to a transaction.
func (s *Store) queueWrite(ctx context.Context, pipe redis.Pipeliner, r Result) {
	sess := r.Session
	key := SessionKey(sess.ID)
	pipe.HSet(ctx, key, sess.FieldPairs()...)

	switch {
	case sess.Completed():
		pipe.Expire(ctx, key, CompletedTTL)
		pipe.ZRem(ctx, DeadlinesKey, sess.ID)
		pipe.ZRem(ctx, DecidingKey, sess.ID)
		for _, p := range sess.Participants() {
			pipe.Del(ctx, ActiveKey(p))
		}
		if sess.Outcome == OutcomeRejected {
			block.QueuePair(ctx, pipe, sess.ParticipantA, sess.ParticipantB)
		}
	case r.Outcome == OutcomeExtended:
		pipe.Expire(ctx, key, s.timing.OpenTTL())
		pipe.ZRem(ctx, DecidingKey, sess.ID)
		pipe.ZAdd(ctx, DeadlinesKey, redis.Z{Score: float64(sess.Deadline.UnixMilli()), Member: sess.ID})
		for _, p := range sess.Participants() {
			pipe.Expire(ctx, ActiveKey(p), s.timing.OpenTTL())
		}
	case sess.Status == StatusDeciding:
		pipe.ZAddNX(ctx, DecidingKey, redis.Z{Score: float64(sess.DecidingAt.UnixMilli()), Member: sess.ID})
	}
}

// beginDecidingLua moves a round from active to deciding once decide_at has
// passed. Returns:
//
//	1 = transitioned by this call
//	0 = not active (already deciding or completed)
//	-1 = session not found
//	-2 = wrong round or too early
const beginDecidingLua = `
local key = KEYS[1]
local session_id = ARGV[1]
local round = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local status = redis.call('HGET', key, 'status')
if not status then return -1 end
if status ~= 'active' then return 0 end

if tonumber(redis.call('HGET', key, 'round')) ~= round then return -2 end
if now < tonumber(redis.call('HGET', key, 'decide_at')) then return -2 end

redis.call('HSET', key, 'status', 'deciding', 'deciding_at', ARGV[3])
redis.call('ZADD', KEYS[2], now, session_id)
return 1
`

// finishLua completes an unresolved session with the given outcome and
// releases both participants. Modes:
//
//	expire    = only once the round deadline has passed
//	terminate = only on behalf of a participant
//	force     = unconditionally (maintenance sweep)
//
// Returns 1 when completed by this call, 0 when already completed, -1 when
// not found, -2 when the round or deadline does not match, -3 when the
// identity is not a participant.
const finishLua = `
local key = KEYS[1]
local mode = ARGV[1]
local now = tonumber(ARGV[2])
local round = tonumber(ARGV[3])
local identity = ARGV[4]
local active_prefix = ARGV[8]
local session_id = ARGV[9]

local status = redis.call('HGET', key, 'status')
if not status then return -1 end
if status == 'completed' then return 0 end

local a = redis.call('HGET', key, 'participant_a')
local b = redis.call('HGET', key, 'participant_b')

if round > 0 and tonumber(redis.call('HGET', key, 'round')) ~= round then return -2 end

if mode == 'expire' then
    if now < tonumber(redis.call('HGET', key, 'deadline')) then return -2 end
elseif mode == 'terminate' then
    if identity ~= a and identity ~= b then return -3 end
end

redis.call('HSET', key, 'status', 'completed', 'outcome', ARGV[5], 'reason', ARGV[6], 'completed_at', ARGV[2])
redis.call('EXPIRE', key, tonumber(ARGV[7]))
redis.call('ZREM', KEYS[2], session_id)
redis.call('ZREM', KEYS[3], session_id)

for _, p in ipairs({a, b}) do
    local active_key = active_prefix .. p
    if redis.call('GET', active_key) == session_id then
        redis.call('DEL', active_key)
    end
end
return 1
`
