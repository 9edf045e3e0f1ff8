package matching

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/callengine/internal/block"
	"github.com/whisper/callengine/internal/call"
)

// DefaultScanPage is how many waiting entries the finder reads per ZRANGE
// while it walks the queue.
const DefaultScanPage = 500

var (
	// ErrAlreadyInCall is returned when the identity holds an open session.
	ErrAlreadyInCall = errors.New("matching: identity is already in a call")
	// ErrNotQueued is returned by Retry for an identity without an entry.
	ErrNotQueued = errors.New("matching: identity is not queued")
)

// Compatible reports whether two entrants may be paired: each side's
// preference must admit the other's gender.
func Compatible(aGender Gender, aPref Preference, bGender Gender, bPref Preference) bool {
	return aPref.Accepts(bGender) && bPref.Accepts(aGender)
}

// Result is the outcome of one matching attempt.
type Result struct {
	Waiting bool
	Session *call.Session // set on a match
	Partner string        // the identity the caller was paired with
	// PartnerJoinedAt is when the partner entered the queue.
	PartnerJoinedAt time.Time
}

// Finder pairs queue entrants atomically. The scan, the compatibility
// checks, the deletion of both entries and the session creation all run in
// one Lua script, so two racing attempts can never produce two sessions
// for the same entry.
type Finder struct {
	rdb       *redis.Client
	timing    call.Timing
	stale     time.Duration
	scanPage  int
	now       func() time.Time
	newID     func() string
	script    *redis.Script
}

// NewFinder creates a finder. Entries whose heartbeat is older than stale
// are never picked as partners.
func NewFinder(rdb *redis.Client, timing call.Timing, stale time.Duration) *Finder {
	return &Finder{
		rdb:       rdb,
		timing:    timing,
		stale:     stale,
		scanPage:  DefaultScanPage,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
		script:    redis.NewScript(findOrCreateMatchLua),
	}
}

// FindOrCreateMatch upserts the caller's entry and pairs it with the
// oldest compatible waiting entry. On a miss the caller stays queued and
// Result.Waiting is set.
func (f *Finder) FindOrCreateMatch(ctx context.Context, identity string, gender Gender, pref Preference) (*Result, error) {
	if !gender.Valid() || !pref.Valid() {
		return nil, ErrInvalidAttributes
	}
	return f.run(ctx, modeEnter, identity, gender, pref)
}

// Retry re-attempts matching for an identity that is already queued, using
// its stored attributes. It never recreates a cancelled entry and never
// refreshes the heartbeat.
func (f *Finder) Retry(ctx context.Context, identity string) (*Result, error) {
	return f.run(ctx, modeRetry, identity, "", "")
}

const (
	modeEnter = "enter"
	modeRetry = "retry"
)

func (f *Finder) run(ctx context.Context, mode, identity string, gender Gender, pref Preference) (*Result, error) {
	now := f.now()
	id := f.newID()
	// Participant A is filled in by the script once the partner is known.
	sess := call.NewSession(id, "", identity, f.newID(), now, f.timing)

	args := []interface{}{
		mode,
		identity,
		string(gender),
		string(pref),
		now.UnixMilli(),
		now.Add(-f.stale).UnixMilli(),
		f.scanPage,
		keyEntryPrefix,
		block.Prefix,
		call.ActivePrefix,
		call.SessionPrefix,
		id,
		int(f.timing.OpenTTL().Seconds()),
		int(entryTTL.Seconds()),
		sess.Deadline.UnixMilli(),
	}
	args = append(args, sess.FieldPairs()...)

	raw, err := f.script.Run(ctx, f.rdb,
		[]string{keyMatchQueue, call.DeadlinesKey},
		args...,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("matching: find %s: %w", identity, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("matching: find %s: empty script reply", identity)
	}

	switch raw[0] {
	case "waiting":
		return &Result{Waiting: true}, nil
	case "in_call":
		return nil, ErrAlreadyInCall
	case "not_queued":
		return nil, ErrNotQueued
	case "matched":
		if len(raw) < 3 {
			return nil, fmt.Errorf("matching: find %s: short reply %v", identity, raw)
		}
		sess.ParticipantA = raw[1]
		joined, _ := strconv.ParseFloat(raw[2], 64)
		return &Result{
			Session:         sess,
			Partner:         raw[1],
			PartnerJoinedAt: time.UnixMilli(int64(joined)),
		}, nil
	}
	return nil, fmt.Errorf("matching: find %s: unexpected reply %q", identity, raw[0])
}

// findOrCreateMatchLua is the Match Finder. KEYS:
//
//	1 = match:queue
//	2 = call:deadlines
//
// ARGV 1..15 are scalar parameters (see Finder.run); ARGV 16.. are the
// session field/value pairs, written only on a hit.
//
// Replies:
//
//	{"matched", partner, partner_joined_ms}
//	{"waiting"}
//	{"in_call", session_id}
//	{"not_queued"}
const findOrCreateMatchLua = `
local queue_key     = KEYS[1]
local deadlines_key = KEYS[2]

local mode          = ARGV[1]
local identity      = ARGV[2]
local gender        = ARGV[3]
local pref          = ARGV[4]
local now           = tonumber(ARGV[5])
local stale_cutoff  = tonumber(ARGV[6])
local scan_page     = tonumber(ARGV[7])
local entry_prefix  = ARGV[8]
local block_prefix  = ARGV[9]
local active_prefix = ARGV[10]
local session_pfx   = ARGV[11]
local session_id    = ARGV[12]
local session_ttl   = tonumber(ARGV[13])
local entry_ttl     = tonumber(ARGV[14])
local deadline      = tonumber(ARGV[15])

local self_key = entry_prefix .. identity

local active = redis.call('GET', active_prefix .. identity)
if active then
    redis.call('DEL', self_key)
    redis.call('ZREM', queue_key, identity)
    return {'in_call', active}
end

if mode == 'retry' then
    local stored = redis.call('HMGET', self_key, 'gender', 'preference', 'status', 'heartbeat')
    if not stored[1] or stored[3] ~= 'waiting' then
        redis.call('ZREM', queue_key, identity)
        return {'not_queued'}
    end
    if (tonumber(stored[4]) or 0) < stale_cutoff then
        return {'waiting'}
    end
    gender = stored[1]
    pref = stored[2]
else
    redis.call('HSET', self_key,
        'gender', gender, 'preference', pref,
        'status', 'waiting', 'heartbeat', now)
    redis.call('HSETNX', self_key, 'joined_at', now)
    redis.call('EXPIRE', self_key, entry_ttl)
    redis.call('ZADD', queue_key, 'NX', now, identity)
end

local function accepts(p, g)
    return p == 'any' or p == g
end

local offset = 0
while true do
    local candidates = redis.call('ZRANGE', queue_key, offset, offset + scan_page - 1, 'WITHSCORES')
    if #candidates == 0 then break end

    local dropped = 0
    for i = 1, #candidates, 2 do
        local cand = candidates[i]
        if cand ~= identity then
            local cand_key = entry_prefix .. cand
            local e = redis.call('HMGET', cand_key, 'gender', 'preference', 'status', 'heartbeat')
            if not e[1] then
                redis.call('ZREM', queue_key, cand)
                dropped = dropped + 1
            elseif e[3] == 'waiting'
                and (tonumber(e[4]) or 0) >= stale_cutoff
                and accepts(pref, e[1]) and accepts(e[2], gender)
                and redis.call('SISMEMBER', block_prefix .. identity, cand) == 0
                and redis.call('EXISTS', active_prefix .. cand) == 0 then

                redis.call('DEL', self_key, cand_key)
                redis.call('ZREM', queue_key, identity, cand)

                local session_key = session_pfx .. session_id
                local fields = {}
                for j = 16, #ARGV do
                    fields[#fields + 1] = ARGV[j]
                end
                redis.call('HSET', session_key, unpack(fields))
                redis.call('HSET', session_key, 'participant_a', cand)
                redis.call('EXPIRE', session_key, session_ttl)
                redis.call('SET', active_prefix .. cand, session_id, 'EX', session_ttl)
                redis.call('SET', active_prefix .. identity, session_id, 'EX', session_ttl)
                redis.call('ZADD', deadlines_key, deadline, session_id)

                return {'matched', cand, candidates[i + 1]}
            end
        end
    end
    -- Orphans removed from this page shift the ones after it forward.
    offset = offset + #candidates / 2 - dropped
end

return {'waiting'}
`
