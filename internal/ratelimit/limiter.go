// Package ratelimit provides Redis-backed rate limiting using the INCR + EXPIRE
// fixed window algorithm. Each gateway action (matchmaking, decisions,
// signaling, connection attempts) is throttled per identity.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:match:", "rl:signal:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleMatch allows 20 find_match requests per minute. Clients re-poll
	// every couple of seconds while searching, so the budget covers a
	// search of roughly half a minute before throttling.
	RuleMatch = Rule{Key: "rl:match:", Limit: 20, Window: 1 * time.Minute}

	// RuleDecision allows 10 decision submissions per 10 seconds.
	RuleDecision = Rule{Key: "rl:decision:", Limit: 10, Window: 10 * time.Second}

	// RuleSignal allows 200 signaling messages per 10 seconds. ICE trickle
	// produces bursts of candidates right after the offer.
	RuleSignal = Rule{Key: "rl:signal:", Limit: 200, Window: 10 * time.Second}

	// RuleConnect allows 10 WebSocket connections per minute per identity.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 10, Window: 1 * time.Minute}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so that a Redis outage does not
// block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// A key without TTL would throttle the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// RetryAfter returns how long the identifier has to wait until the current
// window for rule resets. It returns zero when no window is open.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	ttl, err := l.client.PTTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl < 0 {
		return 0
	}
	return ttl
}
