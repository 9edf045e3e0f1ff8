// Package block keeps the pair block list in Redis. Once either side of a
// call rejects the other, the pair is recorded in both directions and the
// match finder never pairs them again:
//
//	Key:   block:<identity>
//	Value: Set of identities <identity> must never be matched with
package block

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Prefix is the Redis key prefix for block sets.
const Prefix = "block:"

// Key returns the block set key for an identity.
func Key(identity string) string {
	return Prefix + identity
}

// Pair is an unordered pair of identities that must never be matched.
type Pair struct {
	A string
	B string
}

// Store manages block sets in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a new block store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Block records the pair in both directions.
func (s *Store) Block(ctx context.Context, a, b string) error {
	if a == "" || b == "" || a == b {
		return fmt.Errorf("block: invalid pair %q/%q", a, b)
	}
	pipe := s.client.TxPipeline()
	QueuePair(ctx, pipe, a, b)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("block: add pair: %w", err)
	}
	return nil
}

// QueuePair appends the commands that block a pair to an open pipeline or
// transaction, so callers can block as part of a larger atomic write.
func QueuePair(ctx context.Context, pipe redis.Pipeliner, a, b string) {
	pipe.SAdd(ctx, Key(a), b)
	pipe.SAdd(ctx, Key(b), a)
}

// IsBlocked reports whether a and b may never be matched.
func (s *Store) IsBlocked(ctx context.Context, a, b string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, Key(a), b).Result()
	if err != nil {
		return false, fmt.Errorf("block: check pair: %w", err)
	}
	return ok, nil
}

// Blocked returns every identity blocked for the given identity.
func (s *Store) Blocked(ctx context.Context, identity string) ([]string, error) {
	members, err := s.client.SMembers(ctx, Key(identity)).Result()
	if err != nil {
		return nil, fmt.Errorf("block: list: %w", err)
	}
	return members, nil
}

// Load restores pairs, typically from the durable relationship store after
// a Redis restart. It returns the number of pairs written.
func (s *Store) Load(ctx context.Context, pairs []Pair) (int, error) {
	if len(pairs) == 0 {
		return 0, nil
	}
	pipe := s.client.Pipeline()
	for _, p := range pairs {
		QueuePair(ctx, pipe, p.A, p.B)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("block: load: %w", err)
	}
	return len(pairs), nil
}
