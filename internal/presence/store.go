package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Prefix is the Redis key prefix for all presence hashes.
	Prefix = "presence:"

	// TTL is the time-to-live for presence keys in Redis. Gateways refresh
	// it on every heartbeat.
	TTL = 90 * time.Second

	// Status constants for the presence record.
	StatusIdle      = "idle"
	StatusSearching = "searching"
	StatusInCall    = "in_call"
)

// ErrOnlineElsewhere is returned when the identity is connected to another
// gateway instance.
var ErrOnlineElsewhere = errors.New("presence: identity connected to another gateway")

// Presence represents an identity's connection state stored in Redis.
type Presence struct {
	Identity    string `redis:"identity"`
	Status      string `redis:"status"`       // idle | searching | in_call
	SessionID   string `redis:"session_id"`   // empty if not in a call
	Server      string `redis:"server"`       // which gateway instance
	ConnectedAt int64  `redis:"connected_at"` // unix timestamp
	LastActive  int64  `redis:"last_active"`  // unix timestamp
}

// Store manages presence records in Redis.
type Store struct {
	client        *redis.Client
	serverName    string // identifier for this gateway instance
	connectScript *redis.Script
	releaseScript *redis.Script
}

// NewStore creates a new presence store connected to Redis.
func NewStore(redisAddr string, db int, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
		DB:   db,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName), nil
}

// NewStoreWithClient creates a presence store on an existing client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{
		client:        client,
		serverName:    serverName,
		connectScript: redis.NewScript(connectLua),
		releaseScript: redis.NewScript(releaseLua),
	}
}

// Key returns the presence key of an identity.
func Key(identity string) string {
	return Prefix + identity
}

// Connect claims the identity for this gateway with idle status. It fails
// with ErrOnlineElsewhere while another gateway holds a live record.
func (s *Store) Connect(ctx context.Context, identity string) error {
	now := time.Now().Unix()
	ok, err := s.connectScript.Run(ctx, s.client,
		[]string{Key(identity)},
		s.serverName, identity, now, int(TTL.Seconds()),
	).Int()
	if err != nil {
		return fmt.Errorf("presence: connect %s: %w", identity, err)
	}
	if ok == 0 {
		return ErrOnlineElsewhere
	}
	return nil
}

// Get retrieves a presence record from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, identity string) (*Presence, error) {
	var p Presence
	if err := s.client.HGetAll(ctx, Key(identity)).Scan(&p); err != nil {
		return nil, fmt.Errorf("presence: get %s: %w", identity, err)
	}
	if p.Identity == "" {
		return nil, nil // not found
	}
	return &p, nil
}

// UpdateStatus sets the status and the current session, and refreshes the TTL.
func (s *Store) UpdateStatus(ctx context.Context, identity, status, sessionID string) error {
	key := Key(identity)
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "status", status, "session_id", sessionID, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Refresh extends the record's TTL and marks the identity active.
func (s *Store) Refresh(ctx context.Context, identity string) error {
	key := Key(identity)
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Disconnect removes the record if this gateway still owns it.
func (s *Store) Disconnect(ctx context.Context, identity string) error {
	return s.releaseScript.Run(ctx, s.client, []string{Key(identity)}, s.serverName).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}

// connectLua writes a fresh record unless another server owns the key.
// Returns 1 on success, 0 when owned elsewhere.
const connectLua = `
local owner = redis.call('HGET', KEYS[1], 'server')
if owner and owner ~= ARGV[1] then
    return 0
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1],
    'identity', ARGV[2], 'status', 'idle', 'session_id', '',
    'server', ARGV[1], 'connected_at', ARGV[3], 'last_active', ARGV[3])
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[4]))
return 1
`

// releaseLua deletes the record only when the caller owns it.
const releaseLua = `
if redis.call('HGET', KEYS[1], 'server') == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`
