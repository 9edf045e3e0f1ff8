// Package relationship provides PostgreSQL-backed storage for what a call
// leaves behind: one outcome row per completed session, one mutual match per
// pair that both said yes, and one blocked pair per rejection. Writes happen
// after resolution, outside the matchmaking hot path.
package relationship

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/whisper/callengine/internal/block"
	"github.com/whisper/callengine/internal/call"
)

// Store manages relationship rows in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Match is a mutual connection created by a matched session.
type Match struct {
	Partner   string
	SessionID string
	CreatedAt time.Time
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("relationship: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("relationship: ping: %w", err)
	}
	return db, nil
}

// NewStore creates a new relationship store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// pairKey orders two identities so a pair has one row regardless of who
// was participant A.
func pairKey(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// RecordOutcome persists a completed session. Recording the same session
// twice is a no-op, so both gateways of a pair may call it.
func (s *Store) RecordOutcome(ctx context.Context, sess *call.Session) error {
	if !sess.Completed() {
		return fmt.Errorf("relationship: session %s is not completed", sess.ID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("relationship: begin: %w", err)
	}
	defer tx.Rollback()

	const outcomeQuery = `
		INSERT INTO call_outcomes (session_id, participant_a, participant_b, outcome, reason, rounds, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id) DO NOTHING`

	res, err := tx.ExecContext(ctx, outcomeQuery,
		sess.ID,
		sess.ParticipantA,
		sess.ParticipantB,
		string(sess.Outcome),
		sess.Reason,
		sess.Round,
		sess.StartedAt,
		completedAt(sess),
	)
	if err != nil {
		return fmt.Errorf("relationship: insert outcome: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil // already recorded
	}

	low, high := pairKey(sess.ParticipantA, sess.ParticipantB)
	switch sess.Outcome {
	case call.OutcomeMatched:
		const matchQuery = `
			INSERT INTO matches (identity_low, identity_high, session_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (identity_low, identity_high) DO NOTHING`
		if _, err := tx.ExecContext(ctx, matchQuery, low, high, sess.ID); err != nil {
			return fmt.Errorf("relationship: insert match: %w", err)
		}
	case call.OutcomeRejected:
		const blockQuery = `
			INSERT INTO blocked_pairs (identity_low, identity_high, session_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (identity_low, identity_high) DO NOTHING`
		if _, err := tx.ExecContext(ctx, blockQuery, low, high, sess.ID); err != nil {
			return fmt.Errorf("relationship: insert blocked pair: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("relationship: commit: %w", err)
	}
	return nil
}

// Matches returns the mutual connections of an identity, newest first.
func (s *Store) Matches(ctx context.Context, identity string) ([]Match, error) {
	const query = `
		SELECT CASE WHEN identity_low = $1 THEN identity_high ELSE identity_low END,
		       session_id, created_at
		FROM matches
		WHERE identity_low = $1 OR identity_high = $1
		ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, identity)
	if err != nil {
		return nil, fmt.Errorf("relationship: list matches: %w", err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.Partner, &m.SessionID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("relationship: scan match: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// IsMatched reports whether two identities share a mutual match.
func (s *Store) IsMatched(ctx context.Context, a, b string) (bool, error) {
	low, high := pairKey(a, b)
	const query = `SELECT 1 FROM matches WHERE identity_low = $1 AND identity_high = $2`

	var one int
	err := s.db.QueryRowContext(ctx, query, low, high).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("relationship: is matched: %w", err)
	}
	return true, nil
}

// BlockedPairs returns every blocked pair, used to rebuild the Redis block
// sets after a cache loss.
func (s *Store) BlockedPairs(ctx context.Context) ([]block.Pair, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT identity_low, identity_high FROM blocked_pairs`)
	if err != nil {
		return nil, fmt.Errorf("relationship: list blocked pairs: %w", err)
	}
	defer rows.Close()

	var out []block.Pair
	for rows.Next() {
		var p block.Pair
		if err := rows.Scan(&p.A, &p.B); err != nil {
			return nil, fmt.Errorf("relationship: scan blocked pair: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountOutcomes returns completed sessions per outcome within the window.
func (s *Store) CountOutcomes(ctx context.Context, window time.Duration) (map[call.Outcome]int, error) {
	const query = `
		SELECT outcome, COUNT(*)
		FROM call_outcomes
		WHERE completed_at >= NOW() - make_interval(secs => $1)
		GROUP BY outcome`

	rows, err := s.db.QueryContext(ctx, query, window.Seconds())
	if err != nil {
		return nil, fmt.Errorf("relationship: count outcomes: %w", err)
	}
	defer rows.Close()

	counts := make(map[call.Outcome]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("relationship: scan count: %w", err)
		}
		counts[call.Outcome(outcome)] = n
	}
	return counts, rows.Err()
}

func completedAt(sess *call.Session) time.Time {
	if sess.CompletedAt.IsZero() {
		return time.Now()
	}
	return sess.CompletedAt
}
