package relationship

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/callengine/internal/call"
)

func TestPairKey_OrderIndependent(t *testing.T) {
	a1, b1 := pairKey("bob", "alice")
	a2, b2 := pairKey("alice", "bob")
	if a1 != a2 || b1 != b2 {
		t.Errorf("pair key depends on order: (%s,%s) vs (%s,%s)", a1, b1, a2, b2)
	}
	if a1 != "alice" {
		t.Errorf("expected lower identity first, got %s", a1)
	}
}

// setupTestDB connects to the database named by CALLENGINE_TEST_POSTGRES_DSN
// and applies migrations. Tests are skipped when it is not set.
func setupTestDB(t *testing.T) (*sql.DB, context.Context) {
	t.Helper()

	dsn := os.Getenv("CALLENGINE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("skipping: CALLENGINE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	db, err := Open(ctx, dsn)
	if err != nil {
		t.Skipf("skipping: PostgreSQL not available: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, ctx
}

func completedSession(a, b string, outcome call.Outcome) *call.Session {
	now := time.Now()
	sess := call.NewSession(uuid.New().String(), a, b, "room", now.Add(-3*time.Minute), call.Timing{Duration: 3 * time.Minute})
	sess.Status = call.StatusCompleted
	sess.Outcome = outcome
	sess.Reason = call.ReasonDecision
	sess.CompletedAt = now
	return sess
}

func TestStore_RecordMatchedOutcome(t *testing.T) {
	db, ctx := setupTestDB(t)
	s := NewStore(db)

	a, b := "alice-"+uuid.New().String(), "bob-"+uuid.New().String()
	sess := completedSession(a, b, call.OutcomeMatched)

	if err := s.RecordOutcome(ctx, sess); err != nil {
		t.Fatalf("record: %v", err)
	}
	// Both gateways of the pair record the same session.
	if err := s.RecordOutcome(ctx, sess); err != nil {
		t.Fatalf("second record: %v", err)
	}

	matched, err := s.IsMatched(ctx, b, a)
	if err != nil || !matched {
		t.Fatalf("expected mutual match, got %v (%v)", matched, err)
	}
	matches, err := s.Matches(ctx, a)
	if err != nil {
		t.Fatalf("matches: %v", err)
	}
	if len(matches) != 1 || matches[0].Partner != b || matches[0].SessionID != sess.ID {
		t.Errorf("unexpected matches %+v", matches)
	}
}

func TestStore_RecordRejectedOutcome(t *testing.T) {
	db, ctx := setupTestDB(t)
	s := NewStore(db)

	a, b := "carol-"+uuid.New().String(), "dave-"+uuid.New().String()
	if err := s.RecordOutcome(ctx, completedSession(a, b, call.OutcomeRejected)); err != nil {
		t.Fatalf("record: %v", err)
	}

	pairs, err := s.BlockedPairs(ctx)
	if err != nil {
		t.Fatalf("blocked pairs: %v", err)
	}
	low, high := pairKey(a, b)
	found := false
	for _, p := range pairs {
		if p.A == low && p.B == high {
			found = true
		}
	}
	if !found {
		t.Errorf("expected blocked pair %s/%s", low, high)
	}
	if matched, _ := s.IsMatched(ctx, a, b); matched {
		t.Error("a rejected pair must not be matched")
	}
}

func TestStore_RejectsOpenSession(t *testing.T) {
	s := NewStore(nil)
	sess := call.NewSession("s1", "a", "b", "", time.Now(), call.Timing{Duration: time.Minute})
	if err := s.RecordOutcome(context.Background(), sess); err == nil {
		t.Fatal("expected error recording an open session")
	}
}
