package presence

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
)

func setupTestStores(t *testing.T) (*Store, *Store, context.Context) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   11,
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}
	rdb.FlushDB(ctx)

	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})

	return NewStoreWithClient(rdb, "gateway-1"), NewStoreWithClient(rdb, "gateway-2"), ctx
}

func TestStore_ConnectAndGet(t *testing.T) {
	s, _, ctx := setupTestStores(t)

	if err := s.Connect(ctx, "alice"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	p, err := s.Get(ctx, "alice")
	if err != nil || p == nil {
		t.Fatalf("get: %v (%v)", p, err)
	}
	if p.Status != StatusIdle || p.Server != "gateway-1" {
		t.Errorf("unexpected record %+v", p)
	}

	missing, err := s.Get(ctx, "bob")
	if err != nil || missing != nil {
		t.Errorf("expected nil for unknown identity, got %+v (%v)", missing, err)
	}
}

func TestStore_ConnectElsewhereRejected(t *testing.T) {
	g1, g2, ctx := setupTestStores(t)

	if err := g1.Connect(ctx, "alice"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := g2.Connect(ctx, "alice"); !errors.Is(err, ErrOnlineElsewhere) {
		t.Fatalf("expected ErrOnlineElsewhere, got %v", err)
	}

	// Another gateway must not be able to drop the record either.
	if err := g2.Disconnect(ctx, "alice"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if p, _ := g1.Get(ctx, "alice"); p == nil {
		t.Fatal("record removed by a gateway that does not own it")
	}

	if err := g1.Disconnect(ctx, "alice"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := g2.Connect(ctx, "alice"); err != nil {
		t.Errorf("expected reconnect on another gateway to succeed, got %v", err)
	}
}

func TestStore_UpdateStatus(t *testing.T) {
	s, _, ctx := setupTestStores(t)

	_ = s.Connect(ctx, "alice")
	if err := s.UpdateStatus(ctx, "alice", StatusInCall, "s1"); err != nil {
		t.Fatalf("update: %v", err)
	}
	p, _ := s.Get(ctx, "alice")
	if p.Status != StatusInCall || p.SessionID != "s1" {
		t.Errorf("unexpected record %+v", p)
	}
	if err := s.Refresh(ctx, "alice"); err != nil {
		t.Errorf("refresh: %v", err)
	}
}
