package queue

import (
	"context"
	"testing"
	"time"
)

func TestReserveIdempotency(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	existing, reserved, err := q.ReserveIdempotency(ctx, "k1", "task-1", "fp-a", time.Hour)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !reserved || existing != nil {
		t.Fatalf("expected fresh reservation, got reserved=%v existing=%+v", reserved, existing)
	}

	// Replay with the same key returns the original entry.
	existing, reserved, err = q.ReserveIdempotency(ctx, "k1", "task-2", "fp-a", time.Hour)
	if err != nil {
		t.Fatalf("replay reserve: %v", err)
	}
	if reserved {
		t.Fatal("second reservation should not win")
	}
	if existing == nil || existing.TaskID != "task-1" || existing.Fingerprint != "fp-a" {
		t.Fatalf("unexpected existing entry: %+v", existing)
	}
}

func TestReserveIdempotencyExpires(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	if _, reserved, err := q.ReserveIdempotency(ctx, "k1", "task-1", "fp-a", time.Hour); err != nil || !reserved {
		t.Fatalf("reserve: reserved=%v err=%v", reserved, err)
	}

	mr.FastForward(2 * time.Hour)

	existing, reserved, err := q.ReserveIdempotency(ctx, "k1", "task-9", "fp-b", time.Hour)
	if err != nil {
		t.Fatalf("reserve after expiry: %v", err)
	}
	if !reserved || existing != nil {
		t.Fatalf("expected expired key to be reservable, got reserved=%v existing=%+v", reserved, existing)
	}
}

func TestReleaseIdempotency(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if _, reserved, err := q.ReserveIdempotency(ctx, "k1", "task-1", "fp-a", time.Hour); err != nil || !reserved {
		t.Fatalf("reserve: reserved=%v err=%v", reserved, err)
	}
	if err := q.ReleaseIdempotency(ctx, "k1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	entry, err := q.LookupIdempotency(ctx, "k1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected key gone after release, got %+v", entry)
	}
}
