package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMoveToDLQAndPeek(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first := Entry{TaskID: "task-1", EnqueuedAt: time.Now().Add(-time.Hour)}
	if err := q.MoveToDLQ(ctx, "nessus", first, "export failed"); err != nil {
		t.Fatalf("move first: %v", err)
	}
	time.Sleep(5 * time.Millisecond) // distinct failure timestamps
	second := Entry{TaskID: "task-2", EnqueuedAt: time.Now().Add(-time.Minute)}
	if err := q.MoveToDLQ(ctx, "nessus", second, "remote error"); err != nil {
		t.Fatalf("move second: %v", err)
	}

	depth, err := q.DLQDepth(ctx, "nessus")
	if err != nil {
		t.Fatalf("dlq depth: %v", err)
	}
	if depth != 2 {
		t.Fatalf("expected 2 dead letters, got %d", depth)
	}

	entries, err := q.PeekDLQ(ctx, "nessus", 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].TaskID != "task-2" {
		t.Fatalf("expected most recent failure first, got %s", entries[0].TaskID)
	}
	if entries[0].ErrorMessage != "remote error" {
		t.Fatalf("error message: got %q", entries[0].ErrorMessage)
	}
	if entries[1].FailureTimestamp.After(entries[0].FailureTimestamp) {
		t.Fatal("peek order not recent-first")
	}
}

func TestRemoveFromDLQ(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.MoveToDLQ(ctx, "nessus", Entry{TaskID: "task-1"}, "boom"); err != nil {
		t.Fatalf("move: %v", err)
	}

	if err := q.RemoveFromDLQ(ctx, "nessus", "task-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	depth, _ := q.DLQDepth(ctx, "nessus")
	if depth != 0 {
		t.Fatalf("expected empty dlq, got %d", depth)
	}

	if err := q.RemoveFromDLQ(ctx, "nessus", "task-1"); !errors.Is(err, ErrDLQEntryNotFound) {
		t.Fatalf("expected ErrDLQEntryNotFound, got %v", err)
	}
}

func TestTakeFromDLQ(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.MoveToDLQ(ctx, "nessus", Entry{TaskID: "task-1"}, "boom"); err != nil {
		t.Fatalf("move: %v", err)
	}

	entry, err := q.TakeFromDLQ(ctx, "nessus", "task-1")
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if entry.TaskID != "task-1" || entry.ErrorMessage != "boom" {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	depth, _ := q.DLQDepth(ctx, "nessus")
	if depth != 0 {
		t.Fatalf("dead letter not removed, depth %d", depth)
	}

	if _, err := q.TakeFromDLQ(ctx, "nessus", "task-1"); !errors.Is(err, ErrDLQEntryNotFound) {
		t.Fatalf("expected ErrDLQEntryNotFound, got %v", err)
	}
}

func TestClearDLQ(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	if err := q.MoveToDLQ(ctx, "nessus", Entry{TaskID: "old"}, "boom"); err != nil {
		t.Fatalf("move old: %v", err)
	}
	cutoff := time.Now().Add(time.Minute)
	// Second failure lands after the cutoff.
	old := DLQEntry{TaskID: "new", ScannerPool: "nessus", ErrorMessage: "late", FailureTimestamp: cutoff.Add(time.Hour)}
	score := float64(old.FailureTimestamp.UnixNano()) / float64(time.Second)
	data := `{"task_id":"new","scanner_pool":"nessus","enqueued_at":"0001-01-01T00:00:00Z","error_message":"late","failure_timestamp":"` + old.FailureTimestamp.UTC().Format(time.RFC3339Nano) + `"}`
	mr.ZAdd(dlqKey("nessus"), score, data)

	removed, err := q.ClearDLQ(ctx, "nessus", &cutoff)
	if err != nil {
		t.Fatalf("clear before: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}

	depth, _ := q.DLQDepth(ctx, "nessus")
	if depth != 1 {
		t.Fatalf("expected the late entry to survive, depth %d", depth)
	}

	removed, err = q.ClearDLQ(ctx, "nessus", nil)
	if err != nil {
		t.Fatalf("clear all: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed on full clear, got %d", removed)
	}
}
