package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DLQEntry is a permanently failed queue entry awaiting operator action.
type DLQEntry struct {
	TaskID           string    `json:"task_id"`
	ScannerPool      string    `json:"scanner_pool"`
	EnqueuedAt       time.Time `json:"enqueued_at"`
	ErrorMessage     string    `json:"error_message"`
	FailureTimestamp time.Time `json:"failure_timestamp"`
}

// MoveToDLQ records a permanent failure for an already-dequeued entry in the
// pool's dead-letter set, scored by failure time so peeks read recent-first.
func (q *Queue) MoveToDLQ(ctx context.Context, pool string, entry Entry, errMsg string) error {
	failed := DLQEntry{
		TaskID:           entry.TaskID,
		ScannerPool:      pool,
		EnqueuedAt:       entry.EnqueuedAt,
		ErrorMessage:     errMsg,
		FailureTimestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(failed)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter entry: %w", err)
	}

	if err := q.client.ZAdd(ctx, dlqKey(pool), redis.Z{
		Score:  float64(failed.FailureTimestamp.UnixNano()) / float64(time.Second),
		Member: data,
	}).Err(); err != nil {
		return fmt.Errorf("failed to move entry to dlq: %w", err)
	}
	return nil
}

// PeekDLQ returns up to limit entries, most recent failure first, without
// removing them.
func (q *Queue) PeekDLQ(ctx context.Context, pool string, limit int64) ([]DLQEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	members, err := q.client.ZRevRange(ctx, dlqKey(pool), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to peek dlq: %w", err)
	}

	entries := make([]DLQEntry, 0, len(members))
	for _, member := range members {
		var entry DLQEntry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// DLQDepth returns the number of dead letters for the pool.
func (q *Queue) DLQDepth(ctx context.Context, pool string) (int64, error) {
	depth, err := q.client.ZCard(ctx, dlqKey(pool)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read dlq depth: %w", err)
	}
	return depth, nil
}

// RemoveFromDLQ deletes the dead letter for taskID.
func (q *Queue) RemoveFromDLQ(ctx context.Context, pool, taskID string) error {
	_, err := q.TakeFromDLQ(ctx, pool, taskID)
	return err
}

// TakeFromDLQ finds and removes the member for taskID, returning it so an
// operator requeue can resubmit its task. ZREM returning 1 makes concurrent
// operators race safely: only one caller gets the entry.
func (q *Queue) TakeFromDLQ(ctx context.Context, pool, taskID string) (*DLQEntry, error) {
	members, err := q.client.ZRange(ctx, dlqKey(pool), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan dlq: %w", err)
	}
	for _, member := range members {
		var entry DLQEntry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			continue
		}
		if entry.TaskID != taskID {
			continue
		}
		removed, err := q.client.ZRem(ctx, dlqKey(pool), member).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to remove dead letter: %w", err)
		}
		if removed == 0 {
			return nil, ErrDLQEntryNotFound
		}
		return &entry, nil
	}
	return nil, ErrDLQEntryNotFound
}

// ClearDLQ removes dead letters for the pool. A nil before clears everything;
// otherwise only entries that failed before the cutoff are removed. Returns
// the number of entries removed.
func (q *Queue) ClearDLQ(ctx context.Context, pool string, before *time.Time) (int64, error) {
	if before == nil {
		removed, err := q.client.ZRemRangeByRank(ctx, dlqKey(pool), 0, -1).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to clear dlq: %w", err)
		}
		return removed, nil
	}

	max := fmt.Sprintf("%f", float64(before.UnixNano())/float64(time.Second))
	removed, err := q.client.ZRemRangeByScore(ctx, dlqKey(pool), "-inf", "("+max).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to clear dlq: %w", err)
	}
	return removed, nil
}
