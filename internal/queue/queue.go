package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is one unit of queued work. The task record itself lives in the task
// store; queue depth and store state can briefly disagree, so consumers
// reconcile against the store after dequeue.
type Entry struct {
	TaskID      string    `json:"task_id"`
	ScannerPool string    `json:"scanner_pool"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// Enqueue appends an entry to the tail of the pool's queue.
func (q *Queue) Enqueue(ctx context.Context, pool string, entry Entry) error {
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now().UTC()
	}
	entry.ScannerPool = pool

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal queue entry: %w", err)
	}
	if err := q.client.LPush(ctx, queueKey(pool), data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue: %w", err)
	}
	return nil
}

// DequeueAny blocks up to timeout on all given pool queues at once and
// returns the head of the first non-empty one, honoring the argument order as
// priority. Returns (nil, nil) when the timeout elapses with nothing queued.
func (q *Queue) DequeueAny(ctx context.Context, pools []string, timeout time.Duration) (*Entry, error) {
	if len(pools) == 0 {
		return nil, errors.New("no pools to dequeue from")
	}

	keys := make([]string, len(pools))
	for i, pool := range pools {
		keys[i] = queueKey(pool)
	}

	result, err := q.client.BRPop(ctx, timeout, keys...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(result[1]), &entry); err != nil {
		return nil, fmt.Errorf("failed to decode queue entry: %w", err)
	}
	if entry.ScannerPool == "" {
		entry.ScannerPool = strings.TrimPrefix(result[0], keyQueuePrefix)
	}
	return &entry, nil
}

// Depth returns the number of entries waiting in the pool's queue.
func (q *Queue) Depth(ctx context.Context, pool string) (int64, error) {
	depth, err := q.client.LLen(ctx, queueKey(pool)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return depth, nil
}

// Depths returns queue depth per pool in one round trip.
func (q *Queue) Depths(ctx context.Context, pools []string) (map[string]int64, error) {
	pipe := q.client.Pipeline()
	cmds := make(map[string]*redis.IntCmd, len(pools))
	for _, pool := range pools {
		cmds[pool] = pipe.LLen(ctx, queueKey(pool))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue depths: %w", err)
	}

	depths := make(map[string]int64, len(pools))
	for pool, cmd := range cmds {
		depths[pool] = cmd.Val()
	}
	return depths, nil
}
