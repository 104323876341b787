package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyEntry maps a client-supplied key to the task it produced and the
// fingerprint of the request that created it.
type IdempotencyEntry struct {
	TaskID      string `json:"task_id"`
	Fingerprint string `json:"fingerprint"`
}

// ReserveIdempotency atomically claims key for taskID with a TTL. When the
// key is already held, the existing entry is returned with reserved=false and
// the caller decides between replay and conflict by comparing fingerprints.
func (q *Queue) ReserveIdempotency(ctx context.Context, key, taskID, fingerprint string, ttl time.Duration) (*IdempotencyEntry, bool, error) {
	entry := IdempotencyEntry{TaskID: taskID, Fingerprint: fingerprint}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal idempotency entry: %w", err)
	}

	// SET NX then GET can race with expiry, so loop a few times.
	for attempt := 0; attempt < 3; attempt++ {
		reserved, err := q.client.SetNX(ctx, idemKey(key), data, ttl).Result()
		if err != nil {
			return nil, false, fmt.Errorf("failed to reserve idempotency key: %w", err)
		}
		if reserved {
			return nil, true, nil
		}

		existing, err := q.LookupIdempotency(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
		// Expired between SET NX and GET; try again.
	}
	return nil, false, errors.New("idempotency key contention")
}

// LookupIdempotency returns the entry for key, or nil when absent.
func (q *Queue) LookupIdempotency(ctx context.Context, key string) (*IdempotencyEntry, error) {
	data, err := q.client.Get(ctx, idemKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	var entry IdempotencyEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode idempotency entry: %w", err)
	}
	return &entry, nil
}

// ReleaseIdempotency drops the reservation, used to roll back a submission
// that failed after reserving the key.
func (q *Queue) ReleaseIdempotency(ctx context.Context, key string) error {
	return q.client.Del(ctx, idemKey(key)).Err()
}
