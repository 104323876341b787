package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// acquireSlotScript increments the shared per-instance in-flight counter only
// while it is below the bound, so concurrent workers cannot oversubscribe an
// instance. Returns 1 on acquire, 0 when saturated.
var acquireSlotScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
  return 0
end
redis.call('INCR', KEYS[1])
return 1
`)

// releaseSlotScript decrements with a floor of zero. Over-release happens
// after recovery races and must not wedge the counter negative.
var releaseSlotScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current <= 0 then
  redis.call('SET', KEYS[1], '0')
  return 0
end
return redis.call('DECR', KEYS[1])
`)

// AcquireSlot claims a shared scan slot on pool/instance. Used when multiple
// worker processes consume the same pool and in-process counters would
// undercount.
func (q *Queue) AcquireSlot(ctx context.Context, pool, instanceID string, max int) (bool, error) {
	result, err := acquireSlotScript.Run(ctx, q.client, []string{slotKey(pool, instanceID)}, max).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to acquire scanner slot: %w", err)
	}
	return result == 1, nil
}

// ReleaseSlot returns a shared scan slot, clamped at zero.
func (q *Queue) ReleaseSlot(ctx context.Context, pool, instanceID string) error {
	if err := releaseSlotScript.Run(ctx, q.client, []string{slotKey(pool, instanceID)}).Err(); err != nil {
		return fmt.Errorf("failed to release scanner slot: %w", err)
	}
	return nil
}

// SlotCount reads the shared in-flight counter for an instance.
func (q *Queue) SlotCount(ctx context.Context, pool, instanceID string) (int, error) {
	count, err := q.client.Get(ctx, slotKey(pool, instanceID)).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read scanner slot count: %w", err)
	}
	return count, nil
}
