package queue

import (
	"context"
	"fmt"
	"time"
)

// Heartbeat marks a task as actively worked on. The worker refreshes this
// during the poll loop; recovery treats RUNNING tasks without a live
// heartbeat as abandoned.
func (q *Queue) Heartbeat(ctx context.Context, taskID, workerID string, ttl time.Duration) error {
	if err := q.client.Set(ctx, heartbeatKey(taskID), workerID, ttl).Err(); err != nil {
		return fmt.Errorf("failed to refresh heartbeat: %w", err)
	}
	return nil
}

// HasHeartbeat reports whether a live heartbeat exists for the task.
func (q *Queue) HasHeartbeat(ctx context.Context, taskID string) (bool, error) {
	exists, err := q.client.Exists(ctx, heartbeatKey(taskID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check heartbeat: %w", err)
	}
	return exists > 0, nil
}

// ClearHeartbeat removes the task's heartbeat once it reaches a terminal
// state.
func (q *Queue) ClearHeartbeat(ctx context.Context, taskID string) error {
	return q.client.Del(ctx, heartbeatKey(taskID)).Err()
}
