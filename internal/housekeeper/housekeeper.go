// Package housekeeper runs the periodic retention and recovery sweep:
// terminal task records age out after their retention window, and RUNNING
// tasks whose worker stopped heartbeating long ago are force-failed so they
// do not linger forever.
package housekeeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/scandhq/scand/internal/config"
	"github.com/scandhq/scand/internal/metrics"
	"github.com/scandhq/scand/internal/queue"
	"github.com/scandhq/scand/internal/taskstore"
)

type Housekeeper struct {
	cfg   *config.Config
	store *taskstore.Store
	queue *queue.Queue
	cron  *cron.Cron
	log   zerolog.Logger
}

// Stats counts what one sweep did.
type Stats struct {
	DeletedCompleted int
	DeletedFailed    int
	Recovered        int
}

func New(cfg *config.Config, store *taskstore.Store, q *queue.Queue, log zerolog.Logger) *Housekeeper {
	return &Housekeeper{
		cfg:   cfg,
		store: store,
		queue: q,
		cron:  cron.New(),
		log:   log.With().Str("component", "housekeeper").Logger(),
	}
}

// Start runs one sweep immediately, so tasks abandoned by a crashed worker
// settle on restart, then schedules the periodic one. The startup sweep
// recovers at one task deadline: a RUNNING task past its deadline is already
// lost, and waiting for the periodic sweep's doubled threshold would let it
// linger another full deadline after the restart.
func (h *Housekeeper) Start(ctx context.Context) error {
	h.sweep(ctx, h.cfg.Worker.TaskDeadline)

	schedule := h.cfg.Housekeeper.Schedule
	if _, err := h.cron.AddFunc(schedule, func() { h.Sweep(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule housekeeper %q: %w", schedule, err)
	}
	h.cron.Start()
	h.log.Info().Str("schedule", schedule).Msg("housekeeper started")
	return nil
}

func (h *Housekeeper) Stop() {
	done := h.cron.Stop()
	<-done.Done()
}

// Sweep applies retention to terminal tasks and recovers abandoned RUNNING
// ones. Idempotent; safe to run at any time. Recovery waits for twice the
// task deadline: a heartbeat-less task younger than that may belong to a
// worker that is merely between polls.
func (h *Housekeeper) Sweep(ctx context.Context) Stats {
	return h.sweep(ctx, 2*h.cfg.Worker.TaskDeadline)
}

func (h *Housekeeper) sweep(ctx context.Context, staleAfter time.Duration) Stats {
	now := time.Now()
	var stats Stats

	stats.DeletedCompleted = h.sweepRetention(now,
		[]taskstore.Status{taskstore.StatusCompleted}, h.cfg.Retention.Completed)
	stats.DeletedFailed = h.sweepRetention(now,
		[]taskstore.Status{taskstore.StatusFailed, taskstore.StatusTimeout}, h.cfg.Retention.Failed)
	stats.Recovered = h.recoverAbandoned(ctx, now, staleAfter)

	if stats.DeletedCompleted+stats.DeletedFailed+stats.Recovered > 0 {
		h.log.Info().
			Int("deleted_completed", stats.DeletedCompleted).
			Int("deleted_failed", stats.DeletedFailed).
			Int("recovered", stats.Recovered).
			Msg("sweep finished")
	}
	return stats
}

// sweepRetention deletes terminal tasks whose completion predates the
// retention window. QUEUED and RUNNING tasks are never considered.
func (h *Housekeeper) sweepRetention(now time.Time, statuses []taskstore.Status, retention time.Duration) int {
	if retention <= 0 {
		return 0
	}
	tasks, err := h.store.List(taskstore.Filter{Statuses: statuses})
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list tasks for retention")
		return 0
	}

	cutoff := now.Add(-retention)
	deleted := 0
	for _, task := range tasks {
		ended := task.CreatedAt.Time
		if task.CompletedAt != nil {
			ended = task.CompletedAt.Time
		}
		if !ended.Before(cutoff) {
			continue
		}
		if err := h.store.Delete(task.TaskID); err != nil {
			h.log.Warn().Err(err).Str("task_id", task.TaskID).Msg("failed to delete expired task")
			continue
		}
		h.log.Debug().
			Str("task_id", task.TaskID).
			Str("status", string(task.Status)).
			Msg("expired task deleted")
		deleted++
	}
	return deleted
}

// recoverAbandoned force-fails RUNNING tasks older than staleAfter that no
// worker is heartbeating. Younger heartbeat-less tasks are left alone: their
// worker may just be between polls, and their remote scan may still deliver.
func (h *Housekeeper) recoverAbandoned(ctx context.Context, now time.Time, staleAfter time.Duration) int {
	stale, err := h.store.SweepStale(staleAfter, now)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list running tasks for recovery")
		return 0
	}

	recovered := 0
	for _, task := range stale {
		alive, err := h.queue.HasHeartbeat(ctx, task.TaskID)
		if err != nil {
			h.log.Warn().Err(err).Str("task_id", task.TaskID).Msg("heartbeat check failed")
			continue
		}
		if alive {
			continue
		}

		errMsg := "recovery: no worker heartbeat, task abandoned"
		_, err = h.store.TransitionState(task.TaskID, taskstore.StatusRunning, taskstore.StatusFailed, func(t *taskstore.Task) {
			t.ErrorMessage = errMsg
			t.Payload.Credentials = nil
		})
		if err != nil {
			// Raced a worker that settled it first. Fine either way.
			h.log.Debug().Err(err).Str("task_id", task.TaskID).Msg("recovery transition skipped")
			continue
		}
		_ = h.queue.MoveToDLQ(ctx, task.ScannerPool, queue.Entry{
			TaskID:      task.TaskID,
			ScannerPool: task.ScannerPool,
		}, errMsg)

		metrics.TaskRecovered(task.ScannerPool)
		h.log.Warn().
			Str("task_id", task.TaskID).
			Str("pool", task.ScannerPool).
			Msg("abandoned task recovered to FAILED")
		recovered++
	}
	return recovered
}
