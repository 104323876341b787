package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/scandhq/scand/internal/queue"
	"github.com/scandhq/scand/internal/registry"
	"github.com/scandhq/scand/internal/scanner"
	"github.com/scandhq/scand/internal/taskstore"
)

// process takes one dequeued entry from the task store to a settled state.
// Runs synchronously inside a dequeue loop while the loop holds a scan slot.
func (w *Worker) process(loopID string, entry *queue.Entry) {
	log := w.log.With().
		Str("loop", loopID).
		Str("task_id", entry.TaskID).
		Str("pool", entry.ScannerPool).
		Logger()

	task, err := w.store.Get(entry.TaskID)
	if err != nil {
		if errors.Is(err, taskstore.ErrTaskNotFound) {
			log.Debug().Msg("queue entry without task record, discarding")
			return
		}
		log.Error().Err(err).Msg("failed to load task, requeueing entry")
		_ = w.queue.Enqueue(w.scanCtx, entry.ScannerPool, *entry)
		return
	}
	// Idempotency replays and DLQ requeues can race an already-settled
	// record; the store is authoritative.
	if task.Status != taskstore.StatusQueued {
		log.Debug().Str("status", string(task.Status)).Msg("discarding stale queue entry")
		return
	}

	instance, err := w.registry.Acquire(w.scanCtx, entry.ScannerPool, task.Payload.ScannerInstance)
	if err != nil {
		if errors.Is(err, registry.ErrNoCapacity) {
			log.Debug().Msg("no scanner capacity, requeueing with backoff")
			if err := w.queue.Enqueue(w.scanCtx, entry.ScannerPool, *entry); err != nil {
				log.Error().Err(err).Msg("failed to requeue task")
			}
			select {
			case <-w.loopCtx.Done():
			case <-time.After(w.noCapacityBackoff):
			}
			return
		}
		// The pool or the pinned instance is gone from the configuration.
		w.failQueued(log, entry, task.TaskID, fmt.Sprintf("no usable scanner: %v", err))
		return
	}
	defer w.registry.Release(w.scanCtx, entry.ScannerPool, instance.InstanceID)

	driver, err := w.factory.ForEndpoint(scanner.Endpoint{
		Pool:               entry.ScannerPool,
		InstanceID:         instance.InstanceID,
		URL:                instance.Endpoint,
		Username:           instance.Username,
		Password:           instance.Password,
		AccessKey:          instance.AccessKey,
		SecretKey:          instance.SecretKey,
		InsecureSkipVerify: instance.InsecureSkipVerify,
	})
	if err != nil {
		w.failQueued(log, entry, task.TaskID, fmt.Sprintf("no scanner driver for pool %s", entry.ScannerPool))
		return
	}

	task, err = w.store.TransitionState(task.TaskID, taskstore.StatusQueued, taskstore.StatusRunning, func(t *taskstore.Task) {
		t.ScannerInstanceID = instance.InstanceID
	})
	if err != nil {
		log.Warn().Err(err).Msg("task left QUEUED before pickup, discarding entry")
		return
	}

	log.Info().
		Str("trace_id", task.TraceID).
		Str("instance", instance.InstanceID).
		Str("scan_type", string(task.ScanType)).
		Msg("scan started")

	w.runScan(log, entry, task, driver)
}

// runScan drives the remote lifecycle for a task already in RUNNING:
// create, launch, poll, export, validate, settle.
func (w *Worker) runScan(log zerolog.Logger, entry *queue.Entry, task *taskstore.Task, driver scanner.Driver) {
	taskID := task.TaskID
	defer func() { _ = w.queue.ClearHeartbeat(context.Background(), taskID) }()

	req := scanner.CreateRequest{
		Name:        task.Payload.Name,
		Description: task.Payload.Description,
		Targets:     task.Payload.Targets,
		ScanType:    task.ScanType,
		Credentials: task.Payload.Credentials,
	}
	remoteID, err := driver.CreateScan(w.scanCtx, req)
	req.Credentials = nil
	if err != nil {
		if w.shuttingDown() {
			w.abandon(log, driver, "")
			return
		}
		w.settleRunning(log, entry, taskID, taskstore.StatusFailed,
			fmt.Sprintf("failed to create remote scan: %v", err), nil)
		return
	}

	// The remote scanner holds the credentials now. Drop them from the
	// record and from memory before anything else happens.
	task, err = w.store.Mutate(taskID, func(t *taskstore.Task) {
		t.RemoteScanID = remoteID
		t.Payload.Credentials = nil
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to record remote scan id")
		w.settleRunning(log, entry, taskID, taskstore.StatusFailed,
			"failed to persist remote scan id", nil)
		return
	}

	if err := driver.LaunchScan(w.scanCtx, remoteID); err != nil {
		if w.shuttingDown() {
			w.abandon(log, driver, remoteID)
			return
		}
		w.settleRunning(log, entry, taskID, taskstore.StatusFailed,
			fmt.Sprintf("failed to launch remote scan: %v", err), nil)
		return
	}
	log.Info().Str("remote_scan_id", remoteID).Msg("remote scan launched")

	if !w.pollToEnd(log, entry, task, driver, remoteID) {
		return
	}

	artifact, err := driver.ExportArtifact(w.scanCtx, remoteID)
	if err != nil {
		if w.shuttingDown() {
			w.abandon(log, driver, remoteID)
			return
		}
		w.settleRunning(log, entry, taskID, taskstore.StatusFailed,
			fmt.Sprintf("failed to export scan artifact: %v", err), nil)
		return
	}
	if err := w.store.WriteArtifact(taskID, artifact); err != nil {
		w.settleRunning(log, entry, taskID, taskstore.StatusFailed,
			fmt.Sprintf("failed to persist scan artifact: %v", err), nil)
		return
	}
	log.Debug().Int("artifact_bytes", len(artifact)).Msg("artifact stored")

	w.finish(log, entry, task, artifact, driver, remoteID)
}

// pollToEnd waits for the remote scan to reach completion. Returns false if
// the task was settled (failure, timeout) or abandoned on shutdown; true
// means the remote scan completed and export can proceed.
func (w *Worker) pollToEnd(log zerolog.Logger, entry *queue.Entry, task *taskstore.Task, driver scanner.Driver, remoteID string) bool {
	// The deadline is anchored at RUNNING entry, not at poll start, so time
	// spent creating and launching counts against it.
	started := time.Now()
	if task.StartedAt != nil {
		started = task.StartedAt.Time
	}
	deadline := started.Add(w.taskDeadline)
	hbTTL := 3 * w.pollInterval

	for {
		_ = w.queue.Heartbeat(w.scanCtx, task.TaskID, w.id, hbTTL)

		select {
		case <-w.scanCtx.Done():
			w.abandon(log, driver, remoteID)
			return false
		case <-time.After(w.pollInterval):
		}

		if time.Now().After(deadline) {
			w.stopRemote(log, driver, remoteID)
			w.settleRunning(log, entry, task.TaskID, taskstore.StatusTimeout,
				fmt.Sprintf("scan exceeded the %s deadline", w.taskDeadline), nil)
			return false
		}

		status, err := driver.GetStatus(w.scanCtx, remoteID)
		if err != nil {
			if w.shuttingDown() {
				w.abandon(log, driver, remoteID)
				return false
			}
			// Transient trouble does not change task state; keep polling
			// until it clears or the deadline settles it.
			if scanner.Retryable(err) {
				log.Debug().Err(err).Msg("status poll failed, will retry")
				continue
			}
			w.settleRunning(log, entry, task.TaskID, taskstore.StatusFailed,
				fmt.Sprintf("remote scan status check failed: %v", err), nil)
			return false
		}

		switch status.State {
		case scanner.StateCompleted:
			return true
		case scanner.StateFailed:
			w.settleRunning(log, entry, task.TaskID, taskstore.StatusFailed,
				fmt.Sprintf("remote scan ended as %q", status.RemoteStatus), nil)
			return false
		default:
			log.Debug().
				Str("remote_status", status.RemoteStatus).
				Int("progress", status.Progress).
				Msg("remote scan in progress")
		}
	}
}

func (w *Worker) shuttingDown() bool {
	return w.scanCtx.Err() != nil
}
