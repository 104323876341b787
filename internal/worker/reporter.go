package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/scandhq/scand/internal/metrics"
	"github.com/scandhq/scand/internal/queue"
	"github.com/scandhq/scand/internal/scanner"
	"github.com/scandhq/scand/internal/taskstore"
	"github.com/scandhq/scand/internal/validator"
)

const remoteCleanupTimeout = 15 * time.Second

// finish validates the stored artifact and settles the task. Remote scans
// that exported successfully are deleted from the appliance once the task
// record is terminal.
func (w *Worker) finish(log zerolog.Logger, entry *queue.Entry, task *taskstore.Task, artifact []byte, driver scanner.Driver, remoteID string) {
	report := validator.Validate(artifact, task.ScanType)

	credentialRooted := report.AuthenticationStatus == taskstore.AuthFailed ||
		report.AuthenticationStatus == taskstore.AuthPartial

	switch {
	case task.ScanType == taskstore.ScanAuthenticatedPrivileged && credentialRooted:
		w.settleRunning(log, entry, task.TaskID, taskstore.StatusFailed,
			"scan credentials did not provide the required target access", &report)
	case !report.IsValid:
		w.settleRunning(log, entry, task.TaskID, taskstore.StatusFailed, report.Error, &report)
	default:
		w.settleRunning(log, entry, task.TaskID, taskstore.StatusCompleted, "", &report)
		w.deleteRemote(log, driver, remoteID)
	}
}

// settleRunning moves a RUNNING task to its terminal state, persisting the
// validator's verdict when one exists. Non-completed outcomes land the queue
// entry in the DLQ for inspection and manual requeue.
func (w *Worker) settleRunning(log zerolog.Logger, entry *queue.Entry, taskID string, to taskstore.Status, errMsg string, report *validator.Report) {
	task, err := w.store.TransitionState(taskID, taskstore.StatusRunning, to, func(t *taskstore.Task) {
		t.Payload.Credentials = nil
		t.ErrorMessage = errMsg
		if report != nil {
			t.AuthenticationStatus = report.AuthenticationStatus
			t.ValidationWarnings = report.Warnings
			if report.IsValid {
				summary := report.Stats.Summary()
				t.ResultsSummary = &summary
			}
		}
	})
	if err != nil {
		log.Error().Err(err).Str("to", string(to)).Msg("failed to settle task state")
		return
	}
	metrics.ScanSettled(entry.ScannerPool, task.ScanType, to, scanDuration(task))

	if to == taskstore.StatusCompleted {
		event := log.Info().Int("hosts", report.Stats.Hosts).Int("findings", report.Stats.Severity.Total())
		if report.AuthenticationStatus != "" {
			event = event.Str("authentication_status", string(report.AuthenticationStatus))
		}
		event.Msg("scan completed")
		return
	}

	log.Warn().Str("status", string(to)).Str("error", errMsg).Msg("scan did not complete")
	if err := w.queue.MoveToDLQ(context.Background(), entry.ScannerPool, *entry, errMsg); err != nil {
		log.Error().Err(err).Msg("failed to move entry to dead letter queue")
	}
}

func scanDuration(t *taskstore.Task) time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(t.StartedAt.Time)
}

// failQueued settles a task that never reached RUNNING, for permanent
// placement problems like a vanished pool.
func (w *Worker) failQueued(log zerolog.Logger, entry *queue.Entry, taskID, errMsg string) {
	task, err := w.store.TransitionState(taskID, taskstore.StatusQueued, taskstore.StatusFailed, func(t *taskstore.Task) {
		t.Payload.Credentials = nil
		t.ErrorMessage = errMsg
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to fail queued task")
		return
	}
	metrics.ScanSettled(entry.ScannerPool, task.ScanType, taskstore.StatusFailed, 0)
	log.Warn().Str("error", errMsg).Msg("task failed before pickup")
	if err := w.queue.MoveToDLQ(context.Background(), entry.ScannerPool, *entry, errMsg); err != nil {
		log.Error().Err(err).Msg("failed to move entry to dead letter queue")
	}
}

// abandon leaves a task in RUNNING on shutdown after stopping the remote
// side best-effort. The next start's recovery pass picks it up.
func (w *Worker) abandon(log zerolog.Logger, driver scanner.Driver, remoteID string) {
	log.Info().Msg("shutdown before scan settled, leaving task running for recovery")
	w.stopRemote(log, driver, remoteID)
}

func (w *Worker) stopRemote(log zerolog.Logger, driver scanner.Driver, remoteID string) {
	if remoteID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), remoteCleanupTimeout)
	defer cancel()
	if err := driver.StopScan(ctx, remoteID); err != nil {
		log.Debug().Err(err).Str("remote_scan_id", remoteID).Msg("best-effort remote stop failed")
	}
}

func (w *Worker) deleteRemote(log zerolog.Logger, driver scanner.Driver, remoteID string) {
	ctx, cancel := context.WithTimeout(context.Background(), remoteCleanupTimeout)
	defer cancel()
	if err := driver.DeleteScan(ctx, remoteID); err != nil {
		log.Debug().Err(err).Str("remote_scan_id", remoteID).Msg("best-effort remote delete failed")
	}
}
