// Package orchestrate owns scan submission: input validation, idempotent
// dedup, pool and instance resolution, task creation, and enqueue. It also
// builds the task projections that status and list calls serve back to
// clients.
package orchestrate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/scandhq/scand/internal/config"
	"github.com/scandhq/scand/internal/metrics"
	"github.com/scandhq/scand/internal/queue"
	"github.com/scandhq/scand/internal/registry"
	"github.com/scandhq/scand/internal/scanner"
	"github.com/scandhq/scand/internal/taskstore"
)

// Orchestrator wires the submission pipeline together. All methods are safe
// for concurrent use; the heavy lifting happens in the stores it composes.
type Orchestrator struct {
	cfg      *config.Config
	store    *taskstore.Store
	queue    *queue.Queue
	registry *registry.Registry
	factory  *scanner.Factory
	log      zerolog.Logger
}

func New(cfg *config.Config, store *taskstore.Store, q *queue.Queue, reg *registry.Registry, factory *scanner.Factory, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		queue:    q,
		registry: reg,
		factory:  factory,
		log:      log.With().Str("component", "orchestrate").Logger(),
	}
}

// SubmitRequest carries one scan submission. Credentials ride along only
// until the worker has handed them to the remote scanner; they are never
// part of the persisted record.
type SubmitRequest struct {
	Targets         string
	Name            string
	Description     string
	ScanType        taskstore.ScanType
	SchemaProfile   string
	ScannerPool     string
	ScannerInstance string
	IdempotencyKey  string
	TraceID         string
	Credentials     *taskstore.Credentials
}

type SubmitResponse struct {
	TaskID               string             `json:"task_id"`
	TraceID              string             `json:"trace_id"`
	Status               taskstore.Status   `json:"status"`
	ScanType             taskstore.ScanType `json:"scan_type"`
	ScannerPool          string             `json:"scanner_pool"`
	ScannerInstance      string             `json:"scanner_instance"`
	QueuePosition        int64              `json:"queue_position"`
	EstimatedWaitMinutes int64              `json:"estimated_wait_minutes"`
	Deduplicated         bool               `json:"deduplicated,omitempty"`
}

// Submit validates, dedupes, and enqueues one scan request. On an
// idempotency-key replay it returns the previously created task without
// enqueuing again.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}

	// The fingerprint hashes the raw request, before pool resolution, so
	// the same submission hashes the same regardless of which pool happens
	// to be the default right now.
	fingerprint := Fingerprint(req)

	pool := strings.TrimSpace(req.ScannerPool)
	if pool == "" {
		pool = o.registry.DefaultPool()
	}
	if !o.registry.HasPool(pool) {
		return nil, &ValidationError{Field: "scanner_pool", Msg: fmt.Sprintf("unknown pool %q", pool)}
	}

	kind, err := o.factory.KindForPool(pool)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve scanner driver for pool %s: %w", pool, err)
	}

	// Candidate only: the worker acquires capacity when it actually picks
	// the task up, so a queued backlog never pins instance slots.
	candidate, err := o.registry.CandidateFor(pool, strings.TrimSpace(req.ScannerInstance))
	if err != nil {
		return nil, fmt.Errorf("failed to select scanner instance: %w", err)
	}

	taskID := taskstore.NewTaskID(kind, candidate.InstanceID, time.Now().UTC())

	if req.IdempotencyKey != "" {
		existing, reserved, err := o.queue.ReserveIdempotency(ctx, req.IdempotencyKey, taskID, fingerprint, o.cfg.IdempotencyTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to reserve idempotency key: %w", err)
		}
		if !reserved {
			if existing.Fingerprint != fingerprint {
				return nil, &ConflictError{Key: req.IdempotencyKey, ExistingTaskID: existing.TaskID}
			}
			return o.replayResponse(ctx, existing.TaskID, req.TraceID)
		}
	}

	task := &taskstore.Task{
		TaskID:            taskID,
		TraceID:           req.TraceID,
		ScanType:          req.ScanType,
		ScannerPool:       pool,
		ScannerInstanceID: candidate.InstanceID,
		Status:            taskstore.StatusQueued,
		Payload: taskstore.Payload{
			Targets:         req.Targets,
			Name:            req.Name,
			Description:     req.Description,
			SchemaProfile:   req.SchemaProfile,
			ScannerInstance: strings.TrimSpace(req.ScannerInstance),
			Credentials:     req.Credentials,
		},
		CreatedAt: taskstore.Now(),
	}
	if err := o.store.Create(task); err != nil {
		o.rollbackReservation(ctx, req.IdempotencyKey)
		return nil, fmt.Errorf("failed to create task record: %w", err)
	}

	if err := o.queue.Enqueue(ctx, pool, queue.Entry{TaskID: taskID}); err != nil {
		_ = o.store.Delete(taskID)
		o.rollbackReservation(ctx, req.IdempotencyKey)
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	depth, err := o.queue.Depth(ctx, pool)
	if err != nil {
		// The task is queued and will run; only the position estimate is
		// degraded.
		o.log.Warn().Err(err).Str("pool", pool).Msg("failed to read queue depth")
		depth = 1
	}

	metrics.TaskSubmitted(pool, req.ScanType)
	o.log.Info().
		Str("task_id", taskID).
		Str("trace_id", req.TraceID).
		Str("pool", pool).
		Str("instance", candidate.InstanceID).
		Str("scan_type", string(req.ScanType)).
		Int64("queue_position", depth).
		Msg("scan queued")

	return &SubmitResponse{
		TaskID:               taskID,
		TraceID:              req.TraceID,
		Status:               taskstore.StatusQueued,
		ScanType:             req.ScanType,
		ScannerPool:          pool,
		ScannerInstance:      candidate.InstanceID,
		QueuePosition:        depth,
		EstimatedWaitMinutes: depth * int64(o.cfg.EstimateScanMinutes),
	}, nil
}

// replayResponse rebuilds a submission response for an idempotency hit from
// the stored task record. The winner writes its record just after reserving
// the key, so a concurrent loser can observe the reservation before the
// record lands; the read retries across that gap before giving up.
func (o *Orchestrator) replayResponse(ctx context.Context, taskID, traceID string) (*SubmitResponse, error) {
	task, err := o.store.Get(taskID)
	for attempt := 0; err != nil && attempt < 5; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
		task, err = o.store.Get(taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency entry points at task %s: %w", taskID, err)
	}

	depth, err := o.queue.Depth(ctx, task.ScannerPool)
	if err != nil {
		depth = 0
	}

	metrics.TaskDeduplicated(task.ScannerPool)
	o.log.Debug().
		Str("task_id", taskID).
		Str("trace_id", traceID).
		Msg("idempotent replay, returning existing task")

	return &SubmitResponse{
		TaskID:               task.TaskID,
		TraceID:              traceID,
		Status:               task.Status,
		ScanType:             task.ScanType,
		ScannerPool:          task.ScannerPool,
		ScannerInstance:      task.ScannerInstanceID,
		QueuePosition:        depth,
		EstimatedWaitMinutes: depth * int64(o.cfg.EstimateScanMinutes),
		Deduplicated:         true,
	}, nil
}

func (o *Orchestrator) rollbackReservation(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := o.queue.ReleaseIdempotency(ctx, key); err != nil {
		o.log.Warn().Err(err).Msg("failed to release idempotency reservation")
	}
}
