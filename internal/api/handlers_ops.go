package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/scandhq/scand/internal/queue"
	"github.com/scandhq/scand/internal/registry"
	"github.com/scandhq/scand/internal/taskstore"
	"github.com/scandhq/scand/internal/version"
)

type scannerView struct {
	ScannerPool string `json:"scanner_pool"`
	registry.InstanceStatus
}

func (s *Server) handleListScanners(w http.ResponseWriter, r *http.Request) {
	var statuses []*registry.PoolStatus
	if pool := r.URL.Query().Get("scanner_pool"); pool != "" {
		status, err := s.registry.PoolStatus(pool)
		if err != nil {
			s.writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("unknown pool %q", pool))
			return
		}
		statuses = append(statuses, status)
	} else {
		statuses = s.registry.AllPoolStatuses()
	}

	scanners := make([]scannerView, 0)
	for _, status := range statuses {
		for _, inst := range status.Instances {
			scanners = append(scanners, scannerView{ScannerPool: status.Pool, InstanceStatus: inst})
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"scanners": scanners,
		"count":    len(scanners),
	})
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"pools":        s.registry.ListPools(),
		"default_pool": s.registry.DefaultPool(),
	})
}

func (s *Server) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	pool := chi.URLParam(r, "pool")
	status, err := s.registry.PoolStatus(pool)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("unknown pool %q", pool))
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

type queueStatusView struct {
	Pool     string `json:"pool"`
	Depth    int64  `json:"depth"`
	DLQDepth int64  `json:"dlq_depth"`
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pools := s.registry.ListPools()
	depths, err := s.queue.Depths(ctx, pools)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	views := make([]queueStatusView, 0, len(pools))
	for _, pool := range pools {
		dlqDepth, err := s.queue.DLQDepth(ctx, pool)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		views = append(views, queueStatusView{Pool: pool, Depth: depths[pool], DLQDepth: dlqDepth})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"queues": views})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	pool := chi.URLParam(r, "pool")
	if !s.registry.HasPool(pool) {
		s.writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("unknown pool %q", pool))
		return
	}

	ctx := r.Context()
	depth, err := s.queue.Depth(ctx, pool)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	dlqDepth, err := s.queue.DLQDepth(ctx, pool)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, queueStatusView{Pool: pool, Depth: depth, DLQDepth: dlqDepth})
}

func (s *Server) handlePeekDLQ(w http.ResponseWriter, r *http.Request) {
	pool := chi.URLParam(r, "pool")
	if !s.registry.HasPool(pool) {
		s.writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("unknown pool %q", pool))
		return
	}

	var limit int64
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "validation_error", "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.queue.PeekDLQ(r.Context(), pool, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"pool":    pool,
		"entries": entries,
		"count":   len(entries),
	})
}

// handleRequeueDLQ resubmits a dead letter. Terminal task records have no
// path back to QUEUED, so the dead task is cloned into a fresh record with a
// new task ID rather than reset in place.
func (s *Server) handleRequeueDLQ(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pool := chi.URLParam(r, "pool")
	taskID := chi.URLParam(r, "taskID")
	if !s.registry.HasPool(pool) {
		s.writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("unknown pool %q", pool))
		return
	}

	task, err := s.store.Get(taskID)
	if err != nil {
		s.taskError(w, err)
		return
	}
	if task.ScanType.Authenticated() {
		s.writeError(w, http.StatusConflict, "conflict",
			"credentials are not retained after launch; submit a new scan instead")
		return
	}

	kind, err := s.factory.KindForPool(pool)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	candidate, err := s.registry.CandidateFor(pool, task.Payload.ScannerInstance)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownInstance) {
			s.writeError(w, http.StatusConflict, "conflict",
				"original scanner instance is no longer configured; submit a new scan")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	entry, err := s.queue.TakeFromDLQ(ctx, pool, taskID)
	if err != nil {
		if errors.Is(err, queue.ErrDLQEntryNotFound) {
			s.writeError(w, http.StatusNotFound, "not_found",
				fmt.Sprintf("no dead letter for task %s", taskID))
			return
		}
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	restore := func() {
		_ = s.queue.MoveToDLQ(ctx, pool,
			queue.Entry{TaskID: taskID, EnqueuedAt: entry.EnqueuedAt}, entry.ErrorMessage)
	}

	clone := &taskstore.Task{
		TaskID:            taskstore.NewTaskID(kind, candidate.InstanceID, time.Now().UTC()),
		TraceID:           uuid.NewString(),
		ScanType:          task.ScanType,
		ScannerPool:       pool,
		ScannerInstanceID: candidate.InstanceID,
		Status:            taskstore.StatusQueued,
		Payload:           task.Payload,
		CreatedAt:         taskstore.Now(),
	}
	if err := s.store.Create(clone); err != nil {
		restore()
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if err := s.queue.Enqueue(ctx, pool, queue.Entry{TaskID: clone.TaskID}); err != nil {
		_ = s.store.Delete(clone.TaskID)
		restore()
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	s.log.Info().
		Str("task_id", clone.TaskID).
		Str("requeued_from", taskID).
		Str("pool", pool).
		Msg("dead letter requeued")

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id":       clone.TaskID,
		"trace_id":      clone.TraceID,
		"status":        clone.Status,
		"scanner_pool":  pool,
		"requeued_from": taskID,
	})
}

func (s *Server) handleRemoveDLQ(w http.ResponseWriter, r *http.Request) {
	pool := chi.URLParam(r, "pool")
	taskID := chi.URLParam(r, "taskID")
	if !s.registry.HasPool(pool) {
		s.writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("unknown pool %q", pool))
		return
	}

	if err := s.queue.RemoveFromDLQ(r.Context(), pool, taskID); err != nil {
		if errors.Is(err, queue.ErrDLQEntryNotFound) {
			s.writeError(w, http.StatusNotFound, "not_found",
				fmt.Sprintf("no dead letter for task %s", taskID))
			return
		}
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	s.log.Info().Str("task_id", taskID).Str("pool", pool).Msg("dead letter removed")
	s.writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "removed": true})
}

func (s *Server) handleClearDLQ(w http.ResponseWriter, r *http.Request) {
	pool := chi.URLParam(r, "pool")
	if !s.registry.HasPool(pool) {
		s.writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("unknown pool %q", pool))
		return
	}

	var before *time.Time
	if raw := r.URL.Query().Get("before"); raw != "" {
		cutoff, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "validation_error", "before must be an RFC3339 timestamp")
			return
		}
		before = &cutoff
	}

	removed, err := s.queue.ClearDLQ(r.Context(), pool, before)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	s.log.Info().Str("pool", pool).Int64("removed", removed).Msg("dead letter queue cleared")
	s.writeJSON(w, http.StatusOK, map[string]any{"pool": pool, "removed": removed})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  "redis unreachable",
		})
		return
	}
	if _, err := os.Stat(s.cfg.DataDir); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  "data dir unavailable",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, version.Get())
}
