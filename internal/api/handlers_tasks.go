package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/scandhq/scand/internal/results"
	"github.com/scandhq/scand/internal/taskstore"
)

const defaultListLimit = 20

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.orch.TaskStatus(chi.URLParam(r, "taskID"))
	if err != nil {
		s.taskError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "validation_error", "limit must be a positive integer")
			return
		}
		limit = n
	}

	var statuses []taskstore.Status
	for _, raw := range splitCommaList(q.Get("status_filter")) {
		status := taskstore.Status(strings.ToUpper(raw))
		if !status.Valid() {
			s.writeError(w, http.StatusBadRequest, "validation_error",
				fmt.Sprintf("unknown status %q", raw))
			return
		}
		statuses = append(statuses, status)
	}

	views, err := s.orch.ListTasks(taskstore.Filter{
		Statuses: statuses,
		Pool:     q.Get("scanner_pool"),
		Target:   q.Get("target_filter"),
		Limit:    limit,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"tasks": views,
		"count": len(views),
	})
}

// resultsQueryParams are consumed by option parsing; every other query
// parameter is treated as a field filter expression.
var resultsQueryParams = map[string]bool{
	"schema_profile": true,
	"custom_fields":  true,
	"page":           true,
	"page_size":      true,
}

func (s *Server) handleTaskResults(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.store.Get(taskID)
	if err != nil {
		s.taskError(w, err)
		return
	}
	artifact, err := s.store.ReadArtifact(taskID)
	if err != nil {
		if errors.Is(err, taskstore.ErrArtifactNotFound) {
			s.writeError(w, http.StatusNotFound, "not_found",
				fmt.Sprintf("no results available; task status is %s", task.Status))
			return
		}
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	opts, err := resultsOptions(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	// Prepare does all the fallible work, so any error reaching the client
	// gets a clean JSON error response instead of a truncated stream.
	stream, err := results.Prepare(task, artifact, opts)
	if err != nil {
		switch {
		case errors.Is(err, results.ErrUnknownProfile),
			errors.Is(err, results.ErrUnknownField),
			errors.Is(err, results.ErrProfileConflict),
			errors.Is(err, results.ErrBadFilter),
			errors.Is(err, results.ErrInvalidPage):
			s.writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	if err := stream.Render(w); err != nil {
		// The body is already on the wire; appending a JSON error object
		// would corrupt the NDJSON stream.
		s.log.Warn().Err(err).Str("task_id", taskID).Msg("results stream aborted")
	}
}

func resultsOptions(r *http.Request) (results.Options, error) {
	q := r.URL.Query()
	opts := results.Options{
		Profile:      q.Get("schema_profile"),
		CustomFields: splitCommaList(q.Get("custom_fields")),
	}
	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return opts, fmt.Errorf("page must be an integer")
		}
		opts.Page = n
	}
	if raw := q.Get("page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return opts, fmt.Errorf("page_size must be an integer")
		}
		opts.PageSize = n
	}
	for name, vals := range q {
		if resultsQueryParams[name] || len(vals) == 0 {
			continue
		}
		if opts.Filters == nil {
			opts.Filters = make(map[string]string)
		}
		opts.Filters[name] = vals[0]
	}
	return opts, nil
}
