package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/scandhq/scand/internal/orchestrate"
	"github.com/scandhq/scand/internal/taskstore"
)

type errorBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("failed to write response body")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind, msg string) {
	s.writeJSON(w, status, errorBody{
		Error:      kind,
		Message:    s.sanitizeErrorMessage(msg),
		StatusCode: status,
	})
}

// submitError maps orchestrator errors onto the API error contract.
func (s *Server) submitError(w http.ResponseWriter, err error) {
	var verr *orchestrate.ValidationError
	if errors.As(err, &verr) {
		s.writeError(w, http.StatusBadRequest, "validation_error", verr.Error())
		return
	}
	var cerr *orchestrate.ConflictError
	if errors.As(err, &cerr) {
		s.writeJSON(w, http.StatusConflict, struct {
			errorBody
			ExistingTaskID string `json:"existing_task_id"`
		}{
			errorBody: errorBody{
				Error:      "conflict",
				Message:    cerr.Error(),
				StatusCode: http.StatusConflict,
			},
			ExistingTaskID: cerr.ExistingTaskID,
		})
		return
	}
	s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
}

func (s *Server) taskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, taskstore.ErrTaskNotFound):
		s.writeError(w, http.StatusNotFound, "not_found", "task not found")
	case errors.Is(err, taskstore.ErrInvalidTaskID):
		s.writeError(w, http.StatusBadRequest, "validation_error", "invalid task id")
	default:
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

// sanitizeErrorMessage keeps host filesystem layout out of client responses.
func (s *Server) sanitizeErrorMessage(msg string) string {
	if s.cfg.DataDir != "" {
		msg = strings.ReplaceAll(msg, s.cfg.DataDir, "<data-dir>")
	}
	if tmp := os.TempDir(); tmp != "" {
		msg = strings.ReplaceAll(msg, tmp, "<tmp>")
	}
	return msg
}

func splitCommaList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
