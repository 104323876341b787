package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/scandhq/scand/internal/orchestrate"
	"github.com/scandhq/scand/internal/taskstore"
)

var errAmbiguousCredentials = errors.New("ssh_password and ssh_private_key are mutually exclusive")

type untrustedScanRequest struct {
	Targets         string `json:"targets"`
	Name            string `json:"name"`
	Description     string `json:"description"`
	SchemaProfile   string `json:"schema_profile"`
	ScannerPool     string `json:"scanner_pool"`
	ScannerInstance string `json:"scanner_instance"`
	IdempotencyKey  string `json:"idempotency_key"`
}

type authenticatedScanRequest struct {
	untrustedScanRequest
	ScanType              string `json:"scan_type"`
	SSHUsername           string `json:"ssh_username"`
	SSHPassword           string `json:"ssh_password"`
	SSHPrivateKey         string `json:"ssh_private_key"`
	ElevatePrivilegesWith string `json:"elevate_privileges_with"`
	EscalationAccount     string `json:"escalation_account"`
	EscalationPassword    string `json:"escalation_password"`
}

func (s *Server) handleSubmitUntrusted(w http.ResponseWriter, r *http.Request) {
	var req untrustedScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}

	resp, err := s.orch.Submit(r.Context(), orchestrate.SubmitRequest{
		Targets:         req.Targets,
		Name:            req.Name,
		Description:     req.Description,
		ScanType:        taskstore.ScanUntrusted,
		SchemaProfile:   req.SchemaProfile,
		ScannerPool:     req.ScannerPool,
		ScannerInstance: req.ScannerInstance,
		IdempotencyKey:  idempotencyKey(req.IdempotencyKey, r),
		TraceID:         traceIDFromContext(r.Context()),
	})
	if err != nil {
		s.submitError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleSubmitAuthenticated(w http.ResponseWriter, r *http.Request) {
	var req authenticatedScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}

	scanType := taskstore.ScanType(req.ScanType)
	if scanType != taskstore.ScanAuthenticated && scanType != taskstore.ScanAuthenticatedPrivileged {
		s.writeError(w, http.StatusBadRequest, "validation_error",
			"scan_type must be authenticated or authenticated_privileged")
		return
	}
	creds, err := buildCredentials(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	resp, err := s.orch.Submit(r.Context(), orchestrate.SubmitRequest{
		Targets:         req.Targets,
		Name:            req.Name,
		Description:     req.Description,
		ScanType:        scanType,
		SchemaProfile:   req.SchemaProfile,
		ScannerPool:     req.ScannerPool,
		ScannerInstance: req.ScannerInstance,
		IdempotencyKey:  idempotencyKey(req.IdempotencyKey, r),
		TraceID:         traceIDFromContext(r.Context()),
		Credentials:     creds,
	})
	if err != nil {
		s.submitError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

// buildCredentials infers the credential kind from which secret the client
// sent. Everything else about the block is validated by the orchestrator.
func buildCredentials(req authenticatedScanRequest) (*taskstore.Credentials, error) {
	kind := ""
	switch {
	case req.SSHPassword != "" && req.SSHPrivateKey != "":
		return nil, errAmbiguousCredentials
	case req.SSHPrivateKey != "":
		kind = "ssh_key"
	default:
		kind = "ssh_password"
	}
	return &taskstore.Credentials{
		Kind:               kind,
		Username:           req.SSHUsername,
		Password:           req.SSHPassword,
		PrivateKey:         req.SSHPrivateKey,
		EscalationMethod:   req.ElevatePrivilegesWith,
		EscalationAccount:  req.EscalationAccount,
		EscalationPassword: req.EscalationPassword,
	}, nil
}

// idempotencyKey prefers the body field; the transport header is a
// fallback for clients that keep retry plumbing out of their payloads.
func idempotencyKey(body string, r *http.Request) string {
	if body != "" {
		return body
	}
	return r.Header.Get("Idempotency-Key")
}
