package orchestrate

import (
	"github.com/scandhq/scand/internal/taskstore"
)

// StatusView is the task record projection served to clients. Credentials
// never appear here; the payload they arrived in is not part of the view.
type StatusView struct {
	TaskID               string                    `json:"task_id"`
	TraceID              string                    `json:"trace_id"`
	Status               taskstore.Status          `json:"status"`
	ScanType             taskstore.ScanType        `json:"scan_type"`
	ScannerPool          string                    `json:"scanner_pool"`
	ScannerInstance      string                    `json:"scanner_instance"`
	Name                 string                    `json:"name"`
	Description          string                    `json:"description,omitempty"`
	Targets              []string                  `json:"targets"`
	RemoteScanID         string                    `json:"remote_scan_id,omitempty"`
	CreatedAt            taskstore.Timestamp       `json:"created_at"`
	StartedAt            *taskstore.Timestamp      `json:"started_at,omitempty"`
	CompletedAt          *taskstore.Timestamp      `json:"completed_at,omitempty"`
	AuthenticationStatus taskstore.AuthStatus      `json:"authentication_status,omitempty"`
	ValidationWarnings   []string                  `json:"validation_warnings,omitempty"`
	ResultsSummary       *taskstore.ResultsSummary `json:"results_summary,omitempty"`
	ErrorMessage         string                    `json:"error_message,omitempty"`
	Troubleshooting      *Troubleshooting          `json:"troubleshooting,omitempty"`
}

type Troubleshooting struct {
	NextSteps []string `json:"next_steps"`
}

// authFailureNextSteps is served verbatim whenever a scan failed because
// target authentication did not work. Kept static so the guidance is
// predictable for runbooks.
var authFailureNextSteps = []string{
	"Verify the SSH username and password are valid for the target hosts.",
	"Confirm the account is allowed to log in over SSH and is not locked out.",
	"Check the targets accept SSH from the scanner instance's address.",
	"For privileged scans, verify the escalation method and escalation credentials on the targets.",
	"Resubmit the scan once the credentials are corrected.",
}

// TaskStatus loads a task and projects it for clients.
func (o *Orchestrator) TaskStatus(taskID string) (*StatusView, error) {
	task, err := o.store.Get(taskID)
	if err != nil {
		return nil, err
	}
	return StatusFor(task), nil
}

// ListTasks returns projected task records matching the filter, newest
// first.
func (o *Orchestrator) ListTasks(filter taskstore.Filter) ([]*StatusView, error) {
	tasks, err := o.store.List(filter)
	if err != nil {
		return nil, err
	}
	views := make([]*StatusView, 0, len(tasks))
	for _, task := range tasks {
		views = append(views, StatusFor(task))
	}
	return views, nil
}

// StatusFor builds the client projection of one task record.
func StatusFor(task *taskstore.Task) *StatusView {
	view := &StatusView{
		TaskID:               task.TaskID,
		TraceID:              task.TraceID,
		Status:               task.Status,
		ScanType:             task.ScanType,
		ScannerPool:          task.ScannerPool,
		ScannerInstance:      task.ScannerInstanceID,
		Name:                 task.Payload.Name,
		Description:          task.Payload.Description,
		Targets:              taskstore.SplitTargets(task.Payload.Targets),
		RemoteScanID:         task.RemoteScanID,
		CreatedAt:            task.CreatedAt,
		StartedAt:            task.StartedAt,
		CompletedAt:          task.CompletedAt,
		AuthenticationStatus: task.AuthenticationStatus,
		ValidationWarnings:   task.ValidationWarnings,
		ResultsSummary:       task.ResultsSummary,
		ErrorMessage:         task.ErrorMessage,
	}
	if view.Targets == nil {
		view.Targets = []string{}
	}
	authRooted := task.AuthenticationStatus == taskstore.AuthFailed ||
		task.AuthenticationStatus == taskstore.AuthPartial
	if task.Status == taskstore.StatusFailed && authRooted {
		view.Troubleshooting = &Troubleshooting{NextSteps: authFailureNextSteps}
	}
	return view
}
