// Package scanner adapts remote vulnerability scanners behind a uniform
// driver contract. A driver owns authentication to its remote, translates
// remote scan states into the small set the worker understands, and
// classifies failures so callers can tell a flaky network from a scan that
// is genuinely gone.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/scandhq/scand/internal/taskstore"
)

// State is the driver-side view of a remote scan, already collapsed to the
// states the worker acts on.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// StatusInfo is one poll observation. RemoteStatus keeps the raw remote
// string for error messages and logs.
type StatusInfo struct {
	State        State
	RemoteStatus string
	Progress     int
}

// CreateRequest carries everything the remote needs to set up a scan.
// Credentials are only ever held here in flight; the caller wipes its own
// copy once CreateScan returns.
type CreateRequest struct {
	Name        string
	Description string
	Targets     string
	ScanType    taskstore.ScanType
	Credentials *taskstore.Credentials
}

// Driver is the capability set the worker consumes. Implementations must be
// safe for concurrent use; the worker shares one driver per instance across
// its scan goroutines.
type Driver interface {
	// Kind names the scanner type ("nessus"). Doubles as the task id prefix.
	Kind() string

	// CreateScan registers a scan on the remote and returns its opaque id.
	CreateScan(ctx context.Context, req CreateRequest) (string, error)

	// LaunchScan starts a previously created scan.
	LaunchScan(ctx context.Context, remoteScanID string) error

	// GetStatus reports the current remote state.
	GetStatus(ctx context.Context, remoteScanID string) (*StatusInfo, error)

	// ExportArtifact obtains the native scan export, blocking until the
	// remote has produced it.
	ExportArtifact(ctx context.Context, remoteScanID string) ([]byte, error)

	// StopScan asks the remote to abort a running scan.
	StopScan(ctx context.Context, remoteScanID string) error

	// DeleteScan removes the scan from the remote.
	DeleteScan(ctx context.Context, remoteScanID string) error
}

type ErrorKind string

const (
	KindTransientNetwork ErrorKind = "transient_network"
	KindRemoteBusy       ErrorKind = "remote_busy"
	KindAuthRequired     ErrorKind = "auth_required"
	KindNotFound         ErrorKind = "not_found"
	KindPermanentRemote  ErrorKind = "permanent_remote"
)

// Error is a classified remote-scanner failure. The wrapped error carries
// operation context and HTTP status text only, never request bodies or
// credential material.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the classification from err, or "" when err carries no
// scanner classification.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// Retryable reports whether the failure is worth repeating without operator
// intervention.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransientNetwork, KindRemoteBusy:
		return true
	default:
		return false
	}
}

// mapRemoteState collapses a remote status string into the driver state set.
// Unknown states map to running so the worker keeps polling until the
// deadline settles the question.
func mapRemoteState(remote string) State {
	switch strings.ToLower(remote) {
	case "pending", "empty", "new":
		return StateQueued
	case "running", "paused", "resuming", "stopping":
		return StateRunning
	case "completed", "imported":
		return StateCompleted
	case "canceled", "cancelled", "stopped", "aborted":
		return StateFailed
	default:
		return StateRunning
	}
}
