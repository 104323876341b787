// Package taskstore is the durable home for scan task records and exported
// scan artifacts. It is the single writer of task state: every status change
// goes through TransitionState, which serializes per task and enforces the
// allowed-transition table.
package taskstore

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusTimeout   Status = "TIMEOUT"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusTimeout:
		return true
	default:
		return false
	}
}

var allowedTransitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed, StatusTimeout},
}

// CanTransition reports whether from → to is a legal status change.
// Terminal states have no outgoing edges.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type ScanType string

const (
	ScanUntrusted               ScanType = "untrusted"
	ScanAuthenticated           ScanType = "authenticated"
	ScanAuthenticatedPrivileged ScanType = "authenticated_privileged"
)

func (t ScanType) Valid() bool {
	switch t {
	case ScanUntrusted, ScanAuthenticated, ScanAuthenticatedPrivileged:
		return true
	default:
		return false
	}
}

// Authenticated reports whether the scan logs into targets.
func (t ScanType) Authenticated() bool {
	return t == ScanAuthenticated || t == ScanAuthenticatedPrivileged
}

type AuthStatus string

const (
	AuthSuccess       AuthStatus = "success"
	AuthFailed        AuthStatus = "failed"
	AuthPartial       AuthStatus = "partial"
	AuthNotApplicable AuthStatus = "not_applicable"
)

// Credentials carries target login material from submission to the remote
// create-scan call. Never logged; stripped from the persisted record as soon
// as the remote scanner holds them.
type Credentials struct {
	Kind               string `json:"kind"` // "ssh_password" or "ssh_key"
	Username           string `json:"username"`
	Password           string `json:"password,omitempty"`
	PrivateKey         string `json:"private_key,omitempty"`
	EscalationMethod   string `json:"escalation_method,omitempty"`
	EscalationAccount  string `json:"escalation_account,omitempty"`
	EscalationPassword string `json:"escalation_password,omitempty"`
}

type Payload struct {
	Targets       string `json:"targets"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	SchemaProfile string `json:"schema_profile,omitempty"`
	// ScannerInstance pins the scan to one instance when the submitter asked
	// for it. Empty means the worker balances across the pool.
	ScannerInstance string       `json:"scanner_instance,omitempty"`
	Credentials     *Credentials `json:"credentials,omitempty"`
}

type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
}

func (c SeverityCounts) Total() int {
	return c.Critical + c.High + c.Medium + c.Low + c.Info
}

type ResultsSummary struct {
	Hosts         int            `json:"hosts"`
	TotalFindings int            `json:"total_findings"`
	Severity      SeverityCounts `json:"severity"`
	ArtifactSize  int64          `json:"artifact_size"`
}

// Task is the persisted record for one scan request.
type Task struct {
	TaskID            string   `json:"task_id"`
	TraceID           string   `json:"trace_id"`
	ScanType          ScanType `json:"scan_type"`
	ScannerPool       string   `json:"scanner_pool"`
	ScannerInstanceID string   `json:"scanner_instance_id"`
	Status            Status   `json:"status"`
	Payload           Payload  `json:"payload"`

	// RemoteScanID is the scanner-side handle, set once after create and
	// never mutated afterwards.
	RemoteScanID string `json:"remote_scan_id,omitempty"`

	CreatedAt   Timestamp  `json:"created_at"`
	StartedAt   *Timestamp `json:"started_at,omitempty"`
	CompletedAt *Timestamp `json:"completed_at,omitempty"`

	AuthenticationStatus AuthStatus      `json:"authentication_status,omitempty"`
	ValidationWarnings   []string        `json:"validation_warnings,omitempty"`
	ResultsSummary       *ResultsSummary `json:"results_summary,omitempty"`
	ErrorMessage         string          `json:"error_message,omitempty"`
}

// timestampLayout keeps microsecond precision in every rendered timestamp.
// RFC3339Nano trims trailing zeros, which would make precision vary by value.
const timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// Timestamp is a UTC wall-clock time rendered as RFC 3339 with fixed
// microsecond precision.
type Timestamp struct {
	time.Time
}

func Now() Timestamp {
	return Timestamp{time.Now().UTC()}
}

func At(t time.Time) Timestamp {
	return Timestamp{t.UTC()}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + t.UTC().Format(timestampLayout) + `"`), nil
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	value := strings.Trim(string(data), `"`)
	if value == "" || value == "null" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return fmt.Errorf("failed to parse timestamp %q: %w", value, err)
	}
	t.Time = parsed.UTC()
	return nil
}

func (t Timestamp) String() string {
	return t.UTC().Format(timestampLayout)
}

// NewTaskID builds `{prefix}_{instance}_{yyyymmdd}_{hhmmss}_{hex6}` from the
// driver kind prefix, the resolved instance, and the submission clock.
func NewTaskID(prefix, instanceID string, now time.Time) string {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; fall back to the
		// clock so task creation cannot be blocked by entropy.
		return fmt.Sprintf("%s_%s_%s_%06x", prefix, instanceID,
			now.UTC().Format("20060102_150405"), now.UnixNano()&0xffffff)
	}
	return fmt.Sprintf("%s_%s_%s_%s", prefix, instanceID,
		now.UTC().Format("20060102_150405"), hex.EncodeToString(buf))
}
