package orchestrate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/scandhq/scand/internal/taskstore"
)

// ValidationError rejects a submission before any state is created. Field
// names the offending input so clients can point at the right parameter.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Msg
}

// ConflictError reports an idempotency key that is already bound to a task
// with a different request fingerprint.
type ConflictError struct {
	Key            string
	ExistingTaskID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("idempotency key already used by task %s with different parameters", e.ExistingTaskID)
}

// Escalation methods the Nessus SSH credential form accepts for privilege
// elevation.
var escalationMethods = map[string]bool{
	"sudo":    true,
	"su":      true,
	"su+sudo": true,
	"pbrun":   true,
	"dzdo":    true,
}

func validate(req SubmitRequest) error {
	if len(taskstore.SplitTargets(req.Targets)) == 0 {
		return &ValidationError{Field: "targets", Msg: "at least one target is required"}
	}
	if strings.TrimSpace(req.Name) == "" {
		return &ValidationError{Field: "name", Msg: "name is required"}
	}
	if !req.ScanType.Valid() {
		return &ValidationError{Field: "scan_type", Msg: fmt.Sprintf("unknown scan type %q", string(req.ScanType))}
	}

	creds := req.Credentials
	if req.ScanType.Authenticated() && creds == nil {
		return &ValidationError{Field: "credentials", Msg: "required for authenticated scan types"}
	}
	if !req.ScanType.Authenticated() && creds != nil {
		return &ValidationError{Field: "credentials", Msg: "not accepted for untrusted scans"}
	}
	if creds == nil {
		return nil
	}

	switch creds.Kind {
	case "ssh_password":
		if creds.Username == "" || creds.Password == "" {
			return &ValidationError{Field: "credentials", Msg: "ssh_password credentials need username and password"}
		}
	case "ssh_key":
		if creds.Username == "" || creds.PrivateKey == "" {
			return &ValidationError{Field: "credentials", Msg: "ssh_key credentials need username and private_key"}
		}
	default:
		return &ValidationError{Field: "credentials.kind", Msg: fmt.Sprintf("unknown credential kind %q", creds.Kind)}
	}

	if req.ScanType == taskstore.ScanAuthenticatedPrivileged && !escalationMethods[creds.EscalationMethod] {
		return &ValidationError{
			Field: "credentials.escalation_method",
			Msg:   "privileged scans require one of sudo, su, su+sudo, pbrun, dzdo",
		}
	}
	return nil
}

// Fingerprint digests the inputs that determine what a scan actually does.
// Cosmetic fields (name, description, schema profile) and credential secrets
// stay out: the former so relabeled resubmissions still dedupe, the latter so
// no password-derived material lands in the idempotency index.
func Fingerprint(req SubmitRequest) string {
	targets := taskstore.SplitTargets(req.Targets)
	for i := range targets {
		targets[i] = strings.ToLower(targets[i])
	}
	sort.Strings(targets)

	h := sha256.New()
	field := func(name, value string) {
		fmt.Fprintf(h, "%s=%s\n", name, value)
	}
	field("targets", strings.Join(targets, ","))
	field("scan_type", string(req.ScanType))
	field("pool", strings.ToLower(strings.TrimSpace(req.ScannerPool)))
	field("instance", strings.ToLower(strings.TrimSpace(req.ScannerInstance)))
	if req.Credentials != nil {
		field("credential_kind", req.Credentials.Kind)
		field("credential_user", req.Credentials.Username)
		field("escalation", req.Credentials.EscalationMethod)
		field("escalation_account", req.Credentials.EscalationAccount)
	}
	return hex.EncodeToString(h.Sum(nil))
}
