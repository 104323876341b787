// Package validator judges exported scan artifacts: whether the export is
// usable at all, what it found, and whether credentialed scanning actually
// worked. It is pure computation over artifact bytes; the worker decides
// what a verdict means for task state.
package validator

import (
	"fmt"

	"github.com/scandhq/scand/internal/nessus"
	"github.com/scandhq/scand/internal/taskstore"
)

// Exports below this size cannot hold a real report; Nessus emits more than
// this for a single empty host.
const minArtifactSize = 1024

// Distinct authenticated-only finding types needed before we call an
// unmarked scan authenticated.
const authSuccessThreshold = 5

type Stats struct {
	Hosts            int                      `json:"hosts"`
	Severity         taskstore.SeverityCounts `json:"severity"`
	ArtifactSize     int64                    `json:"artifact_size"`
	AuthPluginsFound int                      `json:"auth_plugins_found"`
}

// Summary shapes the stats for the persisted task record.
func (s Stats) Summary() taskstore.ResultsSummary {
	return taskstore.ResultsSummary{
		Hosts:         s.Hosts,
		TotalFindings: s.Severity.Total(),
		Severity:      s.Severity,
		ArtifactSize:  s.ArtifactSize,
	}
}

// Report is the validation verdict for one artifact.
type Report struct {
	IsValid              bool                 `json:"is_valid"`
	Error                string               `json:"error,omitempty"`
	Warnings             []string             `json:"warnings,omitempty"`
	Stats                Stats                `json:"stats"`
	AuthenticationStatus taskstore.AuthStatus `json:"authentication_status"`
}

// Validate checks artifact bytes and classifies the authentication outcome
// for the given scan type.
func Validate(artifact []byte, scanType taskstore.ScanType) Report {
	report := Report{
		AuthenticationStatus: taskstore.AuthNotApplicable,
	}
	report.Stats.ArtifactSize = int64(len(artifact))

	if len(artifact) < minArtifactSize {
		report.Error = fmt.Sprintf("artifact missing or too small (%d bytes, need %d)",
			len(artifact), minArtifactSize)
		return report
	}

	cd, err := nessus.Parse(artifact)
	if err != nil {
		report.Error = fmt.Sprintf("artifact not parseable: %v", err)
		return report
	}

	report.Stats.Hosts = len(cd.Report.Hosts)
	if report.Stats.Hosts == 0 {
		report.Error = "artifact contains no hosts"
		return report
	}

	for _, host := range cd.Report.Hosts {
		for _, item := range host.Items {
			switch nessus.SeverityName(item.Severity) {
			case "critical":
				report.Stats.Severity.Critical++
			case "high":
				report.Stats.Severity.High++
			case "medium":
				report.Stats.Severity.Medium++
			case "low":
				report.Stats.Severity.Low++
			default:
				report.Stats.Severity.Info++
			}
		}
	}

	report.IsValid = true

	sig := nessus.CollectAuthSignals(cd)
	report.Stats.AuthPluginsFound = sig.AuthPluginTypes
	report.AuthenticationStatus, report.Warnings = classifyAuth(scanType, sig)
	return report
}

// classifyAuth applies the classification ladder: scan type first, then the
// scanner's own per-host credential markers, then inference from
// authenticated-only finding types.
func classifyAuth(scanType taskstore.ScanType, sig nessus.AuthSignals) (taskstore.AuthStatus, []string) {
	if !scanType.Authenticated() {
		return taskstore.AuthNotApplicable, nil
	}

	var status taskstore.AuthStatus
	var warnings []string

	marked := sig.CredentialedHosts + sig.UncredentialedHosts
	switch {
	case marked > 0 && sig.UncredentialedHosts == 0:
		status = taskstore.AuthSuccess
	case marked > 0 && sig.CredentialedHosts == 0:
		status = taskstore.AuthFailed
	case marked > 0:
		status = taskstore.AuthPartial
		warnings = append(warnings, fmt.Sprintf(
			"credentials worked on %d of %d hosts", sig.CredentialedHosts, marked))
	case sig.AuthPluginTypes >= authSuccessThreshold:
		status = taskstore.AuthSuccess
	case sig.AuthPluginTypes > 0:
		status = taskstore.AuthPartial
		warnings = append(warnings, fmt.Sprintf(
			"only %d authenticated finding types present, expected at least %d",
			sig.AuthPluginTypes, authSuccessThreshold))
	default:
		status = taskstore.AuthFailed
	}

	if scanType == taskstore.ScanAuthenticatedPrivileged && sig.InsufficientPrivilege {
		status = taskstore.AuthPartial
		warnings = append(warnings,
			"scan account lacked privileges for some checks, results may be incomplete")
	}
	return status, warnings
}
