package nessus

import "strings"

// AuthSignals is the authentication evidence observable in an export.
// The validator turns these counts into a classification; this package only
// reports what the artifact says.
type AuthSignals struct {
	// Hosts whose Credentialed_Scan host property is present, split by value.
	CredentialedHosts   int
	UncredentialedHosts int

	// Distinct finding types that only produce output when the scanner
	// logged in successfully.
	AuthPluginTypes int

	// An insufficient-privilege marker was present on at least one host.
	InsufficientPrivilege bool
}

// Plugins that report credential problems rather than findings. 110385 is
// "Target Credential Issues: Insufficient Privilege", 102094 is the SSH
// command-failure variant.
var insufficientPrivilegePlugins = map[int]bool{
	102094: true,
	110385: true,
}

// CollectAuthSignals scans the export for authentication evidence.
func CollectAuthSignals(cd *ClientData) AuthSignals {
	var sig AuthSignals
	authPlugins := make(map[int]bool)
	for _, host := range cd.Report.Hosts {
		switch strings.ToLower(host.Properties.Get("Credentialed_Scan")) {
		case "true":
			sig.CredentialedHosts++
		case "false":
			sig.UncredentialedHosts++
		}
		for _, item := range host.Items {
			if requiresAuth(item) {
				authPlugins[item.PluginID] = true
			}
			if markedInsufficientPrivilege(item) {
				sig.InsufficientPrivilege = true
			}
		}
	}
	sig.AuthPluginTypes = len(authPlugins)
	return sig
}

// requiresAuth reports whether the finding type cannot fire without working
// target credentials. Local security check families only run after login;
// policy compliance checks likewise.
func requiresAuth(item ReportItem) bool {
	if strings.Contains(item.PluginFamily, "Local Security Checks") {
		return true
	}
	return item.PluginFamily == "Policy Compliance"
}

func markedInsufficientPrivilege(item ReportItem) bool {
	if insufficientPrivilegePlugins[item.PluginID] {
		return true
	}
	if strings.Contains(strings.ToLower(item.PluginName), "insufficient privilege") {
		return true
	}
	return strings.Contains(strings.ToLower(item.PluginOutput), "insufficient privilege")
}
