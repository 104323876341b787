package results

import (
	"fmt"

	"github.com/scandhq/scand/internal/nessus"
)

const (
	ProfileMinimal = "minimal"
	ProfileSummary = "summary"
	ProfileBrief   = "brief"
	ProfileFull    = "full"
)

// profileFields lists each profile's projection in output order. A nil list
// means every registered field.
var profileFields = map[string][]string{
	ProfileMinimal: {"host", "plugin_id", "plugin_name", "severity"},
	ProfileSummary: {
		"host", "plugin_id", "plugin_name", "severity", "risk_factor",
		"port", "protocol", "plugin_family", "cvss_base_score",
	},
	ProfileBrief: {
		"host", "host_ip", "plugin_id", "plugin_name", "severity",
		"risk_factor", "port", "protocol", "service", "plugin_family",
		"synopsis", "cvss_base_score", "cve", "exploit_available",
	},
	ProfileFull: nil,
}

// resolveProjection turns the profile or custom-field request into concrete
// field specs. Custom fields only combine with the default profile; naming
// any other profile alongside them is a conflict.
func resolveProjection(opts Options) (string, []nessus.FieldSpec, error) {
	if len(opts.CustomFields) > 0 {
		if opts.Profile != "" && opts.Profile != ProfileBrief {
			return "", nil, fmt.Errorf("%w: profile %q", ErrProfileConflict, opts.Profile)
		}
		seen := make(map[string]bool, len(opts.CustomFields))
		specs := make([]nessus.FieldSpec, 0, len(opts.CustomFields))
		for _, name := range opts.CustomFields {
			if seen[name] {
				continue
			}
			seen[name] = true
			spec, ok := nessus.FieldByName(name)
			if !ok {
				return "", nil, fmt.Errorf("%w: %q", ErrUnknownField, name)
			}
			specs = append(specs, spec)
		}
		return "custom", specs, nil
	}

	profile := opts.Profile
	if profile == "" {
		profile = ProfileBrief
	}
	names, ok := profileFields[profile]
	if !ok {
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownProfile, profile)
	}
	if names == nil {
		return profile, append([]nessus.FieldSpec(nil), nessus.Fields...), nil
	}
	specs := make([]nessus.FieldSpec, 0, len(names))
	for _, name := range names {
		spec, ok := nessus.FieldByName(name)
		if !ok {
			return "", nil, fmt.Errorf("%w: %q", ErrUnknownField, name)
		}
		specs = append(specs, spec)
	}
	return profile, specs, nil
}

// withFilterFields appends filtered-on fields missing from the projection,
// in registry order, so every filter's subject is visible in the output.
func withFilterFields(fields []nessus.FieldSpec, matchers []matcher) []nessus.FieldSpec {
	have := make(map[string]bool, len(fields))
	for _, f := range fields {
		have[f.Name] = true
	}
	wanted := make(map[string]bool, len(matchers))
	for _, m := range matchers {
		if !have[m.spec.Name] {
			wanted[m.spec.Name] = true
		}
	}
	for _, f := range nessus.Fields {
		if wanted[f.Name] {
			fields = append(fields, f)
		}
	}
	return fields
}
