package taskstore

import "testing"

func TestMatchesTarget(t *testing.T) {
	tests := []struct {
		name   string
		stored string
		query  string
		want   bool
	}{
		{"ip_exact", "10.0.0.5", "10.0.0.5", true},
		{"ip_mismatch", "10.0.0.5", "10.0.0.6", false},
		{"cidr_query_contains_stored_ip", "10.0.0.5", "10.0.0.0/24", true},
		{"ip_query_inside_stored_cidr", "10.0.0.0/24", "10.0.0.5", true},
		{"ip_query_outside_stored_cidr", "10.0.0.0/8", "192.168.1.1", false},
		{"cidr_overlap_narrow_in_wide", "10.0.0.0/8", "10.0.0.0/24", true},
		{"cidr_overlap_wide_in_narrow", "10.0.0.0/24", "10.0.0.0/8", true},
		{"cidr_disjoint", "10.0.0.0/24", "10.0.1.0/24", false},
		{"cidr_unmasked_input", "10.0.0.77/24", "10.0.0.5", true},
		{"hostname_case_insensitive", "Web.Example.COM", "web.example.com", true},
		{"hostname_mismatch", "web.example.com", "db.example.com", false},
		{"hostname_never_matches_ip_query", "web.example.com", "10.0.0.5", false},
		{"ip_never_matches_hostname_query", "10.0.0.5", "web.example.com", false},
		{"list_any_entry", "web.example.com, 10.0.0.5,10.2.0.0/16", "10.2.3.4", true},
		{"list_no_entry", "web.example.com, 10.0.0.5", "172.16.0.1", false},
		{"ipv6_exact", "2001:db8::1", "2001:db8::1", true},
		{"ipv6_in_prefix", "2001:db8::/32", "2001:db8::1", true},
		{"family_mismatch", "10.0.0.0/8", "2001:db8::1", false},
		{"empty_query_matches_all", "10.0.0.5", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesTargetList(tt.stored, tt.query); got != tt.want {
				t.Fatalf("matchesTargetList(%q, %q) = %v, want %v", tt.stored, tt.query, got, tt.want)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]Status{
		{StatusQueued, StatusRunning},
		{StatusQueued, StatusFailed},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusTimeout},
	}
	all := []Status{StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusTimeout}

	isAllowed := func(from, to Status) bool {
		for _, pair := range allowed {
			if pair[0] == from && pair[1] == to {
				return true
			}
		}
		return false
	}

	for _, from := range all {
		for _, to := range all {
			if got := CanTransition(from, to); got != isAllowed(from, to) {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, isAllowed(from, to))
			}
		}
	}
}
