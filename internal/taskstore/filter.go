package taskstore

import (
	"net/netip"
	"strings"
)

// SplitTargets breaks a comma-separated target list into trimmed entries.
func SplitTargets(targets string) []string {
	var out []string
	for _, entry := range strings.Split(targets, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

// matchesTargetList reports whether any entry of the stored comma-separated
// target list matches the query. Stored entries and queries can each be an
// IP, a CIDR, or a hostname.
func matchesTargetList(stored, query string) bool {
	query = strings.TrimSpace(query)
	if query == "" {
		return true
	}
	for _, target := range SplitTargets(stored) {
		if matchesTarget(target, query) {
			return true
		}
	}
	return false
}

func matchesTarget(target, query string) bool {
	if target == "" {
		return false
	}

	queryAddr, queryIsAddr := parseAddr(query)
	queryPrefix, queryIsPrefix := parsePrefix(query)
	targetAddr, targetIsAddr := parseAddr(target)
	targetPrefix, targetIsPrefix := parsePrefix(target)

	switch {
	case queryIsAddr && targetIsAddr:
		return queryAddr == targetAddr
	case queryIsAddr && targetIsPrefix:
		return targetPrefix.Contains(queryAddr)
	case queryIsPrefix && targetIsAddr:
		return queryPrefix.Contains(targetAddr)
	case queryIsPrefix && targetIsPrefix:
		return prefixesOverlap(queryPrefix, targetPrefix)
	case queryIsAddr || queryIsPrefix || targetIsAddr || targetIsPrefix:
		// Address-shaped on one side only: never matches a hostname.
		return false
	default:
		return strings.EqualFold(target, query)
	}
}

func parseAddr(value string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(value)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func parsePrefix(value string) (netip.Prefix, bool) {
	prefix, err := netip.ParsePrefix(value)
	if err != nil {
		return netip.Prefix{}, false
	}
	return prefix.Masked(), true
}

// prefixesOverlap holds when either masked prefix contains the other's base
// address, which is exactly CIDR range overlap.
func prefixesOverlap(a, b netip.Prefix) bool {
	return a.Contains(b.Addr()) || b.Contains(a.Addr())
}
