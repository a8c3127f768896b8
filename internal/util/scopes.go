package util

import (
	"net"
	"strings"
)

// ParseScope splits a space-delimited scope string (RFC 6749 section 3.3),
// dropping empty entries and duplicates while keeping the first-seen order.
func ParseScope(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// JoinScopes is the inverse of ParseScope.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// ScopesSubset reports whether every scope in requested is in allowed.
// An empty requested set is a subset of anything.
func ScopesSubset(requested, allowed []string) bool {
	if len(requested) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(allowed))
	for _, s := range allowed {
		set[s] = struct{}{}
	}
	for _, s := range requested {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}

// IsLoopbackHostname checks if a hostname represents a loopback address.
// This includes the entire 127.0.0.0/8 range (RFC 1122) and IPv6 ::1.
// Expects hostname without port (as returned by url.URL.Hostname()).
func IsLoopbackHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}

	clean := strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
	if ip := net.ParseIP(clean); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
