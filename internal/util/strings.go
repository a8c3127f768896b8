package util

import "strings"

// SafeTruncate returns at most maxLen bytes of s. It is used to log token and
// code prefixes without ever logging a full credential.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL trims trailing slashes so issuer URLs compare consistently.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
