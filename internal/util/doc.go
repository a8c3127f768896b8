// Package util provides small helpers shared across the mcp-authz packages.
//
// Key utilities:
//   - SafeTruncate: truncates secrets before they reach logs
//   - ParseScope, JoinScopes, ScopesSubset: space-delimited scope handling
//   - IsLoopbackHostname: loopback detection for redirect URI validation
package util
