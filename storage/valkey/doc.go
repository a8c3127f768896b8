// Package valkey provides a Valkey storage backend for the mcp-authz module.
//
// Valkey is a high-performance key-value store that is wire-compatible with Redis.
// Store implements [storage.Provider], which makes it suitable for deployments that
// run several authorization server replicas against shared state.
//
// # Key Schema
//
// All keys use a configurable prefix (default "mcp-authz:") to avoid conflicts with
// other applications sharing the same Valkey instance:
//
//	{prefix}code:{code}        -> JSON(AuthorizationCode)
//	{prefix}access:{token}     -> JSON(AccessToken)
//	{prefix}refresh:{token}    -> JSON(RefreshToken)
//
// Every key is written with a PX expiry equal to the record's remaining lifetime.
//
// # Atomic Operations
//
// CompareAndSetUsed runs [storage.CompareAndSetUsedScript] through EVAL, so exactly one
// concurrent caller observes an unused authorization code, across every replica.
// The script uses SET ... KEEPTTL and therefore needs Valkey or Redis 6.0+.
//
// # Configuration
//
// Basic usage:
//
//	store, err := valkey.New(valkey.Config{
//	    Address: "localhost:6379",
//	})
//	if err != nil { ... }
//	if err := store.Connect(ctx); err != nil { ... }
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:  "valkey.example.com:6379",
//	    Password: os.Getenv("VALKEY_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
package valkey
