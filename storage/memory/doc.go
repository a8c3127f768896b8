// Package memory provides an in-memory implementation of storage.Provider.
//
// Values live in a map guarded by a sync.RWMutex; CompareAndSetUsed runs under the
// write lock, which makes it atomic within the process. A background goroutine
// removes expired entries at a configurable interval.
//
// Use it for development, tests and single-instance deployments. Multi-instance
// deployments must share a backend such as storage/valkey, storage/redis or
// storage/postgres, because single-use authorization codes are only single-use
// within one Store.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, _ := server.New(reg, store, auditor, &server.Config{Issuer: issuer}, logger)
package memory
