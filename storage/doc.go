// Package storage provides the persistence contract for the authorization engine.
//
// The engine keeps three kinds of records, each as a JSON value under a prefixed key:
//   - code:{code}       authorization codes (single use, short TTL)
//   - access:{token}    access tokens
//   - refresh:{token}   refresh-token mappings
//
// Every key is written with a TTL equal to the record's remaining lifetime, so backends
// garbage-collect expired entries on their own. Single-use authorization codes rely
// solely on Provider.CompareAndSetUsed, which each backend implements atomically.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-process maps guarded by a mutex, for development and tests
//   - storage/valkey: Valkey via valkey-go, CAS as a Lua script
//   - storage/redis: Redis (standalone or Sentinel) via go-redis, CAS as a Lua script
//   - storage/postgres: PostgreSQL via pgx, CAS as a conditional UPDATE
//   - storage/mock: a wrapper with failure injection for unit tests
package storage
