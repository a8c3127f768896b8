// Package storage defines the key-value contract the authorization engine persists
// authorization codes, access tokens and refresh-token mappings through.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or its TTL has elapsed.
var ErrNotFound = errors.New("storage: key not found")

// UsedField is the top-level JSON field CompareAndSetUsed flips from false to true.
const UsedField = "used"

// Provider is a TTL-aware key-value store with one atomic primitive.
// All methods accept context.Context for tracing and cancellation.
type Provider interface {
	// Connect establishes the backend connection. It is safe to call more than once.
	Connect(ctx context.Context) error

	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// CompareAndSetUsed reads the JSON object stored under key and, if its "used"
	// field is false, sets it to true while keeping the remaining TTL.
	// Returns true only for the caller that performed the transition, and
	// ErrNotFound when the key is absent.
	// SECURITY: This operation MUST be atomic across all concurrent callers,
	// including callers in other processes sharing the backend.
	CompareAndSetUsed(ctx context.Context, key string) (bool, error)

	// Close releases backend resources.
	Close() error
}

// Pinger is implemented by providers that can report backend liveness cheaply.
type Pinger interface {
	Ping(ctx context.Context) error
}
