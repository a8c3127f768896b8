// Package memory provides an in-memory implementation of storage.Provider.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/giantswarm/mcp-authz/internal/util"
	"github.com/giantswarm/mcp-authz/storage"
)

// keyLogLength is the number of characters of a key included in debug logs.
// Keys embed token values, so only the type prefix and a few characters are logged.
const keyLogLength = 16

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Store is an in-memory implementation of storage.Provider.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

var (
	_ storage.Provider = (*Store)(nil)
	_ storage.Pinger   = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		entries:         make(map[string]*entry),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
		now:             time.Now,
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// Connect is a no-op for the in-memory store.
func (s *Store) Connect(_ context.Context) error {
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(_ context.Context) error {
	return nil
}

// Close stops the cleanup goroutine and drops all entries.
func (s *Store) Close() error {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*entry)
	return nil
}

// Len returns the number of live entries, for metrics.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Get returns a copy of the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok || e.expired(s.now()) {
		return nil, storage.ErrNotFound
	}

	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set stores a copy of value under key.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	e := &entry{value: stored}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = e
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// CompareAndSetUsed flips the "used" field of the JSON object under key.
// The write lock makes the read-check-write sequence atomic.
func (s *Store) CompareAndSetUsed(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.expired(s.now()) {
		return false, storage.ErrNotFound
	}

	var doc map[string]any
	if err := json.Unmarshal(e.value, &doc); err != nil {
		return false, fmt.Errorf("decode value for compare-and-set: %w", err)
	}

	if used, _ := doc[storage.UsedField].(bool); used {
		return false, nil
	}

	doc[storage.UsedField] = true
	updated, err := json.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("encode value for compare-and-set: %w", err)
	}
	e.value = updated

	s.logger.Debug("Marked record as used",
		"key_prefix", util.SafeTruncate(key, keyLogLength))

	return true, nil
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries",
			"count", cleaned,
			"remaining", len(s.entries))
	}
}
