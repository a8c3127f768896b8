// Package postgres provides a PostgreSQL storage backend built on pgx.
//
// Records live in a single key-value table:
//
//	CREATE TABLE authz_kv (
//	    key        TEXT PRIMARY KEY,
//	    value      TEXT NOT NULL,
//	    expires_at TIMESTAMPTZ
//	);
//
// Expiry is evaluated against the database clock. Expired rows are invisible to
// reads and are removed by a periodic sweep.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/giantswarm/mcp-authz/internal/util"
	"github.com/giantswarm/mcp-authz/storage"
)

const (
	// DefaultTable is the default key-value table name.
	DefaultTable = "authz_kv"

	// DefaultCleanupInterval is how often expired rows are deleted.
	DefaultCleanupInterval = 5 * time.Minute

	keyLogLength = 16
)

var errNotConnected = errors.New("postgres storage is not connected")

// Config holds PostgreSQL connection configuration.
type Config struct {
	// DSN is a libpq-style connection string or URL (required).
	DSN string

	// Table is the key-value table name (default "authz_kv").
	Table string

	// CleanupInterval controls the expired-row sweep. Negative disables it.
	CleanupInterval time.Duration

	Logger *slog.Logger
}

// Store implements storage.Provider on PostgreSQL.
type Store struct {
	cfg    Config
	table  string
	logger *slog.Logger

	mu          sync.RWMutex
	pool        *pgxpool.Pool
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

var (
	_ storage.Provider = (*Store)(nil)
	_ storage.Pinger   = (*Store)(nil)
)

// New validates cfg and returns an unconnected store.
func New(cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres DSN is required")
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		cfg:         cfg,
		table:       pgx.Identifier{cfg.Table}.Sanitize(),
		logger:      logger,
		stopCleanup: make(chan struct{}),
	}, nil
}

// Connect opens the pool, verifies connectivity and ensures the table exists.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool != nil {
		return nil
	}

	pool, err := pgxpool.New(ctx, s.cfg.DSN)
	if err != nil {
		return fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		expires_at TIMESTAMPTZ
	)`, s.table)
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return fmt.Errorf("create table: %w", err)
	}

	s.pool = pool
	if s.cfg.CleanupInterval > 0 {
		go s.cleanupLoop()
	}

	s.logger.Info("Connected to PostgreSQL storage", "table", s.cfg.Table)
	return nil
}

// Close stops the sweep and closes the pool.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCleanup) })

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT value FROM %s
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`, s.table)

	var value string
	if err := pool.QueryRow(ctx, query, key).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get key: %w", err)
	}
	return []byte(value), nil
}

// Set upserts value under key.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var ttlMillis any
	if ttl > 0 {
		ttlMillis = ttl.Milliseconds()
	}

	query := fmt.Sprintf(`INSERT INTO %s (key, value, expires_at)
		VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'))
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`, s.table)

	if _, err := pool.Exec(ctx, query, key, string(value), ttlMillis); err != nil {
		return fmt.Errorf("set key: %w", err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	if _, err := pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table), key); err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	return nil
}

// CompareAndSetUsed flips "used" with a single conditional UPDATE. Row-level
// locking guarantees only one concurrent UPDATE matches the used=false predicate.
func (s *Store) CompareAndSetUsed(ctx context.Context, key string) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	update := fmt.Sprintf(`UPDATE %s
		SET value = jsonb_set(value::jsonb, '{used}', 'true'::jsonb, true)::text
		WHERE key = $1
		  AND (expires_at IS NULL OR expires_at > now())
		  AND COALESCE((value::jsonb ->> 'used')::boolean, false) = false
		RETURNING key`, s.table)

	var updated string
	err = pool.QueryRow(ctx, update, key).Scan(&updated)
	if err == nil {
		s.logger.Debug("Marked record as used",
			"key_prefix", util.SafeTruncate(key, keyLogLength))
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("compare-and-set: %w", err)
	}

	// Nothing updated: either the row is gone or it was already used.
	if _, err := s.Get(ctx, key); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if n, err := s.DeleteExpired(ctx); err != nil {
				s.logger.Warn("Failed to delete expired rows", "error", err)
			} else if n > 0 {
				s.logger.Debug("Cleaned up expired rows", "count", n)
			}
			cancel()
		}
	}
}

// DeleteExpired removes every expired row and returns how many were deleted.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	tag, err := pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= now()`, s.table))
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pool == nil {
		return nil, errNotConnected
	}
	return s.pool, nil
}
