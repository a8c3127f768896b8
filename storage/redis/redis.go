// Package redis provides a Redis storage backend built on go-redis.
//
// It talks to a standalone server or to a Sentinel-managed primary through
// redis.UniversalClient, and implements CompareAndSetUsed with the same Lua script as
// the Valkey backend.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/giantswarm/mcp-authz/internal/util"
	"github.com/giantswarm/mcp-authz/storage"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	// DefaultKeyPrefix is the default prefix for all keys.
	DefaultKeyPrefix = "mcp-authz:"

	keyLogLength = 16
)

var errNotConnected = errors.New("redis storage is not connected")

var compareAndSetUsed = redis.NewScript(storage.CompareAndSetUsedScript)

// Config holds Redis connection configuration.
type Config struct {
	// Addr is the server address for standalone deployments.
	Addr string

	// MasterName and SentinelAddrs select Sentinel mode when both are set.
	MasterName    string
	SentinelAddrs []string

	Username string
	Password string
	DB       int

	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// Store implements storage.Provider on Redis.
type Store struct {
	cfg    Config
	prefix string
	logger *slog.Logger

	mu     sync.RWMutex
	client redis.UniversalClient
}

var (
	_ storage.Provider = (*Store)(nil)
	_ storage.Pinger   = (*Store)(nil)
)

// New validates cfg and returns an unconnected store.
func New(cfg Config) (*Store, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{cfg: cfg, prefix: prefix, logger: logger}, nil
}

// NewWithClient wraps a pre-configured client. This is useful for testing with miniredis.
func NewWithClient(client redis.UniversalClient, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Store{
		prefix: keyPrefix,
		logger: slog.Default(),
		client: client,
	}
}

func validateConfig(cfg *Config) error {
	sentinel := cfg.MasterName != "" || len(cfg.SentinelAddrs) > 0
	switch {
	case sentinel && cfg.MasterName == "":
		return errors.New("sentinel master name is required")
	case sentinel && len(cfg.SentinelAddrs) == 0:
		return errors.New("at least one sentinel address is required")
	case !sentinel && cfg.Addr == "":
		return errors.New("redis address is required")
	}
	return nil
}

// Connect creates the client and verifies connectivity.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return nil
	}

	var client redis.UniversalClient
	if s.cfg.MasterName != "" {
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    s.cfg.MasterName,
			SentinelAddrs: s.cfg.SentinelAddrs,
			DB:            s.cfg.DB,
			Username:      s.cfg.Username,
			Password:      s.cfg.Password,
			DialTimeout:   s.cfg.DialTimeout,
			ReadTimeout:   s.cfg.ReadTimeout,
			WriteTimeout:  s.cfg.WriteTimeout,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         s.cfg.Addr,
			DB:           s.cfg.DB,
			Username:     s.cfg.Username,
			Password:     s.cfg.Password,
			DialTimeout:  s.cfg.DialTimeout,
			ReadTimeout:  s.cfg.ReadTimeout,
			WriteTimeout: s.cfg.WriteTimeout,
		})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	s.client = client
	s.logger.Info("Connected to Redis storage",
		"addr", s.cfg.Addr,
		"master_name", s.cfg.MasterName,
		"prefix", s.prefix)
	return nil
}

// Close closes the Redis client connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

// Ping checks Redis connectivity (health check).
func (s *Store) Ping(ctx context.Context) error {
	client, err := s.getClient()
	if err != nil {
		return err
	}
	return client.Ping(ctx).Err()
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	client, err := s.getClient()
	if err != nil {
		return nil, err
	}

	data, err := client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get key: %w", err)
	}
	return data, nil
}

// Set stores value under key. go-redis treats a zero expiration as "no expiry".
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	client, err := s.getClient()
	if err != nil {
		return err
	}

	if ttl < 0 {
		ttl = 0
	}
	if err := client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("set key: %w", err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	client, err := s.getClient()
	if err != nil {
		return err
	}

	if err := client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	return nil
}

// CompareAndSetUsed atomically flips the "used" field of the record under key.
// The script is sent with EVALSHA and falls back to EVAL on NOSCRIPT.
func (s *Store) CompareAndSetUsed(ctx context.Context, key string) (bool, error) {
	client, err := s.getClient()
	if err != nil {
		return false, err
	}

	result, err := compareAndSetUsed.Run(ctx, client, []string{s.key(key)}).Int64()
	if err != nil {
		return false, fmt.Errorf("compare-and-set: %w", err)
	}

	switch result {
	case storage.ScriptResultNotFound:
		return false, storage.ErrNotFound
	case storage.ScriptResultAlreadySet:
		return false, nil
	}

	s.logger.Debug("Marked record as used",
		"key_prefix", util.SafeTruncate(key, keyLogLength))
	return true, nil
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

func (s *Store) getClient() (redis.UniversalClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, errNotConnected
	}
	return s.client, nil
}
