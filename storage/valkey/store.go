package valkey

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/mcp-authz/internal/util"
	"github.com/giantswarm/mcp-authz/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "mcp-authz:"

	// keyLogLength is the number of characters of a key included in debug logs
	keyLogLength = 16

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second
)

var errNotConnected = errors.New("valkey storage is not connected")

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "mcp-authz:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// DisableCache turns off client-side caching. Servers that do not support
	// CLIENT TRACKING (and most test doubles) need this.
	DisableCache bool

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.Provider.
type Store struct {
	cfg    Config
	prefix string
	logger *slog.Logger

	mu     sync.RWMutex
	client valkeygo.Client
}

var (
	_ storage.Provider = (*Store)(nil)
	_ storage.Pinger   = (*Store)(nil)
)

// New validates cfg and returns an unconnected store. Call Connect before use.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		cfg:    cfg,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Connect creates the Valkey client and verifies the connection with PING.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return nil
	}

	opts := valkeygo.ClientOption{
		InitAddress:  []string{s.cfg.Address},
		SelectDB:     s.cfg.DB,
		DisableCache: s.cfg.DisableCache,
	}

	if s.cfg.Password != "" {
		opts.Password = s.cfg.Password
	}

	if s.cfg.TLS != nil {
		opts.TLSConfig = s.cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return fmt.Errorf("failed to create valkey client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(pingCtx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return fmt.Errorf("failed to connect to valkey: %w", err)
	}

	s.client = client

	s.logger.Info("Connected to Valkey storage",
		"address", s.cfg.Address,
		"db", s.cfg.DB,
		"prefix", s.prefix)

	return nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	s.client.Close()
	s.client = nil
	s.logger.Info("Valkey storage connection closed")
	return nil
}

// Ping checks that the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	client, err := s.getClient()
	if err != nil {
		return err
	}
	return client.Do(ctx, client.B().Ping().Build()).Error()
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	client, err := s.getClient()
	if err != nil {
		return nil, err
	}

	data, err := client.Do(ctx, client.B().Get().Key(s.key(key)).Build()).AsBytes()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get key: %w", err)
	}
	return data, nil
}

// Set stores value under key with a PX expiry when ttl > 0.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	client, err := s.getClient()
	if err != nil {
		return err
	}

	var cmd valkeygo.Completed
	if ttl > 0 {
		cmd = client.B().Set().Key(s.key(key)).Value(valkeygo.BinaryString(value)).Px(ttl).Build()
	} else {
		cmd = client.B().Set().Key(s.key(key)).Value(valkeygo.BinaryString(value)).Build()
	}

	if err := client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	client, err := s.getClient()
	if err != nil {
		return err
	}

	if err := client.Do(ctx, client.B().Del().Key(s.key(key)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// CompareAndSetUsed atomically flips the "used" field of the record under key.
func (s *Store) CompareAndSetUsed(ctx context.Context, key string) (bool, error) {
	client, err := s.getClient()
	if err != nil {
		return false, err
	}

	result, err := client.Do(ctx,
		client.B().Eval().Script(storage.CompareAndSetUsedScript).
			Numkeys(1).
			Key(s.key(key)).
			Build(),
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to execute compare-and-set: %w", err)
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

func (s *Store) getClient() (valkeygo.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, errNotConnected
	}
	return s.client, nil
}
