// Package mock provides a storage.Provider with overridable behaviour for testing.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/mcp-authz/storage"
)

// MockProvider delegates to an underlying provider unless the matching Func field
// is set. Tests use the Func fields to inject failures and latency, and CallCounts
// to assert which operations ran.
type MockProvider struct {
	Base storage.Provider

	ConnectFunc           func(ctx context.Context) error
	GetFunc               func(ctx context.Context, key string) ([]byte, error)
	SetFunc               func(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeleteFunc            func(ctx context.Context, key string) error
	CompareAndSetUsedFunc func(ctx context.Context, key string) (bool, error)
	CloseFunc             func() error

	mu         sync.Mutex
	callCounts map[string]int
}

var _ storage.Provider = (*MockProvider)(nil)

// NewMockProvider wraps base.
func NewMockProvider(base storage.Provider) *MockProvider {
	return &MockProvider{
		Base:       base,
		callCounts: make(map[string]int),
	}
}

// CallCount returns how many times op was invoked.
func (m *MockProvider) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[op]
}

func (m *MockProvider) record(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts[op]++
}

// Connect implements storage.Provider.
func (m *MockProvider) Connect(ctx context.Context) error {
	m.record("Connect")
	if m.ConnectFunc != nil {
		return m.ConnectFunc(ctx)
	}
	return m.Base.Connect(ctx)
}

// Get implements storage.Provider.
func (m *MockProvider) Get(ctx context.Context, key string) ([]byte, error) {
	m.record("Get")
	if m.GetFunc != nil {
		return m.GetFunc(ctx, key)
	}
	return m.Base.Get(ctx, key)
}

// Set implements storage.Provider.
func (m *MockProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.record("Set")
	if m.SetFunc != nil {
		return m.SetFunc(ctx, key, value, ttl)
	}
	return m.Base.Set(ctx, key, value, ttl)
}

// Delete implements storage.Provider.
func (m *MockProvider) Delete(ctx context.Context, key string) error {
	m.record("Delete")
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, key)
	}
	return m.Base.Delete(ctx, key)
}

// CompareAndSetUsed implements storage.Provider.
func (m *MockProvider) CompareAndSetUsed(ctx context.Context, key string) (bool, error) {
	m.record("CompareAndSetUsed")
	if m.CompareAndSetUsedFunc != nil {
		return m.CompareAndSetUsedFunc(ctx, key)
	}
	return m.Base.CompareAndSetUsed(ctx, key)
}

// Close implements storage.Provider.
func (m *MockProvider) Close() error {
	m.record("Close")
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return m.Base.Close()
}
