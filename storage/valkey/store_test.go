package valkey

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/giantswarm/mcp-authz/internal/testutil"
	"github.com/giantswarm/mcp-authz/storage"
)

// testStore creates a connected store. It uses VALKEY_TEST_ADDR when set and an
// in-process miniredis otherwise. Tests are skipped if the connection fails.
// Each test gets a unique prefix to ensure test isolation.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		mr := miniredis.RunT(t)
		addr = mr.Addr()
	}

	store, err := New(Config{
		Address:      addr,
		KeyPrefix:    fmt.Sprintf("authztest:%s:", t.Name()),
		DisableCache: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := store.Connect(context.Background()); err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNew_RequiresAddress(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() with empty address should return error")
	}
}

func TestNew_DefaultPrefix(t *testing.T) {
	store, err := New(Config{Address: "localhost:6379"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if store.prefix != DefaultKeyPrefix {
		t.Errorf("prefix = %q, want %q", store.prefix, DefaultKeyPrefix)
	}
}

func TestStore_NotConnected(t *testing.T) {
	store, err := New(Config{Address: "localhost:6379"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := store.Get(context.Background(), "k"); !errors.Is(err, errNotConnected) {
		t.Errorf("Get() error = %v, want errNotConnected", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("Close() on unconnected store error = %v", err)
	}
}

func TestStore_Provider(t *testing.T) {
	testutil.RunProviderTests(t, func(t *testing.T) storage.Provider {
		return testStore(t)
	})
}

func TestStore_KeyPrefix(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := New(Config{Address: mr.Addr(), KeyPrefix: "p:", DisableCache: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := store.Connect(context.Background()); err != nil {
		t.Skipf("Skipping test: could not connect to miniredis: %v", err)
	}
	defer func() { _ = store.Close() }()

	if err := store.Set(context.Background(), "access:t", []byte(`{}`), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if !mr.Exists("p:access:t") {
		t.Error("expected key to be stored with prefix")
	}
	if ttl := mr.TTL("p:access:t"); ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %v, want (0, 1m]", ttl)
	}
}

func TestStore_CompareAndSetUsedKeepsTTL(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := New(Config{Address: mr.Addr(), DisableCache: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := store.Connect(context.Background()); err != nil {
		t.Skipf("Skipping test: could not connect to miniredis: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	_ = store.Set(ctx, "code:c", []byte(`{"scopes":[],"used":false}`), 10*time.Minute)

	ok, err := store.CompareAndSetUsed(ctx, "code:c")
	if err != nil || !ok {
		t.Fatalf("CompareAndSetUsed() = %v, %v; want true, nil", ok, err)
	}

	if ttl := mr.TTL(DefaultKeyPrefix + "code:c"); ttl <= 0 {
		t.Errorf("TTL after compare-and-set = %v, want preserved", ttl)
	}

	got, _ := store.Get(ctx, "code:c")
	if string(got) != `{"scopes":[],"used":true}` {
		t.Errorf("stored value = %s, want empty array preserved", got)
	}
}
