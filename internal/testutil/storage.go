package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/mcp-authz/storage"
)

// RunProviderTests exercises the storage.Provider contract against a backend.
// newProvider must return a connected provider with an empty keyspace; the
// caller is responsible for cleanup via t.Cleanup.
func RunProviderTests(t *testing.T, newProvider func(t *testing.T) storage.Provider) {
	t.Helper()

	t.Run("SetGet", func(t *testing.T) {
		p := newProvider(t)
		ctx := context.Background()

		if err := p.Set(ctx, "access:abc", []byte(`{"client_id":"c1"}`), time.Minute); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		got, err := p.Get(ctx, "access:abc")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if string(got) != `{"client_id":"c1"}` {
			t.Errorf("Get() = %s, want stored value", got)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		p := newProvider(t)
		_, err := p.Get(context.Background(), "access:missing")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("Get() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		p := newProvider(t)
		ctx := context.Background()

		_ = p.Set(ctx, "k", []byte(`{"v":1}`), time.Minute)
		if err := p.Set(ctx, "k", []byte(`{"v":2}`), time.Minute); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		got, err := p.Get(ctx, "k")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if string(got) != `{"v":2}` {
			t.Errorf("Get() = %s, want overwritten value", got)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		p := newProvider(t)
		ctx := context.Background()

		_ = p.Set(ctx, "refresh:x", []byte(`{}`), time.Minute)
		if err := p.Delete(ctx, "refresh:x"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, err := p.Get(ctx, "refresh:x"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("Get() after Delete() error = %v, want ErrNotFound", err)
		}
		if err := p.Delete(ctx, "refresh:x"); err != nil {
			t.Errorf("Delete() of missing key error = %v, want nil", err)
		}
	})

	t.Run("CompareAndSetUsedOnce", func(t *testing.T) {
		p := newProvider(t)
		ctx := context.Background()

		_ = p.Set(ctx, "code:once", []byte(`{"client_id":"c1","used":false}`), time.Minute)

		ok, err := p.CompareAndSetUsed(ctx, "code:once")
		if err != nil {
			t.Fatalf("CompareAndSetUsed() error = %v", err)
		}
		if !ok {
			t.Fatal("first CompareAndSetUsed() = false, want true")
		}

		ok, err = p.CompareAndSetUsed(ctx, "code:once")
		if err != nil {
			t.Fatalf("second CompareAndSetUsed() error = %v", err)
		}
		if ok {
			t.Error("second CompareAndSetUsed() = true, want false")
		}

		raw, err := p.Get(ctx, "code:once")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			t.Fatalf("stored value is not JSON: %v", err)
		}
		if doc["used"] != true {
			t.Errorf("used = %v, want true", doc["used"])
		}
		if doc["client_id"] != "c1" {
			t.Errorf("client_id = %v, want other fields preserved", doc["client_id"])
		}
	})

	t.Run("CompareAndSetUsedMissing", func(t *testing.T) {
		p := newProvider(t)
		ok, err := p.CompareAndSetUsed(context.Background(), "code:missing")
		if ok {
			t.Error("CompareAndSetUsed() = true for missing key")
		}
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("CompareAndSetUsed() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("CompareAndSetUsedConcurrent", func(t *testing.T) {
		p := newProvider(t)
		ctx := context.Background()

		_ = p.Set(ctx, "code:race", []byte(`{"used":false}`), time.Minute)

		const goroutines = 50
		var (
			wg        sync.WaitGroup
			successes atomic.Int32
			start     = make(chan struct{})
		)
		for i := 0; i < goroutines; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				ok, err := p.CompareAndSetUsed(ctx, "code:race")
				if err != nil {
					t.Errorf("CompareAndSetUsed() error = %v", err)
					return
				}
				if ok {
					successes.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		if got := successes.Load(); got != 1 {
			t.Errorf("successful CompareAndSetUsed() calls = %d, want exactly 1", got)
		}
	})
}
