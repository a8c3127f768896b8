package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/mcp-authz/internal/testutil"
	"github.com/giantswarm/mcp-authz/security"
	"github.com/giantswarm/mcp-authz/storage/memory"
	"github.com/giantswarm/mcp-authz/storage/mock"
)

func refreshRequest(token, scope string) *RefreshRequest {
	return &RefreshRequest{
		ClientID:     testutil.TestClientID,
		RefreshToken: token,
		Scope:        scope,
	}
}

func loadRefresh(t *testing.T, env *testEnv, token string) RefreshToken {
	t.Helper()
	raw, err := env.store.Get(context.Background(), "refresh:"+token)
	if err != nil {
		t.Fatalf("refresh mapping %s missing: %v", security.Redact(token), err)
	}
	var rt RefreshToken
	if err := json.Unmarshal(raw, &rt); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	return rt
}

func TestRefreshAccessToken_Rotation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	first := env.issue(t, "tools:read tools:call")
	firstRecord := loadRefresh(t, env, first.RefreshToken)

	second, err := env.srv.RefreshAccessToken(ctx, refreshRequest(first.RefreshToken, ""))
	if err != nil {
		t.Fatalf("RefreshAccessToken() error = %v", err)
	}

	if second.AccessToken == first.AccessToken || second.RefreshToken == first.RefreshToken {
		t.Error("refresh did not mint new tokens")
	}
	if second.Scope() != "tools:read tools:call" {
		t.Errorf("Scope() = %q, want original scopes", second.Scope())
	}

	if env.exists(t, kindRefresh, first.RefreshToken) {
		t.Error("old refresh mapping survived rotation")
	}
	if env.exists(t, kindAccess, first.AccessToken) {
		t.Error("old access token survived rotation")
	}
	if _, err := env.srv.VerifyAccessToken(ctx, second.AccessToken); err != nil {
		t.Errorf("new access token does not verify: %v", err)
	}

	secondRecord := loadRefresh(t, env, second.RefreshToken)
	if secondRecord.FamilyID != firstRecord.FamilyID {
		t.Error("family id changed across rotation")
	}
	if secondRecord.Generation != firstRecord.Generation+1 {
		t.Errorf("Generation = %d, want %d", secondRecord.Generation, firstRecord.Generation+1)
	}
	if secondRecord.OriginCodeID != firstRecord.OriginCodeID {
		t.Error("origin code id changed across rotation")
	}

	_, err = env.srv.RefreshAccessToken(ctx, refreshRequest(first.RefreshToken, ""))
	assertErrorCode(t, err, ErrorCodeInvalidGrant)

	if len(env.audit.OfType(security.EventTokenRefreshed)) != 1 {
		t.Error("rotation not audited")
	}
}

func TestRefreshAccessToken_ScopeNarrowing(t *testing.T) {
	tests := []struct {
		name      string
		scope     string
		wantScope string
		wantCode  string
	}{
		{name: "empty keeps grant", scope: "", wantScope: "tools:read tools:call"},
		{name: "narrower", scope: "tools:read", wantScope: "tools:read"},
		{name: "same", scope: "tools:call tools:read", wantScope: "tools:call tools:read"},
		{name: "wider", scope: "tools:read tools:admin", wantCode: ErrorCodeInvalidScope},
		{name: "unrelated", scope: "tools:admin", wantCode: ErrorCodeInvalidScope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			pair := env.issue(t, "tools:read tools:call")

			got, err := env.srv.RefreshAccessToken(context.Background(), refreshRequest(pair.RefreshToken, tt.scope))
			if tt.wantCode != "" {
				assertErrorCode(t, err, tt.wantCode)
				if len(env.audit.OfType(security.EventScopeEscalationAttempt)) != 1 {
					t.Error("scope escalation not audited")
				}
				if !env.exists(t, kindRefresh, pair.RefreshToken) {
					t.Error("rejected refresh consumed the refresh token")
				}
				return
			}
			if err != nil {
				t.Fatalf("RefreshAccessToken() error = %v", err)
			}
			if got.Scope() != tt.wantScope {
				t.Errorf("Scope() = %q, want %q", got.Scope(), tt.wantScope)
			}
		})
	}
}

func TestRefreshAccessToken_NarrowedGrantCannotWidenAgain(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	pair := env.issue(t, "tools:read tools:call")

	narrowed, err := env.srv.RefreshAccessToken(ctx, refreshRequest(pair.RefreshToken, "tools:read"))
	if err != nil {
		t.Fatalf("RefreshAccessToken() error = %v", err)
	}
	_, err = env.srv.RefreshAccessToken(ctx, refreshRequest(narrowed.RefreshToken, "tools:read tools:call"))
	assertErrorCode(t, err, ErrorCodeInvalidScope)
}

func TestRefreshAccessToken_Failures(t *testing.T) {
	t.Run("unknown token", func(t *testing.T) {
		env := newTestEnv(t, nil)
		_, err := env.srv.RefreshAccessToken(context.Background(), refreshRequest("nope", ""))
		assertErrorCode(t, err, ErrorCodeInvalidGrant)
	})

	t.Run("missing token", func(t *testing.T) {
		env := newTestEnv(t, nil)
		_, err := env.srv.RefreshAccessToken(context.Background(), refreshRequest("", ""))
		assertErrorCode(t, err, ErrorCodeInvalidRequest)
	})

	t.Run("other client", func(t *testing.T) {
		env := newTestEnv(t, nil)
		pair := env.issue(t, "tools:read")
		req := refreshRequest(pair.RefreshToken, "")
		req.ClientID = testutil.OtherClientID

		_, err := env.srv.RefreshAccessToken(context.Background(), req)
		assertErrorCode(t, err, ErrorCodeInvalidGrant)
		if !env.exists(t, kindRefresh, pair.RefreshToken) {
			t.Error("foreign client was able to destroy the refresh token")
		}
	})

	t.Run("access token used as refresh token", func(t *testing.T) {
		env := newTestEnv(t, nil)
		pair := env.issue(t, "tools:read")
		_, err := env.srv.RefreshAccessToken(context.Background(), refreshRequest(pair.AccessToken, ""))
		assertErrorCode(t, err, ErrorCodeInvalidGrant)
	})

	t.Run("expired", func(t *testing.T) {
		env := newTestEnv(t, nil)
		pair := env.issue(t, "tools:read")
		env.clock.Advance(24*time.Hour + time.Minute)

		_, err := env.srv.RefreshAccessToken(context.Background(), refreshRequest(pair.RefreshToken, ""))
		assertErrorCode(t, err, ErrorCodeInvalidGrant)
		if env.exists(t, kindRefresh, pair.RefreshToken) {
			t.Error("expired refresh mapping was not deleted")
		}
	})
}

func TestRefreshAccessToken_AfterAccessTokenExpired(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	pair := env.issue(t, "tools:read")

	// The access token is gone; the mapping alone carries the grant.
	if err := env.store.Delete(ctx, "access:"+pair.AccessToken); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	env.clock.Advance(2 * time.Hour)

	got, err := env.srv.RefreshAccessToken(ctx, refreshRequest(pair.RefreshToken, ""))
	if err != nil {
		t.Fatalf("RefreshAccessToken() error = %v", err)
	}
	if got.Scope() != "tools:read" {
		t.Errorf("Scope() = %q, want tools:read", got.Scope())
	}
}

func TestRefreshAccessToken_Concurrent(t *testing.T) {
	env := newTestEnv(t, nil)
	pair := env.issue(t, "tools:read")

	const workers = 20
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		start     = make(chan struct{})
		winners   = make(chan *TokenPair, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			got, err := env.srv.RefreshAccessToken(context.Background(), refreshRequest(pair.RefreshToken, ""))
			if err == nil {
				successes.Add(1)
				winners <- got
				return
			}
			if !IsErrorCode(err, ErrorCodeInvalidGrant) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	close(winners)

	if successes.Load() != 1 {
		t.Fatalf("successes = %d, want exactly 1", successes.Load())
	}

	// Losers must not leave usable pairs behind: only the winner's pair exists.
	winner := <-winners
	if _, err := env.srv.VerifyAccessToken(context.Background(), winner.AccessToken); err != nil {
		t.Errorf("winner's access token does not verify: %v", err)
	}
	if env.store.(*memory.Store).Len() != 2 {
		t.Errorf("stored keys = %d, want 2 (winner's access and refresh)", env.store.(*memory.Store).Len())
	}
}

func TestRefreshAccessToken_LostClaimRetiresNewPair(t *testing.T) {
	base := memory.New()
	defer base.Stop()
	m := mock.NewMockProvider(base)
	env := newTestEnvWithStore(t, m, nil)
	pair := env.issue(t, "tools:read")

	m.CompareAndSetUsedFunc = func(ctx context.Context, key string) (bool, error) {
		if strings.HasPrefix(key, "refresh:") {
			return false, nil
		}
		return base.CompareAndSetUsed(ctx, key)
	}

	_, err := env.srv.RefreshAccessToken(context.Background(), refreshRequest(pair.RefreshToken, ""))
	assertErrorCode(t, err, ErrorCodeInvalidGrant)

	// The original pair is untouched and nothing else was left behind.
	if base.Len() != 2 {
		t.Errorf("stored keys = %d, want 2", base.Len())
	}
	if !env.exists(t, kindAccess, pair.AccessToken) || !env.exists(t, kindRefresh, pair.RefreshToken) {
		t.Error("original pair was modified by a failed rotation")
	}
}

func TestRefreshAccessToken_CreateBeforeRetire(t *testing.T) {
	base := memory.New()
	defer base.Stop()
	m := mock.NewMockProvider(base)
	env := newTestEnvWithStore(t, m, nil)
	pair := env.issue(t, "tools:read")

	// Fail the new access token write: the old credentials must stay valid.
	m.SetFunc = func(ctx context.Context, key string, value []byte, ttl time.Duration) error {
		if strings.HasPrefix(key, "access:") {
			return errors.New("write failed")
		}
		return base.Set(ctx, key, value, ttl)
	}

	_, err := env.srv.RefreshAccessToken(context.Background(), refreshRequest(pair.RefreshToken, ""))
	assertErrorCode(t, err, ErrorCodeServerError)

	m.SetFunc = nil
	if _, err := env.srv.RefreshAccessToken(context.Background(), refreshRequest(pair.RefreshToken, "")); err != nil {
		t.Errorf("old refresh token unusable after failed rotation: %v", err)
	}
}
