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

func exchangeRequest(code, verifier string) *ExchangeRequest {
	return &ExchangeRequest{
		ClientID:     testutil.TestClientID,
		Code:         code,
		CodeVerifier: verifier,
		RedirectURI:  testutil.TestRedirectURI,
	}
}

func TestExchangeAuthorizationCode_Success(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	code, verifier := env.authorize(t, testutil.TestClientID, testutil.TestRedirectURI, "tools:read tools:call")

	pair, err := env.srv.ExchangeAuthorizationCode(ctx, exchangeRequest(code, verifier))
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	if pair.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want Bearer", pair.TokenType)
	}
	if pair.ExpiresIn != 3600 {
		t.Errorf("ExpiresIn = %d, want 3600", pair.ExpiresIn)
	}
	if pair.Scope() != "tools:read tools:call" {
		t.Errorf("Scope() = %q, want %q", pair.Scope(), "tools:read tools:call")
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" || pair.AccessToken == pair.RefreshToken {
		t.Errorf("tokens = %q / %q, want two distinct non-empty values", pair.AccessToken, pair.RefreshToken)
	}

	if env.exists(t, kindCode, code) {
		t.Error("consumed code still stored")
	}

	var at AccessToken
	raw, err := env.store.Get(ctx, "access:"+pair.AccessToken)
	if err != nil {
		t.Fatalf("access token not stored: %v", err)
	}
	if err := json.Unmarshal(raw, &at); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if at.RefreshToken != pair.RefreshToken {
		t.Error("access token is not linked to its refresh token")
	}
	if at.OriginCodeID != originCodeID(code) {
		t.Errorf("OriginCodeID = %q, want %q", at.OriginCodeID, originCodeID(code))
	}
	if strings.Contains(string(raw), code) {
		t.Error("access token record contains the authorization code")
	}

	var rt RefreshToken
	raw, err = env.store.Get(ctx, "refresh:"+pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh token not stored: %v", err)
	}
	if err := json.Unmarshal(raw, &rt); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(rt.AccessTokens) != 1 || rt.AccessTokens[0] != pair.AccessToken {
		t.Errorf("AccessTokens = %v, want [%s]", rt.AccessTokens, pair.AccessToken)
	}
	if rt.Generation != 1 || rt.FamilyID == "" || rt.FamilyID != at.FamilyID {
		t.Errorf("family = %q gen %d, want shared non-empty family at generation 1", rt.FamilyID, rt.Generation)
	}
	if got := rt.ExpiresAt.Sub(rt.IssuedAt); got != 24*time.Hour {
		t.Errorf("refresh lifetime = %v, want 24h", got)
	}

	if len(env.audit.OfType(security.EventTokenIssued)) != 1 {
		t.Error("token issuance not audited")
	}
	for _, e := range env.audit.Events() {
		b, _ := json.Marshal(e)
		for _, secret := range []string{code, verifier, pair.AccessToken, pair.RefreshToken} {
			if strings.Contains(string(b), secret) {
				t.Errorf("audit event %s contains a full credential", e.Type)
			}
		}
	}
}

func TestExchangeAuthorizationCode_Replay(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	code, verifier := env.authorize(t, testutil.TestClientID, testutil.TestRedirectURI, "tools:read")

	if _, err := env.srv.ExchangeAuthorizationCode(ctx, exchangeRequest(code, verifier)); err != nil {
		t.Fatalf("first exchange error = %v", err)
	}
	_, err := env.srv.ExchangeAuthorizationCode(ctx, exchangeRequest(code, verifier))
	assertErrorCode(t, err, ErrorCodeInvalidGrant)
}

func TestExchangeAuthorizationCode_ReplayOfUsedCode(t *testing.T) {
	// A code marked used but not yet deleted is rejected by the optimistic check.
	env := newTestEnv(t, nil)
	ctx := context.Background()
	code, verifier := env.authorize(t, testutil.TestClientID, testutil.TestRedirectURI, "tools:read")

	if ok, err := env.store.CompareAndSetUsed(ctx, "code:"+code); err != nil || !ok {
		t.Fatalf("CompareAndSetUsed() = %v, %v", ok, err)
	}

	_, err := env.srv.ExchangeAuthorizationCode(ctx, exchangeRequest(code, verifier))
	assertErrorCode(t, err, ErrorCodeInvalidGrant)
	if len(env.audit.OfType(security.EventAuthorizationCodeReuseDetected)) != 1 {
		t.Error("code reuse not audited")
	}
}

func TestExchangeAuthorizationCode_ConcurrentRedemption(t *testing.T) {
	env := newTestEnv(t, nil)
	code, verifier := env.authorize(t, testutil.TestClientID, testutil.TestRedirectURI, "tools:read")

	const workers = 50
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		grants    atomic.Int32
		start     = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.srv.ExchangeAuthorizationCode(context.Background(), exchangeRequest(code, verifier))
			switch {
			case err == nil:
				successes.Add(1)
			case IsErrorCode(err, ErrorCodeInvalidGrant):
				grants.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes.Load() != 1 {
		t.Errorf("successes = %d, want exactly 1", successes.Load())
	}
	if grants.Load() != workers-1 {
		t.Errorf("invalid_grant = %d, want %d", grants.Load(), workers-1)
	}
	if len(env.audit.OfType(security.EventTokenIssued)) != 1 {
		t.Errorf("token issued events = %d, want 1", len(env.audit.OfType(security.EventTokenIssued)))
	}
}

func TestExchangeAuthorizationCode_Failures(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(r *ExchangeRequest)
		wantCode  string
		wantEvent string
		// codeUsable reports whether the code should still redeem afterwards.
		codeUsable bool
	}{
		{
			name:       "unknown code",
			mutate:     func(r *ExchangeRequest) { r.Code = "does-not-exist" },
			wantCode:   ErrorCodeInvalidGrant,
			wantEvent:  security.EventAuthFailure,
			codeUsable: true,
		},
		{
			name:       "missing code",
			mutate:     func(r *ExchangeRequest) { r.Code = "" },
			wantCode:   ErrorCodeInvalidRequest,
			wantEvent:  security.EventAuthFailure,
			codeUsable: true,
		},
		{
			name:       "other client",
			mutate:     func(r *ExchangeRequest) { r.ClientID = testutil.OtherClientID },
			wantCode:   ErrorCodeInvalidGrant,
			wantEvent:  security.EventAuthFailure,
			codeUsable: true,
		},
		{
			name:       "missing verifier",
			mutate:     func(r *ExchangeRequest) { r.CodeVerifier = "" },
			wantCode:   ErrorCodeInvalidRequest,
			wantEvent:  security.EventPKCEValidationFailed,
			codeUsable: true,
		},
		{
			name:       "wrong verifier",
			mutate:     func(r *ExchangeRequest) { r.CodeVerifier = testutil.GenerateRandomString(32) },
			wantCode:   ErrorCodeInvalidGrant,
			wantEvent:  security.EventPKCEValidationFailed,
			codeUsable: true,
		},
		{
			name:       "redirect mismatch",
			mutate:     func(r *ExchangeRequest) { r.RedirectURI = "https://client.example.com/other" },
			wantCode:   ErrorCodeInvalidGrant,
			wantEvent:  security.EventAuthFailure,
			codeUsable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			ctx := context.Background()
			code, verifier := env.authorize(t, testutil.TestClientID, testutil.TestRedirectURI, "tools:read")

			req := exchangeRequest(code, verifier)
			tt.mutate(req)
			pair, err := env.srv.ExchangeAuthorizationCode(ctx, req)
			assertErrorCode(t, err, tt.wantCode)
			if pair != nil {
				t.Error("failed exchange returned tokens")
			}
			if len(env.audit.OfType(tt.wantEvent)) != 1 {
				t.Errorf("%s events = %d, want 1", tt.wantEvent, len(env.audit.OfType(tt.wantEvent)))
			}

			_, err = env.srv.ExchangeAuthorizationCode(ctx, exchangeRequest(code, verifier))
			if tt.codeUsable && err != nil {
				t.Errorf("code no longer redeemable after %s: %v", tt.name, err)
			}
			if !tt.codeUsable && err == nil {
				t.Errorf("code still redeemable after %s", tt.name)
			}
		})
	}
}

func TestExchangeAuthorizationCode_Expired(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	code, verifier := env.authorize(t, testutil.TestClientID, testutil.TestRedirectURI, "tools:read")

	env.clock.Advance(10*time.Minute + 6*time.Second)

	_, err := env.srv.ExchangeAuthorizationCode(ctx, exchangeRequest(code, verifier))
	assertErrorCode(t, err, ErrorCodeInvalidGrant)
	if env.exists(t, kindCode, code) {
		t.Error("expired code was not deleted")
	}
}

func TestExchangeAuthorizationCode_WithinClockSkew(t *testing.T) {
	env := newTestEnv(t, nil)
	code, verifier := env.authorize(t, testutil.TestClientID, testutil.TestRedirectURI, "tools:read")

	env.clock.Advance(10*time.Minute + 2*time.Second)

	if _, err := env.srv.ExchangeAuthorizationCode(context.Background(), exchangeRequest(code, verifier)); err != nil {
		t.Errorf("exchange within clock skew grace failed: %v", err)
	}
}

func TestExchangeAuthorizationCode_LostCompareAndSet(t *testing.T) {
	base := memory.New()
	defer base.Stop()
	m := mock.NewMockProvider(base)
	env := newTestEnvWithStore(t, m, nil)
	code, verifier := env.authorize(t, testutil.TestClientID, testutil.TestRedirectURI, "tools:read")

	m.CompareAndSetUsedFunc = func(context.Context, string) (bool, error) { return false, nil }

	_, err := env.srv.ExchangeAuthorizationCode(context.Background(), exchangeRequest(code, verifier))
	assertErrorCode(t, err, ErrorCodeInvalidGrant)
	if m.CallCount("Set") != 1 {
		t.Errorf("Set calls = %d, want 1 (the code only)", m.CallCount("Set"))
	}
	if len(env.audit.OfType(security.EventAuthorizationCodeReuseDetected)) != 1 {
		t.Error("lost race not audited as reuse")
	}
}

func TestExchangeAuthorizationCode_StorageFailureLeavesNoTokens(t *testing.T) {
	base := memory.New()
	defer base.Stop()
	m := mock.NewMockProvider(base)
	env := newTestEnvWithStore(t, m, nil)
	code, verifier := env.authorize(t, testutil.TestClientID, testutil.TestRedirectURI, "tools:read")

	m.SetFunc = func(ctx context.Context, key string, value []byte, ttl time.Duration) error {
		if strings.HasPrefix(key, "access:") {
			return errors.New("disk full")
		}
		return base.Set(ctx, key, value, ttl)
	}

	_, err := env.srv.ExchangeAuthorizationCode(context.Background(), exchangeRequest(code, verifier))
	assertErrorCode(t, err, ErrorCodeServerError)

	// Only the consumed code remains; the refresh mapping written first was removed.
	if base.Len() != 1 {
		t.Errorf("stored keys = %d, want 1", base.Len())
	}
	if len(env.audit.OfType(security.EventStorageFailure)) != 1 {
		t.Error("storage failure not audited")
	}
}

func TestExchangeAuthorizationCode_LoadFailure(t *testing.T) {
	base := memory.New()
	defer base.Stop()
	m := mock.NewMockProvider(base)
	env := newTestEnvWithStore(t, m, nil)
	code, verifier := env.authorize(t, testutil.TestClientID, testutil.TestRedirectURI, "tools:read")

	m.GetFunc = func(context.Context, string) ([]byte, error) { return nil, errors.New("timeout") }

	_, err := env.srv.ExchangeAuthorizationCode(context.Background(), exchangeRequest(code, verifier))
	assertErrorCode(t, err, ErrorCodeServerError)
	if strings.Contains(err.Error(), "timeout") {
		t.Error("internal error leaked into the OAuth error")
	}
}
