package server

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/giantswarm/mcp-authz/internal/testutil"
	"github.com/giantswarm/mcp-authz/security"
	"github.com/giantswarm/mcp-authz/storage"
	"github.com/giantswarm/mcp-authz/storage/memory"
	"github.com/giantswarm/mcp-authz/storage/mock"
)

type testEnv struct {
	srv   *Server
	store storage.Provider
	audit *security.RecordingAuditSink
	clock *testutil.MockTime
}

func newTestEnv(t *testing.T, cfg *Config) *testEnv {
	t.Helper()
	store := memory.New()
	t.Cleanup(store.Stop)
	return newTestEnvWithStore(t, store, cfg)
}

func newTestEnvWithStore(t *testing.T, store storage.Provider, cfg *Config) *testEnv {
	t.Helper()
	audit := &security.RecordingAuditSink{}
	srv, err := New(testutil.NewTestRegistry(t), store, audit, cfg, slog.Default())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	clock := testutil.NewMockTime(time.Now())
	srv.now = clock.Now
	return &testEnv{srv: srv, store: store, audit: audit, clock: clock}
}

// authorize runs a successful authorization request and returns the code and
// the matching verifier.
func (e *testEnv) authorize(t *testing.T, clientID, redirectURI, scope string) (code, verifier string) {
	t.Helper()
	verifier, challenge := testutil.GeneratePKCEPair()
	res, err := e.srv.Authorize(context.Background(), &AuthorizationRequest{
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		ResponseType:        ResponseTypeCode,
		Scope:               scope,
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		State:               "xyz",
	})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	return res.Code, verifier
}

// issue runs authorize plus exchange for the test client.
func (e *testEnv) issue(t *testing.T, scope string) *TokenPair {
	t.Helper()
	code, verifier := e.authorize(t, testutil.TestClientID, testutil.TestRedirectURI, scope)
	pair, err := e.srv.ExchangeAuthorizationCode(context.Background(), &ExchangeRequest{
		ClientID:     testutil.TestClientID,
		Code:         code,
		CodeVerifier: verifier,
		RedirectURI:  testutil.TestRedirectURI,
	})
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}
	return pair
}

func (e *testEnv) exists(t *testing.T, kind, token string) bool {
	t.Helper()
	_, err := e.store.Get(context.Background(), storageKey(kind, token))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get() error = %v", err)
	}
	return err == nil
}

func assertErrorCode(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("error = nil, want %s", want)
	}
	if !IsErrorCode(err, want) {
		t.Fatalf("error = %v, want code %s", err, want)
	}
}

func TestNew(t *testing.T) {
	store := memory.New()
	defer store.Stop()
	reg := testutil.NewTestRegistry(t)

	srv, err := New(reg, store, nil, &Config{Issuer: "https://auth.example.com"}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if srv.Config.Issuer != "https://auth.example.com" {
		t.Errorf("Issuer = %q, want %q", srv.Config.Issuer, "https://auth.example.com")
	}
	if srv.Logger == nil {
		t.Error("Logger should not be nil")
	}
	if _, ok := srv.auditor.(*security.Auditor); !ok {
		t.Errorf("auditor = %T, want *security.Auditor when nil is passed", srv.auditor)
	}
	if srv.Registry() != reg {
		t.Error("Registry() should return the registry passed to New")
	}
}

func TestNew_MissingDependencies(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	if _, err := New(nil, store, nil, nil, nil); err == nil {
		t.Error("New() with nil registry should return error")
	}
	if _, err := New(testutil.NewTestRegistry(t), nil, nil, nil, nil); err == nil {
		t.Error("New() with nil store should return error")
	}
}

func TestApplySecureDefaults(t *testing.T) {
	cfg := applySecureDefaults(&Config{}, slog.Default())

	if cfg.AuthorizationCodeTTL != 600 {
		t.Errorf("AuthorizationCodeTTL = %d, want 600", cfg.AuthorizationCodeTTL)
	}
	if cfg.AccessTokenTTL != 3600 {
		t.Errorf("AccessTokenTTL = %d, want 3600", cfg.AccessTokenTTL)
	}
	if cfg.RefreshTokenTTL != 86400 {
		t.Errorf("RefreshTokenTTL = %d, want 86400", cfg.RefreshTokenTTL)
	}
	if cfg.StorageTimeout != 3*time.Second {
		t.Errorf("StorageTimeout = %v, want 3s", cfg.StorageTimeout)
	}
	if cfg.ClockSkewGracePeriod != 5 {
		t.Errorf("ClockSkewGracePeriod = %d, want 5", cfg.ClockSkewGracePeriod)
	}
	if cfg.RequireState {
		t.Error("RequireState should default to false")
	}
	if cfg.TrustedProxyCount != 1 {
		t.Errorf("TrustedProxyCount = %d, want 1", cfg.TrustedProxyCount)
	}
}

func TestApplySecureDefaults_KeepsExplicitValues(t *testing.T) {
	cfg := applySecureDefaults(&Config{
		AuthorizationCodeTTL: 60,
		AccessTokenTTL:       120,
		RefreshTokenTTL:      240,
		StorageTimeout:       time.Second,
		RequireState:         true,
	}, slog.Default())

	if cfg.AuthorizationCodeTTL != 60 || cfg.AccessTokenTTL != 120 || cfg.RefreshTokenTTL != 240 {
		t.Errorf("TTLs overwritten: %+v", cfg)
	}
	if cfg.StorageTimeout != time.Second {
		t.Errorf("StorageTimeout = %v, want 1s", cfg.StorageTimeout)
	}
	if !cfg.RequireState {
		t.Error("RequireState overwritten")
	}
}

func TestServer_Ping(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.srv.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}

	// MockProvider has no Ping, so the sentinel Get is used.
	base := memory.New()
	defer base.Stop()
	m := mock.NewMockProvider(base)
	env = newTestEnvWithStore(t, m, nil)
	if err := env.srv.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v, want nil for a miss", err)
	}
	if m.CallCount("Get") != 1 {
		t.Errorf("Get calls = %d, want 1", m.CallCount("Get"))
	}

	m.GetFunc = func(context.Context, string) ([]byte, error) { return nil, errors.New("connection refused") }
	if err := env.srv.Ping(context.Background()); err == nil {
		t.Error("Ping() should fail when the backend fails")
	}
}

func TestServer_AuthenticateClient(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if !env.srv.AuthenticateClient(ctx, testutil.TestClientID, testutil.TestClientSecret) {
		t.Error("AuthenticateClient() = false for valid credentials")
	}
	if env.srv.AuthenticateClient(ctx, testutil.TestClientID, "wrong") {
		t.Error("AuthenticateClient() = true for wrong secret")
	}
	if env.srv.AuthenticateClient(ctx, "", "") {
		t.Error("AuthenticateClient() = true for empty credentials")
	}
}

func TestServer_StorageTimeoutApplied(t *testing.T) {
	base := memory.New()
	defer base.Stop()
	m := mock.NewMockProvider(base)

	var deadline time.Time
	m.GetFunc = func(ctx context.Context, key string) ([]byte, error) {
		deadline, _ = ctx.Deadline()
		return nil, storage.ErrNotFound
	}

	env := newTestEnvWithStore(t, m, &Config{StorageTimeout: 250 * time.Millisecond})
	_, _ = env.srv.VerifyAccessToken(context.Background(), "whatever")

	if deadline.IsZero() {
		t.Fatal("storage call ran without a deadline")
	}
	if remaining := time.Until(deadline); remaining > 250*time.Millisecond {
		t.Errorf("deadline %v away, want <= 250ms", remaining)
	}
}

func TestOriginCodeID(t *testing.T) {
	id := originCodeID("some-code")
	if len(id) != originCodeIDLength {
		t.Errorf("len = %d, want %d", len(id), originCodeIDLength)
	}
	if id != originCodeID("some-code") {
		t.Error("originCodeID is not deterministic")
	}
	if id == originCodeID("other-code") {
		t.Error("different codes produced the same id")
	}
}
