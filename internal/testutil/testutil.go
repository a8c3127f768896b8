// Package testutil provides testing utilities and helpers for the mcp-authz module.
package testutil

import (
	"crypto/rand"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-authz/registry"
)

// Fixture values shared by the engine and handler tests.
const (
	TestClientID     = "test-client"
	TestClientSecret = "test-client-secret" //nolint:gosec // test fixture
	TestRedirectURI  = "https://client.example.com/callback"

	OtherClientID     = "other-client"
	OtherClientSecret = "other-client-secret" //nolint:gosec // test fixture
	OtherRedirectURI  = "https://other.example.com/callback"
)

// TestScopes is the scope set registered for TestClientID.
var TestScopes = []string{"tools:read", "tools:call", "tools:admin"}

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// GenerateRandomString generates a random hex string of the given byte length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return fmt.Sprintf("%x", b)
}

// GeneratePKCEPair returns a fresh S256 code verifier and its challenge.
func GeneratePKCEPair() (verifier, challenge string) {
	verifier = oauth2.GenerateVerifier()
	return verifier, oauth2.S256ChallengeFromVerifier(verifier)
}

// NewTestRegistry builds a registry holding TestClientID and OtherClientID.
// bcrypt.MinCost keeps the fixtures fast.
func NewTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()

	testHash, err := registry.HashSecretWithCost(TestClientSecret, registry.MinCost)
	if err != nil {
		t.Fatalf("HashSecretWithCost() error = %v", err)
	}
	otherHash, err := registry.HashSecretWithCost(OtherClientSecret, registry.MinCost)
	if err != nil {
		t.Fatalf("HashSecretWithCost() error = %v", err)
	}

	reg, err := registry.New(
		registry.Client{
			ID:           TestClientID,
			Name:         "Test Client",
			SecretHash:   testHash,
			RedirectURIs: []string{TestRedirectURI},
			Scopes:       TestScopes,
		},
		registry.Client{
			ID:           OtherClientID,
			SecretHash:   otherHash,
			RedirectURIs: []string{OtherRedirectURI},
			Scopes:       []string{"tools:read"},
		},
	)
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	return reg
}
