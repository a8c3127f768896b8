package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/mcp-authz/instrumentation"
	"github.com/giantswarm/mcp-authz/security"
	"github.com/giantswarm/mcp-authz/storage"
)

// Key kinds. A record's storage key is "{kind}:{token}".
const (
	kindCode    = "code"
	kindAccess  = "access"
	kindRefresh = "refresh"

	healthCheckKey = "healthz:probe"

	originCodeIDLength = 16
)

// AuthorizationCode is stored under code:{code} until it is redeemed or expires.
// Used flips from false to true at most once, through Provider.CompareAndSetUsed.
type AuthorizationCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	Scopes              []string  `json:"scopes"`
	RedirectURI         string    `json:"redirect_uri"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	IssuedAt            time.Time `json:"issued_at"`
	ExpiresAt           time.Time `json:"expires_at"`
	Used                bool      `json:"used"`
}

// AccessToken is stored under access:{token}.
type AccessToken struct {
	Token        string    `json:"token"`
	ClientID     string    `json:"client_id"`
	Scopes       []string  `json:"scopes"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshToken string    `json:"refresh_token,omitempty"`

	// OriginCodeID identifies the authorization code the lineage started from.
	// It is a hash prefix, never the code itself.
	OriginCodeID string `json:"origin_code_id"`
	FamilyID     string `json:"family_id"`
}

// RefreshToken is the refresh:{token} mapping. It carries the grant's client and
// scopes so it can be validated without its access token, which usually expires
// first.
type RefreshToken struct {
	Token string `json:"token"`

	// AccessTokens lists every access token minted together with this refresh
	// token. Rotation keeps it at exactly one.
	AccessTokens []string  `json:"access_tokens"`
	ClientID     string    `json:"client_id"`
	Scopes       []string  `json:"scopes"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	OriginCodeID string    `json:"origin_code_id"`
	FamilyID     string    `json:"family_id"`
	Generation   int       `json:"generation"`

	// Used is claimed with CompareAndSetUsed by the refresh that rotates this
	// token, so concurrent refreshes cannot both succeed.
	Used bool `json:"used"`
}

func storageKey(kind, token string) string {
	return kind + ":" + token
}

// originCodeID derives a stable, non-reversible identifier for a code.
func originCodeID(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])[:originCodeIDLength]
}

func (s *Server) storageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.Config.StorageTimeout)
}

func (s *Server) isExpired(expiresAt time.Time) bool {
	return security.IsExpired(s.now(), expiresAt, s.Config.clockSkew())
}

// observeStorage runs op under a span and the storage timeout, and records
// the outcome. ErrNotFound counts as a result, not an error.
func (s *Server) observeStorage(ctx context.Context, operation, kind string, op func(ctx context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	defer span.End()
	instrumentation.AddStorageAttributes(span, operation, kind)

	sctx, cancel := s.storageContext(ctx)
	defer cancel()

	start := time.Now()
	err := op(sctx)
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0

	result := instrumentation.ResultSuccess
	switch {
	case err == nil:
		instrumentation.SetSpanSuccess(span)
	case errors.Is(err, storage.ErrNotFound):
		result = "not_found"
	default:
		result = "error"
		instrumentation.RecordError(span, err)
	}
	s.metrics.RecordStorageOperation(ctx, operation, result, elapsed)

	return err
}

// loadRecord decodes the record stored for token into v. A missing key is
// returned as storage.ErrNotFound.
func (s *Server) loadRecord(ctx context.Context, kind, token string, v any) error {
	var data []byte
	err := s.observeStorage(ctx, "get", kind, func(ctx context.Context) error {
		var err error
		data, err = s.store.Get(ctx, storageKey(kind, token))
		return err
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("failed to load %s record: %w", kind, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s record: %w", kind, err)
	}
	return nil
}

// saveRecord stores v until expiresAt plus the clock skew grace, so the
// backend keeps the record for as long as isExpired may still accept it.
func (s *Server) saveRecord(ctx context.Context, kind, token string, v any, expiresAt time.Time) error {
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("refusing to store already expired %s record", kind)
	}
	ttl += s.Config.clockSkew()
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s record: %w", kind, err)
	}
	err = s.observeStorage(ctx, "set", kind, func(ctx context.Context) error {
		return s.store.Set(ctx, storageKey(kind, token), data, ttl)
	})
	if err != nil {
		return fmt.Errorf("failed to save %s record: %w", kind, err)
	}
	return nil
}

func (s *Server) deleteRecord(ctx context.Context, kind, token string) error {
	err := s.observeStorage(ctx, "delete", kind, func(ctx context.Context) error {
		return s.store.Delete(ctx, storageKey(kind, token))
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to delete %s record: %w", kind, err)
	}
	return nil
}

// deleteRecordQuietly is used on cleanup paths where the primary outcome is
// already decided. Failures are logged and left to the backend TTL.
func (s *Server) deleteRecordQuietly(ctx context.Context, kind, token string) {
	if err := s.deleteRecord(ctx, kind, token); err != nil {
		s.Logger.Warn("Failed to delete record, leaving it to expire",
			"kind", kind,
			"token_prefix", security.Redact(token),
			"error", err)
	}
}

// claimRecord flips the record's used flag. It returns true only for the
// single caller that performed the transition.
func (s *Server) claimRecord(ctx context.Context, kind, token string) (bool, error) {
	var swapped bool
	err := s.observeStorage(ctx, "compare_and_set_used", kind, func(ctx context.Context) error {
		var err error
		swapped, err = s.store.CompareAndSetUsed(ctx, storageKey(kind, token))
		return err
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, storage.ErrNotFound
		}
		return false, fmt.Errorf("failed to claim %s record: %w", kind, err)
	}
	return swapped, nil
}

// auditStorageFailure records a backend failure without leaking the token.
func (s *Server) auditStorageFailure(ctx context.Context, clientID, clientIP, operation string, err error) {
	s.Logger.Error("Storage operation failed",
		"operation", operation,
		"client_id", clientID,
		"error", err)
	s.Audit(ctx, security.Event{
		Type:      security.EventStorageFailure,
		Result:    security.ResultFailure,
		ClientID:  clientID,
		IPAddress: clientIP,
		Details: map[string]any{
			"operation": operation,
		},
	})
}
