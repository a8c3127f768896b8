package server

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/mcp-authz/instrumentation"
	"github.com/giantswarm/mcp-authz/internal/util"
	"github.com/giantswarm/mcp-authz/pkce"
	"github.com/giantswarm/mcp-authz/security"
	"github.com/giantswarm/mcp-authz/storage"
)

// Grant types accepted at the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"

	// TokenTypeBearer is the token_type of every issued access token.
	TokenTypeBearer = "Bearer"
)

// ExchangeRequest is an authorization_code grant from an authenticated client.
type ExchangeRequest struct {
	ClientID     string
	Code         string
	CodeVerifier string
	RedirectURI  string
	ClientIP     string
}

// TokenPair is the result of a successful grant.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64
	ExpiresAt    time.Time
	Scopes       []string
}

// Scope returns the granted scopes as a space-delimited string.
func (p *TokenPair) Scope() string {
	return util.JoinScopes(p.Scopes)
}

// ExchangeAuthorizationCode redeems an authorization code for a token pair.
//
// The caller must have authenticated req.ClientID. Checks run in a fixed order
// and every failure is audited before it is returned. Single use is enforced by
// Provider.CompareAndSetUsed, so of any number of concurrent redemptions of one
// code exactly one succeeds. No token is stored unless every check passed.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, req *ExchangeRequest) (*TokenPair, error) {
	ctx, span := s.tracer.Start(ctx, "server.exchange_authorization_code")
	defer span.End()
	instrumentation.AddClientAttributes(span, req.ClientID, "")
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrGrantType, GrantTypeAuthorizationCode),
		attribute.String(instrumentation.AttrPKCEMethod, pkce.MethodS256))

	fail := func(e *Error, event, reason string, details map[string]any) (*TokenPair, error) {
		if details == nil {
			details = map[string]any{}
		}
		details["error"] = e.Code
		details["reason"] = reason
		details["code_prefix"] = security.Redact(req.Code)
		s.Audit(ctx, security.Event{
			Type:      event,
			Result:    security.ResultFailure,
			ClientID:  req.ClientID,
			IPAddress: req.ClientIP,
			Details:   details,
		})
		s.Logger.Debug("Authorization code exchange failed",
			"client_id", req.ClientID,
			"reason", reason,
			"code_prefix", security.Redact(req.Code))
		s.metrics.RecordCodeExchange(ctx, req.ClientID, e.Code)
		instrumentation.AddErrorCode(span, e.Code)
		return nil, e
	}

	if req.Code == "" {
		return fail(ErrInvalidRequest("code is required"), security.EventAuthFailure, "missing_code", nil)
	}

	// 1. The code must exist.
	var code AuthorizationCode
	if err := s.loadRecord(ctx, kindCode, req.Code, &code); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fail(ErrInvalidGrant("authorization code is invalid or expired"), security.EventAuthFailure, "code_not_found", nil)
		}
		s.auditStorageFailure(ctx, req.ClientID, req.ClientIP, "load_authorization_code", err)
		return fail(ErrServerError("failed to load authorization code"), security.EventAuthFailure, "storage_error", nil)
	}

	// 2. It must belong to the caller.
	if code.ClientID != req.ClientID {
		return fail(ErrInvalidGrant("authorization code is invalid or expired"), security.EventAuthFailure, "client_mismatch", nil)
	}

	// 3. It must not have expired.
	if s.isExpired(code.ExpiresAt) {
		s.deleteRecordQuietly(ctx, kindCode, req.Code)
		return fail(ErrInvalidGrant("authorization code is invalid or expired"), security.EventAuthFailure, "code_expired",
			map[string]any{"state": string(StateExpired)})
	}

	// 4. Optimistic used check. Step 6 is the authoritative one.
	if code.Used {
		s.metrics.RecordCodeReuseDetected(ctx)
		span.SetAttributes(attribute.Bool(instrumentation.AttrCodeReuse, true))
		s.Logger.Warn("Authorization code reuse detected",
			"client_id", req.ClientID,
			"code_prefix", security.Redact(req.Code))
		return fail(ErrInvalidGrant("authorization code has already been used"), security.EventAuthorizationCodeReuseDetected, "code_already_used", nil)
	}

	// 5. PKCE. A missing verifier is a malformed request, a wrong one a bad grant.
	if req.CodeVerifier == "" {
		return fail(ErrInvalidRequest("code_verifier is required"), security.EventPKCEValidationFailed, "missing_code_verifier", nil)
	}
	if !pkce.Validate(req.CodeVerifier, code.CodeChallenge) {
		s.metrics.RecordPKCEValidationFailed(ctx, code.CodeChallengeMethod)
		return fail(ErrInvalidGrant("code_verifier does not match code_challenge"), security.EventPKCEValidationFailed, "pkce_mismatch", nil)
	}

	// 6. Atomic consume.
	swapped, err := s.claimRecord(ctx, kindCode, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fail(ErrInvalidGrant("authorization code is invalid or expired"), security.EventAuthFailure, "code_not_found", nil)
		}
		s.auditStorageFailure(ctx, req.ClientID, req.ClientIP, "consume_authorization_code", err)
		return fail(ErrServerError("failed to consume authorization code"), security.EventAuthFailure, "storage_error", nil)
	}
	if !swapped {
		s.metrics.RecordCodeReuseDetected(ctx)
		span.SetAttributes(attribute.Bool(instrumentation.AttrCodeReuse, true))
		s.Logger.Warn("Lost race redeeming authorization code",
			"client_id", req.ClientID,
			"code_prefix", security.Redact(req.Code))
		return fail(ErrInvalidGrant("authorization code has already been used"), security.EventAuthorizationCodeReuseDetected, "code_consumed_concurrently", nil)
	}

	// 7. The redirect URI must be the one the code was issued for.
	if req.RedirectURI != code.RedirectURI {
		return fail(ErrInvalidGrant("redirect_uri does not match the authorization request"), security.EventAuthFailure, "redirect_uri_mismatch", nil)
	}

	// 8. Mint and persist the pair, then retire the code.
	lineage := originCodeID(req.Code)
	pair, err := s.issueTokenPair(ctx, req.ClientID, code.Scopes, lineage, generateRandomToken(), 1)
	if err != nil {
		s.auditStorageFailure(ctx, req.ClientID, req.ClientIP, "save_token_pair", err)
		return fail(ErrServerError("failed to issue tokens"), security.EventAuthFailure, "storage_error", nil)
	}
	s.deleteRecordQuietly(ctx, kindCode, req.Code)

	s.Logger.Info("Exchanged authorization code for tokens",
		"client_id", req.ClientID,
		"scope", pair.Scope(),
		"origin_code_id", lineage)
	s.Audit(ctx, security.Event{
		Type:      security.EventTokenIssued,
		Result:    security.ResultSuccess,
		ClientID:  req.ClientID,
		IPAddress: req.ClientIP,
		Details: map[string]any{
			"scope":          pair.Scope(),
			"state":          string(StateRedeemed),
			"origin_code_id": lineage,
			"token_prefix":   security.Redact(pair.AccessToken),
		},
	})
	s.metrics.RecordCodeExchange(ctx, req.ClientID, "")
	instrumentation.SetSpanSuccess(span)

	return pair, nil
}

// issueTokenPair mints an access token and refresh token and stores the
// refresh mapping first, then the access token. If the second write fails the
// first is removed, so a failed issue leaves nothing redeemable behind.
func (s *Server) issueTokenPair(ctx context.Context, clientID string, scopes []string, lineage, familyID string, generation int) (*TokenPair, error) {
	now := s.now()
	accessValue := generateRandomToken()
	refreshValue := generateRandomToken()

	refresh := &RefreshToken{
		Token:        refreshValue,
		AccessTokens: []string{accessValue},
		ClientID:     clientID,
		Scopes:       scopes,
		IssuedAt:     now,
		ExpiresAt:    now.Add(s.Config.refreshTTL()),
		OriginCodeID: lineage,
		FamilyID:     familyID,
		Generation:   generation,
	}
	access := &AccessToken{
		Token:        accessValue,
		ClientID:     clientID,
		Scopes:       scopes,
		IssuedAt:     now,
		ExpiresAt:    now.Add(s.Config.accessTTL()),
		RefreshToken: refreshValue,
		OriginCodeID: lineage,
		FamilyID:     familyID,
	}

	if err := s.saveRecord(ctx, kindRefresh, refreshValue, refresh, refresh.ExpiresAt); err != nil {
		return nil, err
	}
	if err := s.saveRecord(ctx, kindAccess, accessValue, access, access.ExpiresAt); err != nil {
		s.deleteRecordQuietly(ctx, kindRefresh, refreshValue)
		return nil, err
	}

	return &TokenPair{
		AccessToken:  accessValue,
		RefreshToken: refreshValue,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    s.Config.AccessTokenTTL,
		ExpiresAt:    access.ExpiresAt,
		Scopes:       scopes,
	}, nil
}

// retireTokenPair deletes a pair minted by issueTokenPair that must not be
// handed out after all.
func (s *Server) retireTokenPair(ctx context.Context, pair *TokenPair) {
	s.deleteRecordQuietly(ctx, kindAccess, pair.AccessToken)
	s.deleteRecordQuietly(ctx, kindRefresh, pair.RefreshToken)
}
