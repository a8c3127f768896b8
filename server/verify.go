package server

import (
	"context"
	"errors"
	"time"

	"github.com/giantswarm/mcp-authz/instrumentation"
	"github.com/giantswarm/mcp-authz/internal/util"
	"github.com/giantswarm/mcp-authz/security"
	"github.com/giantswarm/mcp-authz/storage"
)

// TokenInfo is the verified identity and scope bundle of an access token.
// Mapping scopes to permissions is left to the caller.
type TokenInfo struct {
	ClientID  string
	Scopes    []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// HasScopes reports whether the token carries every required scope.
func (t *TokenInfo) HasScopes(required ...string) bool {
	return util.ScopesSubset(required, t.Scopes)
}

// MissingScopes returns the required scopes the token does not carry.
func (t *TokenInfo) MissingScopes(required ...string) []string {
	var missing []string
	for _, r := range required {
		if !util.ScopesSubset([]string{r}, t.Scopes) {
			missing = append(missing, r)
		}
	}
	return missing
}

// VerifyAccessToken resolves a bearer token. Missing and expired tokens are
// rejected identically with invalid_grant; expired ones are deleted on sight.
func (s *Server) VerifyAccessToken(ctx context.Context, token string) (*TokenInfo, error) {
	ctx, span := s.tracer.Start(ctx, "server.verify_access_token")
	defer span.End()

	reject := func(e *Error, reason string) (*TokenInfo, error) {
		s.Audit(ctx, security.Event{
			Type:   security.EventTokenRejected,
			Result: security.ResultFailure,
			Details: map[string]any{
				"reason":       reason,
				"token_prefix": security.Redact(token),
			},
		})
		s.metrics.RecordTokenVerification(ctx, e.Code)
		instrumentation.AddErrorCode(span, e.Code)
		return nil, e
	}

	if token == "" {
		return reject(ErrInvalidGrant("access token is invalid or expired"), "missing_token")
	}

	var at AccessToken
	if err := s.loadRecord(ctx, kindAccess, token, &at); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return reject(ErrInvalidGrant("access token is invalid or expired"), "token_not_found")
		}
		s.auditStorageFailure(ctx, "", "", "verify_access_token", err)
		return reject(ErrServerError("failed to verify access token"), "storage_error")
	}
	if s.isExpired(at.ExpiresAt) {
		s.deleteRecordQuietly(ctx, kindAccess, token)
		return reject(ErrInvalidGrant("access token is invalid or expired"), "token_expired")
	}

	instrumentation.AddClientAttributes(span, at.ClientID, util.JoinScopes(at.Scopes))
	s.metrics.RecordTokenVerification(ctx, "")
	instrumentation.SetSpanSuccess(span)

	return &TokenInfo{
		ClientID:  at.ClientID,
		Scopes:    at.Scopes,
		IssuedAt:  at.IssuedAt,
		ExpiresAt: at.ExpiresAt,
	}, nil
}

// IntrospectionResponse is the RFC 7662 token introspection response.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	ClientID  string `json:"client_id,omitempty"`
	Scope     string `json:"scope,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
}

// Introspect describes a token to the client that owns it. Tokens that are
// unknown, expired or owned by another client are reported as inactive.
// Refresh tokens are introspectable as well; the hint only picks which
// table is probed first.
func (s *Server) Introspect(ctx context.Context, clientID, token, tokenTypeHint string) (*IntrospectionResponse, error) {
	ctx, span := s.tracer.Start(ctx, "server.introspect")
	defer span.End()
	instrumentation.AddClientAttributes(span, clientID, "")

	inactive := &IntrospectionResponse{Active: false}
	if token == "" {
		return inactive, nil
	}

	probes := []func(context.Context, string) (*IntrospectionResponse, error){
		s.introspectAccessToken, s.introspectRefreshToken,
	}
	if tokenTypeHint == TokenTypeHintRefreshToken {
		probes[0], probes[1] = probes[1], probes[0]
	}

	for _, probe := range probes {
		resp, err := probe(ctx, token)
		if err != nil {
			s.auditStorageFailure(ctx, clientID, "", "introspect", err)
			instrumentation.RecordError(span, err)
			return nil, ErrServerError("failed to introspect token")
		}
		if resp == nil {
			continue
		}
		if resp.ClientID != clientID {
			return inactive, nil
		}
		instrumentation.SetSpanSuccess(span)
		return resp, nil
	}
	return inactive, nil
}

func (s *Server) introspectAccessToken(ctx context.Context, token string) (*IntrospectionResponse, error) {
	var at AccessToken
	if err := s.loadRecord(ctx, kindAccess, token, &at); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if s.isExpired(at.ExpiresAt) {
		return nil, nil
	}
	return &IntrospectionResponse{
		Active:    true,
		ClientID:  at.ClientID,
		Scope:     util.JoinScopes(at.Scopes),
		TokenType: TokenTypeBearer,
		Exp:       at.ExpiresAt.Unix(),
		Iat:       at.IssuedAt.Unix(),
	}, nil
}

func (s *Server) introspectRefreshToken(ctx context.Context, token string) (*IntrospectionResponse, error) {
	var rt RefreshToken
	if err := s.loadRecord(ctx, kindRefresh, token, &rt); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if rt.Used || s.isExpired(rt.ExpiresAt) {
		return nil, nil
	}
	return &IntrospectionResponse{
		Active:    true,
		ClientID:  rt.ClientID,
		Scope:     util.JoinScopes(rt.Scopes),
		TokenType: TokenTypeHintRefreshToken,
		Exp:       rt.ExpiresAt.Unix(),
		Iat:       rt.IssuedAt.Unix(),
	}, nil
}
