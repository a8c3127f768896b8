package server

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/mcp-authz/instrumentation"
	"github.com/giantswarm/mcp-authz/internal/util"
	"github.com/giantswarm/mcp-authz/security"
	"github.com/giantswarm/mcp-authz/storage"
)

// RefreshRequest is a refresh_token grant from an authenticated client.
// Scope may narrow the grant but never widen it.
type RefreshRequest struct {
	ClientID     string
	RefreshToken string
	Scope        string
	ClientIP     string
}

// RefreshAccessToken rotates a refresh token.
//
// Rotation is create-then-retire: the new pair is stored before the old
// refresh mapping and access token are deleted, so a failure part way leaves
// the old credentials usable instead of locking the client out. The old
// mapping is claimed with CompareAndSetUsed between the two steps, which makes
// exactly one of several concurrent refreshes of the same token succeed.
func (s *Server) RefreshAccessToken(ctx context.Context, req *RefreshRequest) (*TokenPair, error) {
	ctx, span := s.tracer.Start(ctx, "server.refresh_access_token")
	defer span.End()
	instrumentation.AddClientAttributes(span, req.ClientID, req.Scope)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, GrantTypeRefreshToken))

	fail := func(e *Error, event, reason string) (*TokenPair, error) {
		s.Audit(ctx, security.Event{
			Type:      event,
			Result:    security.ResultFailure,
			ClientID:  req.ClientID,
			IPAddress: req.ClientIP,
			Details: map[string]any{
				"error":        e.Code,
				"reason":       reason,
				"token_prefix": security.Redact(req.RefreshToken),
				"scope":        req.Scope,
			},
		})
		s.Logger.Debug("Refresh token grant failed",
			"client_id", req.ClientID,
			"reason", reason,
			"token_prefix", security.Redact(req.RefreshToken))
		s.metrics.RecordTokenRefresh(ctx, req.ClientID, e.Code)
		instrumentation.AddErrorCode(span, e.Code)
		return nil, e
	}

	if req.RefreshToken == "" {
		return fail(ErrInvalidRequest("refresh_token is required"), security.EventAuthFailure, "missing_refresh_token")
	}

	// 1. Resolve the mapping.
	var old RefreshToken
	if err := s.loadRecord(ctx, kindRefresh, req.RefreshToken, &old); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fail(ErrInvalidGrant("refresh token is invalid or expired"), security.EventAuthFailure, "refresh_token_not_found")
		}
		s.auditStorageFailure(ctx, req.ClientID, req.ClientIP, "load_refresh_token", err)
		return fail(ErrServerError("failed to load refresh token"), security.EventAuthFailure, "storage_error")
	}
	instrumentation.AddTokenFamilyAttributes(span, old.FamilyID, old.Generation)

	if old.Used {
		return fail(ErrInvalidGrant("refresh token has already been used"), security.EventAuthFailure, "refresh_token_rotated")
	}

	// 2. Cross-check the linked access token when it is still around. It
	// usually expires long before the refresh token, so absence is expected.
	for _, linked := range old.AccessTokens {
		var at AccessToken
		err := s.loadRecord(ctx, kindAccess, linked, &at)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			continue
		case err != nil:
			s.auditStorageFailure(ctx, req.ClientID, req.ClientIP, "load_access_token", err)
			return fail(ErrServerError("failed to load access token"), security.EventAuthFailure, "storage_error")
		case at.ClientID != old.ClientID || at.RefreshToken != req.RefreshToken:
			return fail(ErrInvalidGrant("refresh token is invalid or expired"), security.EventAuthFailure, "inconsistent_token_linkage")
		}
	}

	// 3. Ownership and expiry.
	if old.ClientID != req.ClientID {
		return fail(ErrInvalidGrant("refresh token is invalid or expired"), security.EventAuthFailure, "client_mismatch")
	}
	if s.isExpired(old.ExpiresAt) {
		s.deleteRecordQuietly(ctx, kindRefresh, req.RefreshToken)
		return fail(ErrInvalidGrant("refresh token is invalid or expired"), security.EventAuthFailure, "refresh_token_expired")
	}

	// 4. Scope may only narrow.
	scopes := util.ParseScope(req.Scope)
	if len(scopes) == 0 {
		scopes = old.Scopes
	} else if !util.ScopesSubset(scopes, old.Scopes) {
		s.metrics.RecordScopeEscalation(ctx, req.ClientID)
		s.Logger.Warn("Refresh requested scopes beyond the original grant",
			"client_id", req.ClientID,
			"requested", req.Scope,
			"granted", util.JoinScopes(old.Scopes))
		return fail(ErrInvalidScope("requested scope exceeds the original grant"), security.EventScopeEscalationAttempt, "scope_escalation")
	}

	// 5. Create.
	pair, err := s.issueTokenPair(ctx, req.ClientID, scopes, old.OriginCodeID, old.FamilyID, old.Generation+1)
	if err != nil {
		s.auditStorageFailure(ctx, req.ClientID, req.ClientIP, "save_token_pair", err)
		return fail(ErrServerError("failed to issue tokens"), security.EventAuthFailure, "storage_error")
	}

	// Claim the old mapping. Losing the claim means another refresh of the
	// same token already won; the pair minted above must never be used.
	claimed, err := s.claimRecord(ctx, kindRefresh, req.RefreshToken)
	if err != nil || !claimed {
		s.retireTokenPair(ctx, pair)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.auditStorageFailure(ctx, req.ClientID, req.ClientIP, "claim_refresh_token", err)
			return fail(ErrServerError("failed to rotate refresh token"), security.EventAuthFailure, "storage_error")
		}
		return fail(ErrInvalidGrant("refresh token has already been used"), security.EventAuthFailure, "refresh_token_rotated_concurrently")
	}

	// Retire.
	s.deleteRecordQuietly(ctx, kindRefresh, req.RefreshToken)
	for _, linked := range old.AccessTokens {
		s.deleteRecordQuietly(ctx, kindAccess, linked)
	}

	s.Logger.Info("Refresh token rotated",
		"client_id", req.ClientID,
		"scope", pair.Scope(),
		"family_id", security.Redact(old.FamilyID),
		"generation", old.Generation+1)
	s.Audit(ctx, security.Event{
		Type:      security.EventTokenRefreshed,
		Result:    security.ResultSuccess,
		ClientID:  req.ClientID,
		IPAddress: req.ClientIP,
		Details: map[string]any{
			"scope":          pair.Scope(),
			"family_id":      old.FamilyID,
			"generation":     old.Generation + 1,
			"origin_code_id": old.OriginCodeID,
			"token_prefix":   security.Redact(pair.AccessToken),
		},
	})
	s.metrics.RecordTokenRefresh(ctx, req.ClientID, "")
	instrumentation.SetSpanSuccess(span)

	return pair, nil
}
