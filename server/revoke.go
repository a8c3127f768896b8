package server

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/mcp-authz/instrumentation"
	"github.com/giantswarm/mcp-authz/security"
	"github.com/giantswarm/mcp-authz/storage"
)

// Token type hints (RFC 7009 section 2.1)
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// RevocationRequest asks to revoke a token owned by an authenticated client.
type RevocationRequest struct {
	ClientID      string
	Token         string
	TokenTypeHint string
	ClientIP      string
}

type revokeOutcome int

const (
	revokeNoMatch revokeOutcome = iota
	revokeDone
	revokeFailed
)

// RevokeToken revokes an access token together with its refresh token, or a
// refresh token together with every access token it minted.
//
// The caller always gets success: tokens that do not exist, belong to another
// client, or could not be deleted because of a storage error produce no
// visible difference. The returned bool is true when something was revoked and
// is meant for tests and metrics, not for the HTTP response.
func (s *Server) RevokeToken(ctx context.Context, req *RevocationRequest) bool {
	ctx, span := s.tracer.Start(ctx, "server.revoke_token")
	defer span.End()
	instrumentation.AddClientAttributes(span, req.ClientID, "")
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrTokenTypeHint, req.TokenTypeHint))

	probes := []func(context.Context, *RevocationRequest) revokeOutcome{s.revokeAccessToken, s.revokeRefreshToken}
	if req.TokenTypeHint == TokenTypeHintRefreshToken {
		probes[0], probes[1] = probes[1], probes[0]
	}

	outcome := revokeNoMatch
	if req.Token != "" {
		for _, probe := range probes {
			if outcome = probe(ctx, req); outcome != revokeNoMatch {
				break
			}
		}
	}

	revoked := outcome == revokeDone
	s.metrics.RecordTokenRevocation(ctx, req.ClientID, revoked)
	instrumentation.SetSpanSuccess(span)

	if outcome == revokeNoMatch {
		// Unknown and foreign tokens are reported the same way.
		s.Audit(ctx, security.Event{
			Type:      security.EventTokenRevocationNoop,
			Result:    security.ResultWarning,
			ClientID:  req.ClientID,
			IPAddress: req.ClientIP,
			Details: map[string]any{
				"token_prefix":    security.Redact(req.Token),
				"token_type_hint": req.TokenTypeHint,
				"note":            "token not found or not owned by client",
			},
		})
	}
	return revoked
}

func (s *Server) revokeAccessToken(ctx context.Context, req *RevocationRequest) revokeOutcome {
	var at AccessToken
	if err := s.loadRecord(ctx, kindAccess, req.Token, &at); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return revokeNoMatch
		}
		s.auditStorageFailure(ctx, req.ClientID, req.ClientIP, "revoke_load_access_token", err)
		return revokeFailed
	}
	if at.ClientID != req.ClientID {
		return revokeNoMatch
	}

	if err := s.deleteRecord(ctx, kindAccess, at.Token); err != nil {
		s.auditStorageFailure(ctx, req.ClientID, req.ClientIP, "revoke_delete_access_token", err)
		return revokeFailed
	}
	deleted := []string{security.Redact(at.Token)}
	if at.RefreshToken != "" {
		if err := s.deleteRecord(ctx, kindRefresh, at.RefreshToken); err != nil {
			s.auditStorageFailure(ctx, req.ClientID, req.ClientIP, "revoke_delete_refresh_token", err)
			return revokeFailed
		}
		deleted = append(deleted, security.Redact(at.RefreshToken))
	}

	s.auditRevoked(ctx, req, TokenTypeHintAccessToken, at.FamilyID, deleted)
	return revokeDone
}

func (s *Server) revokeRefreshToken(ctx context.Context, req *RevocationRequest) revokeOutcome {
	var rt RefreshToken
	if err := s.loadRecord(ctx, kindRefresh, req.Token, &rt); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return revokeNoMatch
		}
		s.auditStorageFailure(ctx, req.ClientID, req.ClientIP, "revoke_load_refresh_token", err)
		return revokeFailed
	}
	if rt.ClientID != req.ClientID {
		return revokeNoMatch
	}

	// Delete the mapping first so the refresh token stops working even if an
	// access token delete fails below.
	if err := s.deleteRecord(ctx, kindRefresh, rt.Token); err != nil {
		s.auditStorageFailure(ctx, req.ClientID, req.ClientIP, "revoke_delete_refresh_token", err)
		return revokeFailed
	}
	deleted := []string{security.Redact(rt.Token)}
	outcome := revokeDone
	for _, linked := range rt.AccessTokens {
		if err := s.deleteRecord(ctx, kindAccess, linked); err != nil {
			s.auditStorageFailure(ctx, req.ClientID, req.ClientIP, "revoke_delete_access_token", err)
			outcome = revokeFailed
			continue
		}
		deleted = append(deleted, security.Redact(linked))
	}

	s.auditRevoked(ctx, req, TokenTypeHintRefreshToken, rt.FamilyID, deleted)
	return outcome
}

func (s *Server) auditRevoked(ctx context.Context, req *RevocationRequest, tokenType, familyID string, deleted []string) {
	s.Logger.Info("Token revoked",
		"client_id", req.ClientID,
		"token_type", tokenType,
		"deleted", len(deleted))
	s.Audit(ctx, security.Event{
		Type:      security.EventTokenRevoked,
		Result:    security.ResultSuccess,
		ClientID:  req.ClientID,
		IPAddress: req.ClientIP,
		Details: map[string]any{
			"token_type":      tokenType,
			"token_type_hint": req.TokenTypeHint,
			"family_id":       familyID,
			"deleted":         deleted,
		},
	})
}
