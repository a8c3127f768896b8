package server

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/mcp-authz/instrumentation"
	"github.com/giantswarm/mcp-authz/internal/util"
	"github.com/giantswarm/mcp-authz/pkce"
	"github.com/giantswarm/mcp-authz/security"
)

// AuthorizationState is the lifecycle state of an authorization request and
// the code it produces.
type AuthorizationState string

// Authorization states. Requested, validated and issued are reached by
// Authorize; redeemed and expired are reached by ExchangeAuthorizationCode.
const (
	StateRequested AuthorizationState = "requested"
	StateValidated AuthorizationState = "validated"
	StateIssued    AuthorizationState = "issued"
	StateRedeemed  AuthorizationState = "redeemed"
	StateExpired   AuthorizationState = "expired"
	StateDenied    AuthorizationState = "denied"
)

// ResponseTypeCode is the only supported response_type.
const ResponseTypeCode = "code"

// AuthorizationRequest carries the query parameters of an authorization request.
type AuthorizationRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	State               string

	// ClientIP is used for audit only.
	ClientIP string
}

// AuthorizationResult describes how an authorization request ended.
type AuthorizationResult struct {
	State AuthorizationState

	// Code and RedirectURL are set when State is StateIssued. RedirectURL is
	// the registered redirect URI with code and state appended.
	Code        string
	RedirectURL string

	Scopes    []string
	ExpiresAt time.Time
}

// Authorize validates an authorization request and, if it passes, mints and
// stores a single-use authorization code.
//
// Until the redirect URI has been matched exactly against the client's
// registration, errors are returned with Redirectable=false and must be shown
// to the user agent directly. Every later error is Redirectable and should be
// sent to the redirect URI with ErrorRedirectURL.
func (s *Server) Authorize(ctx context.Context, req *AuthorizationRequest) (*AuthorizationResult, error) {
	ctx, span := s.tracer.Start(ctx, "server.authorize")
	defer span.End()
	instrumentation.AddClientAttributes(span, req.ClientID, req.Scope)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrResponseType, req.ResponseType))

	result := &AuthorizationResult{State: StateRequested}

	fail := func(e *Error, event string) (*AuthorizationResult, error) {
		result.State = StateDenied
		s.Audit(ctx, security.Event{
			Type:      event,
			Result:    security.ResultFailure,
			ClientID:  req.ClientID,
			IPAddress: req.ClientIP,
			Details: map[string]any{
				"error":        e.Code,
				"reason":       e.Description,
				"redirectable": e.Redirectable,
			},
		})
		s.metrics.RecordAuthorization(ctx, req.ClientID, e.Code)
		instrumentation.AddErrorCode(span, e.Code)
		return result, e
	}

	// Pre-trust checks: nothing below may redirect until the URI is proven.
	if req.ClientID == "" {
		return fail(ErrInvalidRequest("client_id is required"), security.EventAuthorizationDenied)
	}
	client, ok := s.registry.Get(req.ClientID)
	if !ok {
		return fail(NewError(ErrorCodeInvalidClient, "unknown client", http.StatusBadRequest), security.EventAuthorizationDenied)
	}
	if req.RedirectURI == "" {
		return fail(ErrInvalidRequest("redirect_uri is required"), security.EventInvalidRedirect)
	}
	if !s.registry.IsRedirectAllowed(req.ClientID, req.RedirectURI) {
		s.Logger.Warn("Authorization request with unregistered redirect URI",
			"client_id", req.ClientID,
			"redirect_uri", util.SafeTruncate(req.RedirectURI, 256))
		return fail(ErrInvalidRequest("redirect_uri is not registered for this client"), security.EventInvalidRedirect)
	}

	// The redirect URI is trusted from here on.
	if req.ResponseType != ResponseTypeCode {
		return fail(redirectable(ErrUnsupportedResponseType("response_type must be code")), security.EventAuthorizationDenied)
	}
	if s.Config.RequireState && req.State == "" {
		return fail(redirectable(ErrInvalidRequest("state is required")), security.EventAuthorizationDenied)
	}
	if req.CodeChallenge == "" {
		return fail(redirectable(ErrInvalidRequest("code_challenge is required")), security.EventAuthorizationDenied)
	}
	if err := pkce.ValidateChallenge(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		return fail(redirectable(ErrInvalidRequest(err.Error())), security.EventAuthorizationDenied)
	}

	scopes := util.ParseScope(req.Scope)
	if len(scopes) == 0 {
		scopes = client.Scopes
	} else if !s.registry.AreScopesAllowed(req.ClientID, scopes) {
		return fail(redirectable(ErrInvalidScope("requested scope exceeds the scopes registered for this client")), security.EventAuthorizationDenied)
	}
	result.State = StateValidated
	result.Scopes = scopes

	now := s.now()
	code := &AuthorizationCode{
		Code:                generateRandomToken(),
		ClientID:            req.ClientID,
		Scopes:              scopes,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		IssuedAt:            now,
		ExpiresAt:           now.Add(s.Config.codeTTL()),
	}
	if err := s.saveRecord(ctx, kindCode, code.Code, code, code.ExpiresAt); err != nil {
		s.auditStorageFailure(ctx, req.ClientID, req.ClientIP, "save_authorization_code", err)
		return fail(redirectable(ErrServerError("failed to issue authorization code")), security.EventAuthorizationDenied)
	}

	result.State = StateIssued
	result.Code = code.Code
	result.ExpiresAt = code.ExpiresAt
	result.RedirectURL = RedirectURL(req.RedirectURI, url.Values{
		"code":  {code.Code},
		"state": optional(req.State),
	})

	s.Logger.Info("Issued authorization code",
		"client_id", req.ClientID,
		"scope", util.JoinScopes(scopes),
		"code_prefix", security.Redact(code.Code))
	s.Audit(ctx, security.Event{
		Type:      security.EventAuthorizationCodeIssued,
		Result:    security.ResultSuccess,
		ClientID:  req.ClientID,
		IPAddress: req.ClientIP,
		Details: map[string]any{
			"scope":       util.JoinScopes(scopes),
			"code_prefix": security.Redact(code.Code),
			"expires_at":  code.ExpiresAt,
		},
	})
	s.metrics.RecordAuthorization(ctx, req.ClientID, "")
	instrumentation.SetSpanSuccess(span)

	return result, nil
}

// ErrorRedirectURL builds the redirect carrying error, error_description and
// state. Only use it for errors with Redirectable set.
func ErrorRedirectURL(redirectURI string, e *Error, state string) string {
	return RedirectURL(redirectURI, url.Values{
		"error":             {e.Code},
		"error_description": optional(e.Description),
		"state":             optional(state),
	})
}

// RedirectURL appends params to base, keeping any query the registered URI
// already has. Empty values are dropped.
func RedirectURL(base string, params url.Values) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			if v != "" {
				q.Add(k, v)
			}
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func optional(v string) []string {
	if v == "" {
		return nil
	}
	return []string{v}
}
