package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/mcp-authz/instrumentation"
	"github.com/giantswarm/mcp-authz/internal/util"
	"github.com/giantswarm/mcp-authz/pkce"
	"github.com/giantswarm/mcp-authz/security"
	"github.com/giantswarm/mcp-authz/server"
)

// Handler is a thin HTTP adapter for the authorization Server.
// It parses requests, authenticates clients and delegates to the Server for
// every protocol decision.
type Handler struct {
	server      *server.Server
	config      *Config
	logger      *slog.Logger
	rateLimiter *security.RateLimiter
}

// NewHandler creates a new HTTP handler. A per-IP rate limiter is started when
// cfg.RateLimit.Rate is positive; call Close to stop it.
func NewHandler(srv *server.Server, cfg *Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = applyDefaults(cfg)

	h := &Handler{
		server: srv,
		config: cfg,
		logger: logger,
	}
	if cfg.RateLimit.Rate > 0 {
		h.rateLimiter = security.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst, logger)
	}
	return h
}

// Close releases background resources held by the handler.
func (h *Handler) Close() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

// Routes returns a mux with every endpoint registered, wrapped so each request
// carries a request id.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return security.RequestIDMiddleware(mux)
}

// RegisterRoutes mounts the OAuth endpoints under Config.BasePath, the RFC 8414
// metadata document under /.well-known and the health check at /healthz.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	base := h.config.BasePath

	mux.Handle(base+"/authorize", h.observe("authorize", h.ServeAuthorization))
	mux.Handle(base+"/token", h.observe("token", h.limit("token", h.ServeToken)))
	mux.Handle(base+"/introspect", h.observe("introspect", h.limit("introspect", h.ServeTokenIntrospection)))
	mux.Handle(base+"/revoke", h.observe("revoke", h.limit("revoke", h.ServeTokenRevocation)))
	mux.Handle("/.well-known/oauth-authorization-server", h.observe("metadata", h.ServeAuthorizationServerMetadata))
	mux.Handle("/healthz", h.observe("healthz", h.ServeHealth))

	h.logger.Info("Registered OAuth routes", "base_path", base)
}

// Endpoint URLs as advertised in the metadata document.

func (h *Handler) endpoint(name string) string {
	return util.NormalizeURL(h.server.Config.Issuer) + h.config.BasePath + "/" + name
}

// AuthorizationEndpoint returns the absolute URL of the authorization endpoint.
func (h *Handler) AuthorizationEndpoint() string { return h.endpoint("authorize") }

// TokenEndpoint returns the absolute URL of the token endpoint.
func (h *Handler) TokenEndpoint() string { return h.endpoint("token") }

// IntrospectionEndpoint returns the absolute URL of the introspection endpoint.
func (h *Handler) IntrospectionEndpoint() string { return h.endpoint("introspect") }

// RevocationEndpoint returns the absolute URL of the revocation endpoint.
func (h *Handler) RevocationEndpoint() string { return h.endpoint("revoke") }

func (h *Handler) tracer() trace.Tracer {
	if inst := h.server.Instrumentation(); inst != nil {
		return inst.Tracer("http")
	}
	return noop.NewTracerProvider().Tracer("")
}

// startSpan starts a handler span, tagging it with the client IP when
// instrumentation is configured to record IPs.
func (h *Handler) startSpan(r *http.Request, name string) (context.Context, trace.Span) {
	ctx, span := h.tracer().Start(r.Context(), name)
	if h.server.Instrumentation().ShouldLogClientIPs() {
		instrumentation.AddSecurityAttributes(span, h.clientIP(r))
	}
	return ctx, span
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

// ServeAuthorization handles OAuth authorization requests.
//
// Successful requests and errors raised after the redirect URI has been
// verified end in a 302 to the client. Errors about the client or the redirect
// URI itself are answered with a 400 JSON body and never redirect.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "http.authorization")
	defer span.End()

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	req := &server.AuthorizationRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		State:               q.Get("state"),
		ClientIP:            h.clientIP(r),
	}

	res, err := h.server.Authorize(ctx, req)
	if err != nil {
		oe := server.AsError(err)
		instrumentation.SetSpanError(span, oe.Code)
		if oe.Redirectable {
			h.logger.Debug("Authorization request denied, redirecting",
				"client_id", req.ClientID, "error", oe.Code)
			security.SetSecurityHeaders(w, h.server.Config.Issuer)
			http.Redirect(w, r, server.ErrorRedirectURL(req.RedirectURI, oe, req.State), http.StatusFound)
			return
		}
		h.logger.Warn("Authorization request rejected",
			"client_id", req.ClientID, "ip", req.ClientIP, "error", oe.Code)
		status := oe.Status
		if status == http.StatusUnauthorized {
			// No client authentication happens here, so there is nothing to challenge.
			status = http.StatusBadRequest
		}
		h.writeError(w, oe.Code, oe.Description, status)
		return
	}

	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, res.RedirectURL, http.StatusFound)
}

// ServeToken handles the OAuth token endpoint
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "http.token")
	defer span.End()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	clientIP := h.clientIP(r)
	clientID, authErr := h.authenticateClient(r.WithContext(ctx), clientIP, "token")
	if authErr != nil {
		instrumentation.SetSpanError(span, authErr.Code)
		h.writeClientAuthError(w, authErr)
		return
	}

	grantType := r.PostForm.Get("grant_type")
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrGrantType, grantType),
	)

	var (
		pair *server.TokenPair
		err  error
	)
	switch grantType {
	case server.GrantTypeAuthorizationCode:
		pair, err = h.server.ExchangeAuthorizationCode(ctx, &server.ExchangeRequest{
			ClientID:     clientID,
			Code:         r.PostForm.Get("code"),
			CodeVerifier: r.PostForm.Get("code_verifier"),
			RedirectURI:  r.PostForm.Get("redirect_uri"),
			ClientIP:     clientIP,
		})
	case server.GrantTypeRefreshToken:
		pair, err = h.server.RefreshAccessToken(ctx, &server.RefreshRequest{
			ClientID:     clientID,
			RefreshToken: r.PostForm.Get("refresh_token"),
			Scope:        r.PostForm.Get("scope"),
			ClientIP:     clientIP,
		})
	case "":
		err = ErrInvalidRequest("grant_type is required")
		h.auditRequestFailure(ctx, clientID, clientIP, "token", ErrorCodeInvalidRequest, map[string]any{"grant_type": grantType})
	default:
		err = ErrUnsupportedGrantType(fmt.Sprintf("Grant type %q is not supported", grantType))
		h.auditRequestFailure(ctx, clientID, clientIP, "token", ErrorCodeUnsupportedGrantType, map[string]any{"grant_type": grantType})
	}

	if err != nil {
		oe := server.AsError(err)
		h.logger.Info("Token request failed",
			"client_id", clientID, "ip", clientIP, "grant_type", grantType, "error", oe.Code)
		instrumentation.SetSpanError(span, oe.Code)
		h.writeError(w, oe.Code, oe.Description, oe.Status)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, pair)
}

// ServeTokenIntrospection handles the RFC 7662 token introspection endpoint.
// Client authentication is required so tokens cannot be probed anonymously,
// and a client only ever sees its own tokens as active.
func (h *Handler) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "http.introspection")
	defer span.End()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	clientIP := h.clientIP(r)
	clientID, authErr := h.authenticateClient(r.WithContext(ctx), clientIP, "introspect")
	if authErr != nil {
		instrumentation.SetSpanError(span, authErr.Code)
		h.writeClientAuthError(w, authErr)
		return
	}

	token := r.PostForm.Get("token")
	if token == "" {
		h.auditRequestFailure(ctx, clientID, clientIP, "introspect", ErrorCodeInvalidRequest, nil)
		h.writeError(w, ErrorCodeInvalidRequest, "token parameter is required", http.StatusBadRequest)
		return
	}

	resp, err := h.server.Introspect(ctx, clientID, token, r.PostForm.Get("token_type_hint"))
	if err != nil {
		oe := server.AsError(err)
		instrumentation.SetSpanError(span, oe.Code)
		h.writeError(w, oe.Code, oe.Description, oe.Status)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeTokenRevocation handles the RFC 7009 token revocation endpoint.
// Any authenticated request gets 200, whether or not a token was revoked.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "http.revocation")
	defer span.End()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	clientIP := h.clientIP(r)
	clientID, authErr := h.authenticateClient(r.WithContext(ctx), clientIP, "revoke")
	if authErr != nil {
		instrumentation.SetSpanError(span, authErr.Code)
		h.writeClientAuthError(w, authErr)
		return
	}

	// A missing token is treated like an unknown one: 200 and a no-op audit event.
	h.server.RevokeToken(ctx, &server.RevocationRequest{
		ClientID:      clientID,
		Token:         r.PostForm.Get("token"),
		TokenTypeHint: r.PostForm.Get("token_type_hint"),
		ClientIP:      clientIP,
	})

	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// ServeAuthorizationServerMetadata serves RFC 8414 Authorization Server Metadata
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, http.StatusOK, h.Metadata())
}

// Metadata builds the RFC 8414 authorization server metadata.
func (h *Handler) Metadata() *AuthorizationServerMetadata {
	return &AuthorizationServerMetadata{
		Issuer:                            h.server.Config.Issuer,
		AuthorizationEndpoint:             h.AuthorizationEndpoint(),
		TokenEndpoint:                     h.TokenEndpoint(),
		ScopesSupported:                   h.server.Registry().Scopes(),
		ResponseTypesSupported:            []string{server.ResponseTypeCode},
		GrantTypesSupported:               []string{server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported: SupportedTokenAuthMethods,
		CodeChallengeMethodsSupported:     []string{pkce.MethodS256},
		RevocationEndpoint:                h.RevocationEndpoint(),
		IntrospectionEndpoint:             h.IntrospectionEndpoint(),
	}
}

// ServeHealth reports whether the storage backend is reachable.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.server.Ping(r.Context()); err != nil {
		h.logger.Warn("Health check failed", "error", err)
		h.writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
		return
	}
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// authenticateClient resolves the calling client from HTTP Basic credentials
// or from the client_id and client_secret form fields. Using both at once is
// rejected (RFC 6749 section 2.3).
func (h *Handler) authenticateClient(r *http.Request, clientIP, endpoint string) (string, *Error) {
	formID := r.PostForm.Get("client_id")
	formSecret := r.PostForm.Get("client_secret")

	clientID, secret, basic := r.BasicAuth()
	if basic {
		if formSecret != "" {
			return "", ErrInvalidRequest("Multiple client authentication methods are not allowed")
		}
		// Basic credentials are form-encoded before base64 (RFC 6749 section 2.3.1).
		var err error
		if clientID, err = url.QueryUnescape(clientID); err != nil {
			return "", ErrInvalidClient("Client authentication failed")
		}
		if secret, err = url.QueryUnescape(secret); err != nil {
			return "", ErrInvalidClient("Client authentication failed")
		}
		if formID != "" && formID != clientID {
			return "", ErrInvalidRequest("client_id does not match the authenticated client")
		}
	} else {
		clientID, secret = formID, formSecret
	}

	if clientID == "" || secret == "" {
		h.logAuthFailure(r.Context(), clientID, clientIP, endpoint, "missing_client_credentials")
		return "", ErrInvalidClient("Client authentication required")
	}
	if !h.server.AuthenticateClient(r.Context(), clientID, secret) {
		h.logAuthFailure(r.Context(), clientID, clientIP, endpoint, "client_authentication_failed")
		return "", ErrInvalidClient("Client authentication failed")
	}
	return clientID, nil
}

// logAuthFailure logs authentication failures and audits them.
// auditRequestFailure records a request rejected after the client authenticated.
func (h *Handler) auditRequestFailure(ctx context.Context, clientID, clientIP, endpoint, code string, details map[string]any) {
	d := map[string]any{"endpoint": endpoint, "error": code}
	for k, v := range details {
		d[k] = v
	}
	h.server.Audit(ctx, security.Event{
		Type:      security.EventAuthFailure,
		Result:    security.ResultFailure,
		ClientID:  clientID,
		IPAddress: clientIP,
		Details:   d,
	})
}

func (h *Handler) logAuthFailure(ctx context.Context, clientID, clientIP, endpoint, reason string) {
	h.logger.Warn("Client authentication failed",
		"client_id", clientID, "ip", clientIP, "endpoint", endpoint, "reason", reason)
	h.server.Audit(ctx, security.Event{
		Type:      security.EventAuthFailure,
		Result:    security.ResultFailure,
		ClientID:  clientID,
		IPAddress: clientIP,
		Details:   map[string]any{"reason": reason, "endpoint": endpoint},
	})
}

// writeClientAuthError answers a failed client authentication. 401 responses
// carry a Basic challenge (RFC 6749 section 5.2).
func (h *Handler) writeClientAuthError(w http.ResponseWriter, e *Error) {
	if e.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Basic realm="%s"`, escapeQuoted(h.realm())))
	}
	h.writeError(w, e.Code, e.Description, e.Status)
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, pair *server.TokenPair) {
	tokenType := pair.TokenType
	if tokenType == "" {
		tokenType = server.TokenTypeBearer
	}
	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    tokenType,
		ExpiresIn:    pair.ExpiresIn,
		RefreshToken: pair.RefreshToken,
		Scope:        pair.Scope(),
	})
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	h.writeJSON(w, status, ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("Failed to write response", "error", err)
	}
}

// limit applies the per-IP rate limiter to an endpoint.
func (h *Handler) limit(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	if h.rateLimiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if h.checkIPRateLimit(w, r, h.clientIP(r), endpoint) {
			return
		}
		next(w, r)
	}
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP, endpoint string) bool {
	if h.rateLimiter == nil || h.rateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "endpoint", endpoint)
	h.server.Metrics().RecordRateLimitExceeded(r.Context(), endpoint)
	h.server.Audit(r.Context(), security.Event{
		Type:      security.EventRateLimitExceeded,
		Result:    security.ResultFailure,
		IPAddress: clientIP,
		Details:   map[string]any{"endpoint": endpoint},
	})

	w.Header().Set("Retry-After", strconv.Itoa(int(rateLimitRetryAfter.Seconds())))
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// observe records request count and latency for an endpoint.
func (h *Handler) observe(endpoint string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := float64(time.Since(start).Microseconds()) / 1000.0
		h.server.Metrics().RecordHTTPRequest(r.Context(), r.Method, endpoint, status, duration)
	})
}

func (h *Handler) realm() string {
	if h.server.Config.Issuer != "" {
		return h.server.Config.Issuer
	}
	return "mcp-authz"
}

// escapeQuoted escapes a value for an HTTP quoted-string.
func escapeQuoted(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
