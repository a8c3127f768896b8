package authz

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/giantswarm/mcp-authz/internal/util"
	"github.com/giantswarm/mcp-authz/security"
	"github.com/giantswarm/mcp-authz/server"
)

// Context key for verified token info
type contextKey string

const tokenInfoKey contextKey = "token_info"

// TokenInfoFromContext retrieves the verified token info placed in the request
// context by ValidateToken.
func TokenInfoFromContext(ctx context.Context) (*server.TokenInfo, bool) {
	info, ok := ctx.Value(tokenInfoKey).(*server.TokenInfo)
	return info, ok && info != nil
}

// ContextWithTokenInfo creates a context with the given token info.
//
// WARNING: This function should ONLY be used for testing. In production the
// token info must only be set by the ValidateToken middleware after the token
// has been verified.
func ContextWithTokenInfo(ctx context.Context, info *server.TokenInfo) context.Context {
	return context.WithValue(ctx, tokenInfoKey, info)
}

// ValidateToken is middleware for protected resources. It verifies the bearer
// token and passes the verified (client, scopes, expiry) bundle to next through
// the request context. Missing, unknown and expired tokens all get the same
// 401 invalid_token response.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := h.clientIP(r)

		if h.checkIPRateLimit(w, r, clientIP, "resource") {
			return
		}

		accessToken, ok := h.extractBearerToken(w, r)
		if !ok {
			return
		}

		info, err := h.server.VerifyAccessToken(r.Context(), accessToken)
		if err != nil {
			oe := server.AsError(err)
			if oe.Code == ErrorCodeServerError {
				h.writeError(w, oe.Code, oe.Description, oe.Status)
				return
			}
			h.logger.Debug("Token validation failed", "ip", clientIP, "token_prefix", security.Redact(accessToken))
			h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Access token is invalid or expired")
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithTokenInfo(r.Context(), info)))
	})
}

// RequireScopes returns middleware that validates the bearer token and then
// requires every listed scope. A valid token missing a scope gets 403
// insufficient_scope with the required scopes in the challenge.
func (h *Handler) RequireScopes(required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return h.ValidateToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, _ := TokenInfoFromContext(r.Context())
			if missing := info.MissingScopes(required...); len(missing) > 0 {
				h.logger.Info("Insufficient scope",
					"client_id", info.ClientID,
					"required", util.JoinScopes(required),
					"missing", util.JoinScopes(missing))
				h.server.Audit(r.Context(), security.Event{
					Type:      security.EventInsufficientScope,
					Result:    security.ResultFailure,
					ClientID:  info.ClientID,
					IPAddress: h.clientIP(r),
					Details: map[string]any{
						"required": util.JoinScopes(required),
						"missing":  util.JoinScopes(missing),
						"path":     r.URL.Path,
					},
				})
				h.writeInsufficientScopeError(w, required, "The access token lacks a required scope")
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}

// extractBearerToken extracts the Bearer token from the Authorization header.
// Returns the token and true if successful, or writes an error and returns false.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		h.writeUnauthorizedError(w, "", "")
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Invalid Authorization header format")
		return "", false
	}

	return strings.TrimSpace(parts[1]), true
}

// writeUnauthorizedError writes a 401 with a Bearer challenge. A request
// without credentials gets a bare challenge (RFC 6750 section 3.1).
func (h *Handler) writeUnauthorizedError(w http.ResponseWriter, code, description string) {
	w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate("", code, description))
	if code == "" {
		code, description = ErrorCodeInvalidToken, "Missing Authorization header"
	}
	h.writeError(w, code, description, http.StatusUnauthorized)
}

// writeInsufficientScopeError writes a 403 Forbidden response with insufficient_scope error.
func (h *Handler) writeInsufficientScopeError(w http.ResponseWriter, requiredScopes []string, description string) {
	w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(util.JoinScopes(requiredScopes), ErrorCodeInsufficientScope, description))
	h.writeError(w, ErrorCodeInsufficientScope, description, http.StatusForbidden)
}

// formatWWWAuthenticate formats the WWW-Authenticate header value per RFC 6750.
//
// Example output:
//
//	Bearer realm="https://auth.example.com", scope="tools:call",
//	       error="insufficient_scope", error_description="..."
func (h *Handler) formatWWWAuthenticate(scope, errCode, errorDesc string) string {
	params := []string{fmt.Sprintf(`realm="%s"`, escapeQuoted(h.realm()))}

	if scope != "" {
		params = append(params, fmt.Sprintf(`scope="%s"`, escapeQuoted(scope)))
	}
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, errCode))
	}
	if errorDesc != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, escapeQuoted(errorDesc)))
	}

	return "Bearer " + strings.Join(params, ", ")
}
