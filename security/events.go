package security

// Event type constants for security audit logging.
const (
	// Authorization endpoint

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationDenied is logged when an authorization request is rejected
	EventAuthorizationDenied = "authorization_denied"

	// EventInvalidRedirect is logged when an unregistered redirect URI is used
	EventInvalidRedirect = "invalid_redirect"

	// Token endpoint

	// EventTokenIssued is logged when a code is exchanged for a token pair
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is rotated
	EventTokenRefreshed = "token_refreshed"

	// EventAuthorizationCodeReuseDetected is logged when a consumed code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventPKCEValidationFailed is logged when code_verifier does not match the challenge
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventScopeEscalationAttempt is logged when a refresh asks for scopes beyond the grant
	EventScopeEscalationAttempt = "scope_escalation_attempt"

	// EventAuthFailure is logged for any other failed grant or client authentication
	EventAuthFailure = "auth_failure"

	// Revocation

	// EventTokenRevoked is logged when a token and its linked tokens are deleted
	EventTokenRevoked = "token_revoked"

	// EventTokenRevocationNoop is logged when a revocation matched nothing the caller owns
	EventTokenRevocationNoop = "token_revocation_noop" //nolint:gosec // event name, not a credential

	// Verification

	// EventTokenRejected is logged when a bearer token fails verification
	EventTokenRejected = "token_rejected"

	// EventInsufficientScope is logged when a valid token lacks a required scope
	EventInsufficientScope = "insufficient_scope"

	// Operational

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventStorageFailure is logged when a storage call fails during a flow
	EventStorageFailure = "storage_failure"
)
