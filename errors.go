package authz

import (
	"github.com/giantswarm/mcp-authz/server"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeInvalidToken            = server.ErrorCodeInvalidToken
	ErrorCodeInsufficientScope       = server.ErrorCodeInsufficientScope
	ErrorCodeUnauthorizedClient      = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeRateLimitExceeded       = server.ErrorCodeRateLimitExceeded
)

// Error represents an OAuth 2.0 error returned by the engine.
type Error = server.Error

// NewError creates a new OAuth error
func NewError(code, description string, status int) *Error {
	return server.NewError(code, description, status)
}

// Common OAuth errors, shared with the server package.
var (
	ErrInvalidRequest          = server.ErrInvalidRequest
	ErrInvalidClient           = server.ErrInvalidClient
	ErrInvalidGrant            = server.ErrInvalidGrant
	ErrInvalidScope            = server.ErrInvalidScope
	ErrInvalidToken            = server.ErrInvalidToken
	ErrInsufficientScope       = server.ErrInsufficientScope
	ErrUnauthorizedClient      = server.ErrUnauthorizedClient
	ErrUnsupportedGrantType    = server.ErrUnsupportedGrantType
	ErrUnsupportedResponseType = server.ErrUnsupportedResponseType
	ErrServerError             = server.ErrServerError
)
