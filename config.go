package authz

import (
	"strings"
	"time"
)

const (
	// DefaultBasePath is where RegisterRoutes mounts the OAuth endpoints.
	DefaultBasePath = "/oauth"

	// DefaultRateLimitRate and DefaultRateLimitBurst are the per-IP limits the
	// command line uses unless told otherwise.
	DefaultRateLimitRate  = 10
	DefaultRateLimitBurst = 20

	// rateLimitRetryAfter is sent in the Retry-After header of 429 responses.
	rateLimitRetryAfter = time.Minute

	// Supported client authentication methods at the token endpoint.
	TokenEndpointAuthMethodClientSecretBasic = "client_secret_basic"
	TokenEndpointAuthMethodClientSecretPost  = "client_secret_post"
)

// SupportedTokenAuthMethods lists the client authentication methods accepted by
// the token, introspection and revocation endpoints.
var SupportedTokenAuthMethods = []string{
	TokenEndpointAuthMethodClientSecretBasic,
	TokenEndpointAuthMethodClientSecretPost,
}

// Config holds the HTTP handler configuration.
type Config struct {
	// BasePath prefixes the authorize, token, introspect and revoke endpoints.
	// Default: /oauth
	BasePath string

	// Rate limiting configuration
	RateLimit RateLimitConfig
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate float64

	// Burst is the maximum burst size allowed per IP.
	// Default: twice Rate, at least 1
	Burst int
}

func applyDefaults(cfg *Config) *Config {
	out := Config{}
	if cfg != nil {
		out = *cfg
	}

	out.BasePath = "/" + strings.Trim(out.BasePath, "/")
	if out.BasePath == "/" {
		out.BasePath = DefaultBasePath
	}

	if out.RateLimit.Rate > 0 && out.RateLimit.Burst <= 0 {
		out.RateLimit.Burst = max(1, int(out.RateLimit.Rate*2))
	}
	return &out
}
