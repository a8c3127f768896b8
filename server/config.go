package server

import (
	"log/slog"
	"time"
)

// Defaults applied by applySecureDefaults.
const (
	DefaultAuthorizationCodeTTL = 600   // 10 minutes
	DefaultAccessTokenTTL       = 3600  // 1 hour
	DefaultRefreshTokenTTL      = 86400 // 24 hours
	DefaultStorageTimeout       = 3 * time.Second
	DefaultClockSkewGracePeriod = 5 // seconds

	// maxRefreshTokenTTL bounds how far an operator can stretch refresh lifetimes.
	maxRefreshTokenTTL = 90 * 24 * 3600
)

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL), used in metadata
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 86400 (24 hours)

	// StorageTimeout bounds every individual storage call so a slow or
	// partitioned backend fails the request instead of hanging it.
	// Default: 3s
	StorageTimeout time.Duration

	// ClockSkewGracePeriod is the grace period for expiration checks (in seconds)
	// Default: 5 seconds
	ClockSkewGracePeriod int64

	// RequireState rejects authorization requests without a state parameter.
	// Default: false (state is optional and echoed when present)
	RequireState bool

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy
	// Default: false
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Default: 1
	TrustedProxyCount int
}

// applySecureDefaults fills in zero values and clamps out-of-range settings.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.AuthorizationCodeTTL <= 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.RefreshTokenTTL <= 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if config.StorageTimeout <= 0 {
		config.StorageTimeout = DefaultStorageTimeout
	}
	if config.ClockSkewGracePeriod <= 0 {
		config.ClockSkewGracePeriod = DefaultClockSkewGracePeriod
	}
	if config.TrustedProxyCount <= 0 {
		config.TrustedProxyCount = 1
	}

	logSecurityWarnings(config, logger)

	return config
}

// logSecurityWarnings logs warnings for settings that weaken the flow
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.AuthorizationCodeTTL > DefaultAuthorizationCodeTTL {
		logger.Warn("Authorization code lifetime exceeds 10 minutes",
			"authorization_code_ttl", config.AuthorizationCodeTTL,
			"recommendation", "RFC 6749 section 4.1.2 recommends a maximum of 10 minutes")
	}
	if config.RefreshTokenTTL > maxRefreshTokenTTL {
		logger.Warn("Refresh token lifetime exceeds 90 days",
			"refresh_token_ttl", config.RefreshTokenTTL)
	}
	if config.RefreshTokenTTL < config.AccessTokenTTL {
		logger.Warn("Refresh token lifetime is shorter than access token lifetime",
			"refresh_token_ttl", config.RefreshTokenTTL,
			"access_token_ttl", config.AccessTokenTTL)
	}
	if config.TrustProxy {
		logger.Warn("Trusting proxy headers for client IP",
			"trusted_proxy_count", config.TrustedProxyCount,
			"risk", "X-Forwarded-For can be spoofed if not behind a trusted proxy")
	}
}

func (c *Config) codeTTL() time.Duration    { return time.Duration(c.AuthorizationCodeTTL) * time.Second }
func (c *Config) accessTTL() time.Duration  { return time.Duration(c.AccessTokenTTL) * time.Second }
func (c *Config) refreshTTL() time.Duration { return time.Duration(c.RefreshTokenTTL) * time.Second }
func (c *Config) clockSkew() time.Duration  { return time.Duration(c.ClockSkewGracePeriod) * time.Second }
