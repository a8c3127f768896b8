// Package security provides the cross-cutting protections of the authorization server.
//
// # Audit
//
// Every grant decision is reported to an AuditSink as an Event. Sinks never see full
// credentials: callers pass Redact(token), which keeps an 8-character prefix.
// Three sinks are provided:
//   - Auditor writes events to a slog.Logger
//   - AMQPAuditSink publishes JSON events to RabbitMQ through a bounded buffer
//   - MultiAuditSink fans out to several sinks
//
// # Rate Limiting
//
// RateLimiter applies a golang.org/x/time/rate token bucket per identifier, usually
// the client IP returned by GetClientIP. Identifiers live in an LRU list capped at
// DefaultRateLimiterMaxEntries, and idle entries are swept every five minutes.
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//	    return http.StatusTooManyRequests
//	}
//
// # Request Handling
//
// RequestIDMiddleware assigns or propagates X-Request-ID, SetSecurityHeaders marks
// every OAuth response as non-cacheable and non-framable, and IsExpired applies the
// clock-skew grace period used for codes and tokens.
package security
