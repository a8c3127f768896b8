package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
//
// SECURITY WARNING: never put authorization codes, access tokens, refresh tokens
// or client secrets into spans. Traces are retained longer and shared wider than
// the token store. Use the family id and generation to correlate tokens instead.
const (
	AttrClientID        = "oauth.client_id"
	AttrScope           = "oauth.scope"
	AttrPKCEMethod      = "oauth.pkce.method"
	AttrTokenFamilyID   = "oauth.token.family_id"  //nolint:gosec // identifier, not a credential
	AttrTokenGeneration = "oauth.token.generation" //nolint:gosec // counter, not a credential
	AttrTokenTypeHint   = "oauth.token_type_hint"  //nolint:gosec // hint value, not a credential
	AttrCodeReuse       = "oauth.code.reuse"
	AttrGrantType       = "oauth.grant_type"
	AttrResponseType    = "oauth.response_type"
	AttrError           = "oauth.error"

	AttrStorageOperation = "storage.operation"
	AttrStorageKeyKind   = "storage.key_kind"

	AttrClientIP = "security.client_ip"

	AttrHTTPEndpoint = "http.endpoint"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddClientAttributes adds the client id and, when non-empty, the scope.
func AddClientAttributes(span trace.Span, clientID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddTokenFamilyAttributes adds token family tracking attributes to a span (nil-safe)
func AddTokenFamilyAttributes(span trace.Span, familyID string, generation int) {
	if familyID != "" {
		SetSpanAttributes(span,
			attribute.String(AttrTokenFamilyID, familyID),
			attribute.Int(AttrTokenGeneration, generation),
		)
	}
}

// AddStorageAttributes records the operation and the kind of key (code,
// access, refresh) but never the key itself.
func AddStorageAttributes(span trace.Span, operation, keyKind string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageKeyKind, keyKind),
	)
}

// AddErrorCode tags the span with an OAuth error code and marks it failed.
func AddErrorCode(span trace.Span, code string) {
	if code == "" {
		return
	}
	SetSpanAttributes(span, attribute.String(AttrError, code))
	SetSpanError(span, code)
}

// AddSecurityAttributes adds the client IP to a span (nil-safe).
// Callers check Instrumentation.ShouldLogClientIPs first.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
