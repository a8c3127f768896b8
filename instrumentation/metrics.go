package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Result labels shared by the flow counters.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics holds all metric instruments for the authorization server.
// Every Record method is safe to call on a nil *Metrics.
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Flow Metrics
	AuthorizationRequests metric.Int64Counter
	CodeExchanges         metric.Int64Counter
	TokenRefreshes        metric.Int64Counter
	TokenRevocations      metric.Int64Counter
	TokenVerifications    metric.Int64Counter

	// Security Metrics
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter
	ScopeEscalation      metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageRecords           metric.Int64ObservableGauge

	// Audit Metrics
	AuditEventsTotal metric.Int64Counter
}

type counterSpec struct {
	dst   *metric.Int64Counter
	meter metric.Meter
	name  string
	desc  string
	unit  string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, httpMeter, "authz.http.requests", "Total number of HTTP requests", "{request}"},
		{&m.AuthorizationRequests, serverMeter, "authz.authorization.requests", "Authorization requests by outcome", "{request}"},
		{&m.CodeExchanges, serverMeter, "authz.code.exchanges", "Authorization code exchanges by outcome", "{exchange}"},
		{&m.TokenRefreshes, serverMeter, "authz.token.refreshes", "Refresh grants by outcome", "{refresh}"},
		{&m.TokenRevocations, serverMeter, "authz.token.revocations", "Revocation requests by outcome", "{revocation}"},
		{&m.TokenVerifications, serverMeter, "authz.token.verifications", "Bearer token verifications by outcome", "{verification}"},
		{&m.RateLimitExceeded, securityMeter, "authz.rate_limit.exceeded", "Requests rejected by the rate limiter", "{request}"},
		{&m.PKCEValidationFailed, securityMeter, "authz.pkce.validation_failed", "PKCE verifier mismatches", "{failure}"},
		{&m.CodeReuseDetected, securityMeter, "authz.code.reuse_detected", "Replayed authorization codes", "{attempt}"},
		{&m.ScopeEscalation, securityMeter, "authz.scope.escalation_attempts", "Refresh requests asking for scopes beyond the grant", "{attempt}"},
		{&m.StorageOperationTotal, storageMeter, "authz.storage.operations", "Storage operations by result", "{operation}"},
		{&m.AuditEventsTotal, securityMeter, "authz.audit.events", "Audit events emitted", "{event}"},
	}

	for _, c := range counters {
		counter, err := c.meter.Int64Counter(c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	var err error
	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"authz.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"authz.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageRecords, err = storageMeter.Int64ObservableGauge(
		"authz.storage.records",
		metric.WithDescription("Live records held by the storage backend"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.records gauge: %w", err)
	}

	return m, nil
}

func attrResult(result string) attribute.KeyValue {
	return attribute.String("result", result)
}

func attrBackend(backend string) attribute.KeyValue {
	return attribute.String("backend", backend)
}

// RecordHTTPRequest records an HTTP request with method, endpoint, and status
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordAuthorization records the outcome of an authorization request.
// errorCode is empty on success.
func (m *Metrics) RecordAuthorization(ctx context.Context, clientID, errorCode string) {
	if m == nil {
		return
	}
	m.AuthorizationRequests.Add(ctx, 1, metric.WithAttributes(flowAttrs(clientID, errorCode)...))
}

// RecordCodeExchange records the outcome of an authorization_code grant.
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID, errorCode string) {
	if m == nil {
		return
	}
	m.CodeExchanges.Add(ctx, 1, metric.WithAttributes(flowAttrs(clientID, errorCode)...))
}

// RecordTokenRefresh records the outcome of a refresh_token grant.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID, errorCode string) {
	if m == nil {
		return
	}
	m.TokenRefreshes.Add(ctx, 1, metric.WithAttributes(flowAttrs(clientID, errorCode)...))
}

// RecordTokenRevocation records a revocation. revoked is false when nothing
// owned by the caller matched the token.
func (m *Metrics) RecordTokenRevocation(ctx context.Context, clientID string, revoked bool) {
	if m == nil {
		return
	}
	result := "noop"
	if revoked {
		result = "revoked"
	}
	m.TokenRevocations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attrResult(result),
	))
}

// RecordTokenVerification records a bearer token check.
func (m *Metrics) RecordTokenVerification(ctx context.Context, errorCode string) {
	if m == nil {
		return
	}
	m.TokenVerifications.Add(ctx, 1, metric.WithAttributes(flowAttrs("", errorCode)...))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordCodeReuseDetected records an authorization code reuse attempt
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	if m == nil {
		return
	}
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordScopeEscalation records a refresh asking for more than was granted.
func (m *Metrics) RecordScopeEscalation(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.ScopeEscalation.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attrResult(result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType, result string) {
	if m == nil {
		return
	}
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attrResult(result),
	))
}

func flowAttrs(clientID, errorCode string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if clientID != "" {
		attrs = append(attrs, attribute.String("client_id", clientID))
	}
	if errorCode == "" {
		return append(attrs, attrResult(ResultSuccess))
	}
	return append(attrs, attrResult(ResultFailure), attribute.String("error", errorCode))
}
