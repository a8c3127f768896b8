// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authorization server.
//
// # Quick Start
//
//	inst, err := instrumentation.New(ctx, instrumentation.Config{
//		ServiceName:    "mcp-authz",
//		ServiceVersion: version,
//		Enabled:        true,
//		OTLPEndpoint:   "otel-collector:4318",
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//
//	srv.SetInstrumentation(inst)
//	mux.Handle("/metrics", inst.MetricsHandler())
//
// Metrics are exported through the OpenTelemetry Prometheus exporter into a
// private registry unless Config.Registerer is set. Traces are exported over
// OTLP/HTTP when Config.OTLPEndpoint is set.
//
// # Available Metrics
//
// HTTP Layer:
//   - authz.http.requests{method, endpoint, status}
//   - authz.http.request.duration{endpoint} in milliseconds
//
// Flows (result is success or failure, error carries the OAuth error code):
//   - authz.authorization.requests{client_id, result, error}
//   - authz.code.exchanges{client_id, result, error}
//   - authz.token.refreshes{client_id, result, error}
//   - authz.token.revocations{client_id, result}
//   - authz.token.verifications{result, error}
//
// Security:
//   - authz.rate_limit.exceeded{endpoint}
//   - authz.pkce.validation_failed{method}
//   - authz.code.reuse_detected
//   - authz.scope.escalation_attempts{client_id}
//   - authz.audit.events{event_type, result}
//
// Storage:
//   - authz.storage.operations{operation, result}
//   - authz.storage.operation.duration{operation} in milliseconds
//   - authz.storage.records{backend}, for backends registered with
//     RegisterStorageSizeCallback
//
// # Cardinality
//
// client_id has one value per registered client. Registries are static and
// usually small, so the label is kept. Drop it with a Prometheus relabel rule
// if you register thousands of clients.
//
// # Security Considerations
//
// Never record authorization codes, access tokens, refresh tokens, client
// secrets or PKCE verifiers in spans or metric labels. Client IPs are only
// attached to spans when Config.LogClientIPs is set.
//
// When Enabled is false every provider is a no-op and recording is free.
package instrumentation
