package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-authz/instrumentation"
	"github.com/giantswarm/mcp-authz/registry"
	"github.com/giantswarm/mcp-authz/security"
	"github.com/giantswarm/mcp-authz/storage"
)

// Server implements the authorization engine: code issuance, token exchange,
// refresh rotation, revocation and access verification.
//
// Server holds no mutable state of its own besides the read-only registry.
// Everything a flow persists goes through the storage.Provider, so any number
// of replicas can share one backend.
type Server struct {
	registry *registry.Registry
	store    storage.Provider
	auditor  security.AuditSink

	Logger *slog.Logger
	Config *Config

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	metrics         *instrumentation.Metrics

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a new authorization server. auditor may be nil, in which case
// audit events are written to logger through a security.Auditor.
func New(
	reg *registry.Registry,
	store storage.Provider,
	auditor security.AuditSink,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if reg == nil {
		return nil, fmt.Errorf("client registry is required")
	}
	if store == nil {
		return nil, fmt.Errorf("storage provider is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if auditor == nil {
		auditor = security.NewAuditor(logger, true)
	}

	config = applySecureDefaults(config, logger)

	return &Server{
		registry: reg,
		store:    store,
		auditor:  auditor,
		Logger:   logger,
		Config:   config,
		tracer:   noop.NewTracerProvider().Tracer(""),
		now:      time.Now,
	}, nil
}

// SetInstrumentation wires metrics and tracing into the server.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst == nil {
		s.tracer = noop.NewTracerProvider().Tracer("")
		s.metrics = nil
		return
	}
	s.tracer = inst.Tracer("server")
	s.metrics = inst.Metrics()
}

// Instrumentation returns the configured instrumentation, or nil.
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.instrumentation
}

// Metrics returns the metric holder. It may be nil; its methods are nil-safe.
func (s *Server) Metrics() *instrumentation.Metrics {
	return s.metrics
}

// Registry returns the client registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// AuthenticateClient checks client credentials. The result never reveals
// whether the client id exists.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, secret string) bool {
	if clientID == "" || secret == "" {
		return false
	}
	return s.registry.Authenticate(ctx, clientID, secret)
}

// Audit records a security event. Audit is best effort and never changes the
// outcome of the operation being audited.
func (s *Server) Audit(ctx context.Context, event security.Event) {
	s.auditor.Log(ctx, event)
	s.metrics.RecordAuditEvent(ctx, event.Type, string(event.Result))
}

// Ping checks that the storage backend is reachable.
func (s *Server) Ping(ctx context.Context) error {
	ctx, cancel := s.storageContext(ctx)
	defer cancel()

	if p, ok := s.store.(storage.Pinger); ok {
		return p.Ping(ctx)
	}
	_, err := s.store.Get(ctx, healthCheckKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

// generateRandomToken returns 32 bytes of crypto/rand entropy, base64url
// encoded. The same generator backs codes, access tokens and refresh tokens.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
