package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	authz "github.com/giantswarm/mcp-authz"
	"github.com/giantswarm/mcp-authz/instrumentation"
	"github.com/giantswarm/mcp-authz/registry"
	"github.com/giantswarm/mcp-authz/security"
	"github.com/giantswarm/mcp-authz/server"
	"github.com/giantswarm/mcp-authz/storage"
	"github.com/giantswarm/mcp-authz/storage/memory"
	"github.com/giantswarm/mcp-authz/storage/postgres"
	"github.com/giantswarm/mcp-authz/storage/redis"
	"github.com/giantswarm/mcp-authz/storage/valkey"
)

// Storage backends selectable with --storage.
const (
	storageMemory   = "memory"
	storageRedis    = "redis"
	storageValkey   = "valkey"
	storagePostgres = "postgres"
)

// Audit sinks selectable with --audit-sink.
const (
	auditSinkLog  = "log"
	auditSinkAMQP = "amqp"
	auditSinkBoth = "both"
)

const (
	connectTimeout    = 10 * time.Second
	serverReadTimeout = 10 * time.Second
	serverIdleTimeout = 60 * time.Second
	// Token requests are small; writes should never take long.
	serverWriteTimeout = 15 * time.Second
)

var (
	storageBackends = []string{storageMemory, storageRedis, storageValkey, storagePostgres}
	auditSinks      = []string{auditSinkLog, auditSinkAMQP, auditSinkBoth}
)

// serveOptions is the resolved configuration of the serve command.
type serveOptions struct {
	Listen      string
	Issuer      string
	ClientsFile string
	BasePath    string

	Storage            string
	KeyPrefix          string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	RedisMasterName    string
	RedisSentinelAddrs []string
	ValkeyAddr         string
	ValkeyPassword     string
	ValkeyDB           int
	PostgresDSN        string
	PostgresTable      string

	AuditSink      string
	AMQPURL        string
	AMQPExchange   string
	AMQPRoutingKey string

	MetricsEnabled   bool
	OTLPEndpoint     string
	OTLPInsecure     bool
	TraceSampleRatio float64
	LogClientIPs     bool

	CodeTTL           time.Duration
	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration
	StorageTimeout    time.Duration
	RequireState      bool
	TrustProxy        bool
	TrustedProxyCount int

	RateLimit      float64
	RateLimitBurst int

	ShutdownTimeout time.Duration
}

func newServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		Long: `Run the authorization server.

Every flag can also be set through an MCP_AUTHZ_ prefixed environment variable
(for example MCP_AUTHZ_STORAGE=redis) or a key of the same name in --config.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := loadServeOptions(a.v)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), opts, a.logger)
		},
	}

	f := cmd.Flags()
	f.String("listen", ":8080", "address to listen on")
	f.String("issuer", "", "issuer URL advertised in metadata and challenges (e.g. https://auth.example.com)")
	f.String("base-path", authz.DefaultBasePath, "path prefix of the OAuth endpoints")

	f.String("storage", storageMemory, "storage backend (memory, redis, valkey, postgres)")
	f.String("storage-key-prefix", "", "key prefix for redis and valkey")
	f.String("redis-addr", "localhost:6379", "redis address")
	f.String("redis-password", "", "redis password")
	f.Int("redis-db", 0, "redis database number")
	f.String("redis-master-name", "", "redis sentinel master name")
	f.StringSlice("redis-sentinel-addrs", nil, "redis sentinel addresses")
	f.String("valkey-addr", "localhost:6379", "valkey address")
	f.String("valkey-password", "", "valkey password")
	f.Int("valkey-db", 0, "valkey database number")
	f.String("postgres-dsn", "", "postgres connection string")
	f.String("postgres-table", "", "postgres key-value table (default authz_kv)")

	f.String("audit-sink", auditSinkLog, "audit sink (log, amqp, both)")
	f.String("amqp-url", "", "AMQP broker URL for the amqp audit sink")
	f.String("amqp-exchange", "", "AMQP exchange for audit events (default exchange when empty)")
	f.String("amqp-routing-key", "", "AMQP routing key for audit events (default mcp-authz.audit)")

	f.Bool("metrics", false, "serve Prometheus metrics on /metrics")
	f.String("otlp-endpoint", "", "OTLP/HTTP trace collector host:port (empty disables tracing)")
	f.Bool("otlp-insecure", false, "send traces over plain HTTP")
	f.Float64("trace-sample-ratio", 1.0, "fraction of requests traced")
	f.Bool("log-client-ips", false, "attach client IP addresses to spans")

	f.Duration("code-ttl", server.DefaultAuthorizationCodeTTL*time.Second, "authorization code lifetime")
	f.Duration("access-token-ttl", server.DefaultAccessTokenTTL*time.Second, "access token lifetime")
	f.Duration("refresh-token-ttl", server.DefaultRefreshTokenTTL*time.Second, "refresh token lifetime")
	f.Duration("storage-timeout", server.DefaultStorageTimeout, "timeout of each storage call")
	f.Bool("require-state", false, "reject authorization requests without state")
	f.Bool("trust-proxy", false, "derive client IPs from X-Forwarded-For (only behind a trusted proxy)")
	f.Int("trusted-proxy-count", 1, "number of trusted proxies in front of the server")

	f.Float64("rate-limit", authz.DefaultRateLimitRate, "per-IP requests per second on token endpoints (0 disables)")
	f.Int("rate-limit-burst", authz.DefaultRateLimitBurst, "per-IP burst on token endpoints")

	f.Duration("shutdown-timeout", 30*time.Second, "graceful shutdown timeout")

	a.bindFlags(f)

	return cmd
}

// loadServeOptions resolves and validates the serve configuration.
func loadServeOptions(v *viper.Viper) (serveOptions, error) {
	opts := serveOptions{
		Listen:      v.GetString("listen"),
		Issuer:      v.GetString("issuer"),
		ClientsFile: v.GetString("clients"),
		BasePath:    v.GetString("base-path"),

		Storage:            v.GetString("storage"),
		KeyPrefix:          v.GetString("storage-key-prefix"),
		RedisAddr:          v.GetString("redis-addr"),
		RedisPassword:      v.GetString("redis-password"),
		RedisDB:            v.GetInt("redis-db"),
		RedisMasterName:    v.GetString("redis-master-name"),
		RedisSentinelAddrs: v.GetStringSlice("redis-sentinel-addrs"),
		ValkeyAddr:         v.GetString("valkey-addr"),
		ValkeyPassword:     v.GetString("valkey-password"),
		ValkeyDB:           v.GetInt("valkey-db"),
		PostgresDSN:        v.GetString("postgres-dsn"),
		PostgresTable:      v.GetString("postgres-table"),

		AuditSink:      v.GetString("audit-sink"),
		AMQPURL:        v.GetString("amqp-url"),
		AMQPExchange:   v.GetString("amqp-exchange"),
		AMQPRoutingKey: v.GetString("amqp-routing-key"),

		MetricsEnabled:   v.GetBool("metrics"),
		OTLPEndpoint:     v.GetString("otlp-endpoint"),
		OTLPInsecure:     v.GetBool("otlp-insecure"),
		TraceSampleRatio: v.GetFloat64("trace-sample-ratio"),
		LogClientIPs:     v.GetBool("log-client-ips"),

		CodeTTL:           v.GetDuration("code-ttl"),
		AccessTokenTTL:    v.GetDuration("access-token-ttl"),
		RefreshTokenTTL:   v.GetDuration("refresh-token-ttl"),
		StorageTimeout:    v.GetDuration("storage-timeout"),
		RequireState:      v.GetBool("require-state"),
		TrustProxy:        v.GetBool("trust-proxy"),
		TrustedProxyCount: v.GetInt("trusted-proxy-count"),

		RateLimit:      v.GetFloat64("rate-limit"),
		RateLimitBurst: v.GetInt("rate-limit-burst"),

		ShutdownTimeout: v.GetDuration("shutdown-timeout"),
	}

	if opts.ClientsFile == "" {
		return opts, errors.New("--clients is required")
	}
	if !slices.Contains(storageBackends, opts.Storage) {
		return opts, fmt.Errorf("unknown storage backend %q (want one of %v)", opts.Storage, storageBackends)
	}
	if opts.Storage == storagePostgres && opts.PostgresDSN == "" {
		return opts, errors.New("--postgres-dsn is required for postgres storage")
	}
	if !slices.Contains(auditSinks, opts.AuditSink) {
		return opts, fmt.Errorf("unknown audit sink %q (want one of %v)", opts.AuditSink, auditSinks)
	}
	if opts.AuditSink != auditSinkLog && opts.AMQPURL == "" {
		return opts, errors.New("--amqp-url is required for the amqp audit sink")
	}
	if opts.RateLimit < 0 {
		return opts, errors.New("--rate-limit must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"code-ttl":          opts.CodeTTL,
		"access-token-ttl":  opts.AccessTokenTTL,
		"refresh-token-ttl": opts.RefreshTokenTTL,
	} {
		if d < time.Second {
			return opts, fmt.Errorf("--%s must be at least 1s, got %s", name, d)
		}
	}

	return opts, nil
}

// serverConfig maps the command line onto the engine configuration.
func (o serveOptions) serverConfig() *server.Config {
	return &server.Config{
		Issuer:               o.Issuer,
		AuthorizationCodeTTL: int64(o.CodeTTL / time.Second),
		AccessTokenTTL:       int64(o.AccessTokenTTL / time.Second),
		RefreshTokenTTL:      int64(o.RefreshTokenTTL / time.Second),
		StorageTimeout:       o.StorageTimeout,
		RequireState:         o.RequireState,
		TrustProxy:           o.TrustProxy,
		TrustedProxyCount:    o.TrustedProxyCount,
	}
}

func (o serveOptions) handlerConfig() *authz.Config {
	return &authz.Config{
		BasePath: o.BasePath,
		RateLimit: authz.RateLimitConfig{
			Rate:  o.RateLimit,
			Burst: o.RateLimitBurst,
		},
	}
}

// buildStore returns the configured, not yet connected, storage backend.
func buildStore(opts serveOptions, logger *slog.Logger) (storage.Provider, error) {
	switch opts.Storage {
	case storageMemory:
		s := memory.New()
		s.SetLogger(logger)
		return s, nil
	case storageRedis:
		return redis.New(redis.Config{
			Addr:          opts.RedisAddr,
			MasterName:    opts.RedisMasterName,
			SentinelAddrs: opts.RedisSentinelAddrs,
			Password:      opts.RedisPassword,
			DB:            opts.RedisDB,
			KeyPrefix:     opts.KeyPrefix,
			Logger:        logger,
		})
	case storageValkey:
		return valkey.New(valkey.Config{
			Address:   opts.ValkeyAddr,
			Password:  opts.ValkeyPassword,
			DB:        opts.ValkeyDB,
			KeyPrefix: opts.KeyPrefix,
			Logger:    logger,
		})
	case storagePostgres:
		return postgres.New(postgres.Config{
			DSN:    opts.PostgresDSN,
			Table:  opts.PostgresTable,
			Logger: logger,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Storage)
	}
}

// buildAuditSink returns the configured audit sink and a function releasing it.
func buildAuditSink(opts serveOptions, logger *slog.Logger) (security.AuditSink, func() error, error) {
	auditor := security.NewAuditor(logger, true)
	if opts.AuditSink == auditSinkLog {
		return auditor, func() error { return nil }, nil
	}

	amqpSink, err := security.NewAMQPAuditSink(security.AMQPConfig{
		URL:        opts.AMQPURL,
		Exchange:   opts.AMQPExchange,
		RoutingKey: opts.AMQPRoutingKey,
		Logger:     logger,
	})
	if err != nil {
		return nil, nil, err
	}
	if opts.AuditSink == auditSinkAMQP {
		return amqpSink, amqpSink.Close, nil
	}
	return security.MultiAuditSink{auditor, amqpSink}, amqpSink.Close, nil
}

// newHTTPHandler assembles the process mux: OAuth endpoints, optional
// /metrics, request ids and server spans.
func newHTTPHandler(h *authz.Handler, inst *instrumentation.Instrumentation, metrics bool) http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	if metrics {
		mux.Handle("/metrics", inst.MetricsHandler())
	}

	return otelhttp.NewHandler(
		security.RequestIDMiddleware(mux),
		"mcp-authz",
		otelhttp.WithTracerProvider(inst.TracerProvider()),
		otelhttp.WithMeterProvider(inst.MeterProvider()),
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/healthz" && r.URL.Path != "/metrics"
		}),
	)
}

func runServe(ctx context.Context, opts serveOptions, logger *slog.Logger) error {
	reg, err := registry.LoadFile(opts.ClientsFile)
	if err != nil {
		return err
	}
	logger.Info("Loaded client registry", "path", opts.ClientsFile, "clients", reg.Len())

	store, err := buildStore(opts, logger)
	if err != nil {
		return fmt.Errorf("configure %s storage: %w", opts.Storage, err)
	}
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	err = store.Connect(connectCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connect %s storage: %w", opts.Storage, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close storage", "error", err)
		}
	}()

	auditSink, closeAudit, err := buildAuditSink(opts, logger)
	if err != nil {
		return fmt.Errorf("configure audit sink: %w", err)
	}
	defer func() {
		if err := closeAudit(); err != nil {
			logger.Warn("Failed to close audit sink", "error", err)
		}
	}()

	inst, err := instrumentation.New(ctx, instrumentation.Config{
		ServiceVersion:   version,
		Enabled:          opts.MetricsEnabled || opts.OTLPEndpoint != "",
		LogClientIPs:     opts.LogClientIPs,
		OTLPEndpoint:     opts.OTLPEndpoint,
		OTLPInsecure:     opts.OTLPInsecure,
		TraceSampleRatio: opts.TraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("initialize instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to flush telemetry", "error", err)
		}
	}()
	if mem, ok := store.(*memory.Store); ok && opts.MetricsEnabled {
		if err := inst.RegisterStorageSizeCallback(storageMemory, func() int64 { return int64(mem.Len()) }); err != nil {
			logger.Warn("Failed to register storage size metric", "error", err)
		}
	}

	srv, err := server.New(reg, store, auditSink, opts.serverConfig(), logger)
	if err != nil {
		return err
	}
	srv.SetInstrumentation(inst)

	h := authz.NewHandler(srv, opts.handlerConfig(), logger)
	defer h.Close()

	httpServer := &http.Server{
		Addr:         opts.Listen,
		Handler:      newHTTPHandler(h, inst, opts.MetricsEnabled),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Authorization server listening",
			"addr", opts.Listen,
			"issuer", opts.Issuer,
			"storage", opts.Storage,
			"audit_sink", opts.AuditSink,
			"metrics", opts.MetricsEnabled)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down authorization server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	logger.Info("Authorization server stopped")
	return nil
}
