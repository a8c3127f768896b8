package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when Config.ServiceName is empty.
	DefaultServiceName = "mcp-authz"

	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"

	scopePrefix = "github.com/giantswarm/mcp-authz/"

	otlpExportTimeout = 10 * time.Second
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service (default "mcp-authz")
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active.
	// When false, no-op providers are used and MetricsHandler serves 404.
	Enabled bool

	// LogClientIPs controls whether client IP addresses are attached to spans.
	// Client IPs may be personal data under GDPR; leave false unless needed.
	LogClientIPs bool

	// Resource allows custom resource attributes
	// If nil, default resource is created with service name and version
	Resource *resource.Resource

	// Registerer receives the Prometheus collectors. If nil a private registry
	// is created and exposed through MetricsHandler.
	Registerer prometheus.Registerer

	// Gatherer backs MetricsHandler when Registerer is set. Ignored otherwise.
	Gatherer prometheus.Gatherer

	// OTLPEndpoint is the host:port of an OTLP/HTTP trace collector. Empty
	// disables trace export.
	OTLPEndpoint string

	// OTLPURLPath overrides the collector path (default /v1/traces).
	OTLPURLPath string

	// OTLPInsecure sends traces over plain HTTP.
	OTLPInsecure bool

	// TraceSampleRatio is the fraction of root spans sampled (default 1.0).
	TraceSampleRatio float64
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	gatherer       prometheus.Gatherer

	metrics *Metrics

	// Registered during New only.
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
	shutdownErr   error
}

// New creates a new instrumentation instance
func New(ctx context.Context, config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}
	if config.TraceSampleRatio <= 0 || config.TraceSampleRatio > 1 {
		config.TraceSampleRatio = 1.0
	}

	res := config.Resource
	if res == nil {
		var err error
		res, err = resource.New(ctx,
			resource.WithSchemaURL(semconv.SchemaURL),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	if config.Enabled {
		if err := inst.initializeProviders(ctx); err != nil {
			_ = inst.Shutdown(context.Background())
			return nil, fmt.Errorf("failed to initialize providers: %w", err)
		}
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	var err error
	inst.metrics, err = newMetrics(inst)
	if err != nil {
		_ = inst.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

func (i *Instrumentation) initializeProviders(ctx context.Context) error {
	registerer := i.config.Registerer
	gatherer := i.config.Gatherer
	if registerer == nil {
		registry := prometheus.NewRegistry()
		registerer = registry
		gatherer = registry
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	i.gatherer = gatherer

	exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(registerer))
	if err != nil {
		return fmt.Errorf("prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(i.resource),
		sdkmetric.WithReader(exporter),
	)
	i.meterProvider = mp
	i.shutdownFuncs = append(i.shutdownFuncs, mp.Shutdown)

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(i.resource),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(i.config.TraceSampleRatio))),
	}
	if i.config.OTLPEndpoint != "" {
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(i.config.OTLPEndpoint),
			otlptracehttp.WithTimeout(otlpExportTimeout),
		}
		if i.config.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if i.config.OTLPURLPath != "" {
			opts = append(opts, otlptracehttp.WithURLPath(i.config.OTLPURLPath))
		}
		traceExporter, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return fmt.Errorf("otlp trace exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(traceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	i.tracerProvider = tp
	i.shutdownFuncs = append(i.shutdownFuncs, tp.Shutdown)

	return nil
}

// Shutdown flushes and stops the providers. It is safe to call more than once.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	i.shutdownOnce.Do(func() {
		var errs []error
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		i.shutdownErr = errors.Join(errs...)
	})
	return i.shutdownErr
}

// Meter returns a named meter for the given scope
// Scopes are layer names like "http", "server", "storage", "security".
// The full name will be "github.com/giantswarm/mcp-authz/{scope}"
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a named tracer for the given scope
// The full name will be "github.com/giantswarm/mcp-authz/{scope}"
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the metrics holder for recording metric values
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// TracerProvider returns the underlying tracer provider
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// ShouldLogClientIPs returns whether client IP addresses should be logged
func (i *Instrumentation) ShouldLogClientIPs() bool {
	return i != nil && i.config.LogClientIPs
}

// MetricsHandler serves the Prometheus exposition of the registered metrics.
func (i *Instrumentation) MetricsHandler() http.Handler {
	if i.gatherer == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(i.gatherer, promhttp.HandlerOpts{})
}

// StorageSizeCallback is a function that returns the current size of a storage component
type StorageSizeCallback func() int64

// RegisterStorageSizeCallback reports the number of live records held by a
// backend that can count them cheaply, such as the in-memory store.
//
// Example:
//
//	inst.RegisterStorageSizeCallback("memory", func() int64 { return int64(store.Len()) })
func (i *Instrumentation) RegisterStorageSizeCallback(backend string, size StorageSizeCallback) error {
	if i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}
	if size == nil {
		return errors.New("size callback is required")
	}

	gauge := i.metrics.StorageRecords
	_, err := i.Meter("storage").RegisterCallback(
		func(_ context.Context, observer metric.Observer) error {
			observer.ObserveInt64(gauge, size(), metric.WithAttributes(attrBackend(backend)))
			return nil
		},
		gauge,
	)
	return err
}
