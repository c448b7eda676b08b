package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// ProviderConfig configures the telemetry providers for the client
// process.
type ProviderConfig struct {
	// ServiceName is reported in telemetry resource attributes.
	// Default: "skylark".
	ServiceName string

	// ServiceVersion is the build version stamped into the binary.
	ServiceVersion string

	// Registry receives the client's metrics so the diagnostics
	// listener can serve them without touching the process-global
	// Prometheus state. When nil a fresh registry is created; read it
	// back from [Providers.Registry].
	Registry *prometheus.Registry

	// TraceExporter is an optional span exporter. The client records
	// spans locally even without one, which is enough for the
	// correlation IDs on the diagnostics listener; point it at an OTLP
	// exporter to ship spans somewhere.
	TraceExporter sdktrace.SpanExporter
}

// Providers holds the initialised telemetry stack.
type Providers struct {
	// Registry is the Prometheus registry the meter provider exports
	// into. Serve it via promhttp on the diagnostics listener.
	Registry *prometheus.Registry

	shutdowns []func(context.Context) error
}

// Shutdown flushes and closes every provider. Call it in a defer from
// main().
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdowns {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InitProvider wires up the OTel SDK for the client: a meter provider
// bridged into a Prometheus registry and a tracer provider, both
// registered globally.
func InitProvider(_ context.Context, cfg ProviderConfig) (*Providers, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "skylark"
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}

	res, err := newResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	p := &Providers{Registry: cfg.Registry}

	mp, err := newMeterProvider(res, cfg.Registry)
	if err != nil {
		return nil, fmt.Errorf("observe: meter provider: %w", err)
	}
	otel.SetMeterProvider(mp)
	p.shutdowns = append(p.shutdowns, mp.Shutdown)

	tp := newTracerProvider(res, cfg.TraceExporter)
	otel.SetTracerProvider(tp)
	p.shutdowns = append(p.shutdowns, tp.Shutdown)

	return p, nil
}

func newResource(cfg ProviderConfig) (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
}

func newMeterProvider(res *resource.Resource, reg *prometheus.Registry) (*sdkmetric.MeterProvider, error) {
	exp, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exp),
	), nil
}

func newTracerProvider(res *resource.Resource, exp sdktrace.SpanExporter) *sdktrace.TracerProvider {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exp != nil {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...)
}
