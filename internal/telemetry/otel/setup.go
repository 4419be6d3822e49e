// Package otel wires the confirmation service to an OpenTelemetry collector: traces for each
// confirmation operation, metrics, and the confirmation event log, all exported over OTLP gRPC.
package otel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// DefaultMetricInterval is used when Config.MetricInterval is zero.
const DefaultMetricInterval = 10 * time.Second

// IdentityClassesKey lists the identity classes served by this process on the resource.
const IdentityClassesKey = attribute.Key("sms_confirmation.identity_classes")

// Config describes the process and where its telemetry goes.
type Config struct {
	// Endpoint is the OTLP gRPC collector. Empty disables export.
	Endpoint string
	// Insecure forces plaintext even for https endpoints.
	Insecure        bool
	ServiceName     string
	Environment     string
	IdentityClasses []string
	MetricInterval  time.Duration
}

// Providers holds the providers for one process. Shutdown flushes and stops them.
type Providers struct {
	Resource       *resource.Resource
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *metric.MeterProvider
	LoggerProvider *sdklog.LoggerProvider
	Shutdown       func(context.Context) error
}

// collector is a parsed OTLP gRPC target.
type collector struct {
	host     string
	insecure bool
}

// parseCollector keeps only host:port of endpoint. A missing scheme means http; https dials TLS
// unless forceInsecure is set.
func parseCollector(endpoint string, forceInsecure bool) (collector, error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return collector{}, fmt.Errorf("invalid OTLP endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return collector{}, fmt.Errorf("invalid OTLP endpoint %q: missing host", endpoint)
	}
	return collector{host: u.Host, insecure: forceInsecure || u.Scheme != "https"}, nil
}

func (c collector) traces(ctx context.Context, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(c.host)}
	if c.insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res)), nil
}

func (c collector) metrics(ctx context.Context, res *resource.Resource, interval time.Duration) (*metric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(c.host)}
	if c.insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp metric exporter: %w", err)
	}
	reader := metric.NewPeriodicReader(exp, metric.WithInterval(interval))
	return metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(reader)), nil
}

func (c collector) events(ctx context.Context, res *resource.Resource) (*sdklog.LoggerProvider, error) {
	opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(c.host)}
	if c.insecure {
		opts = append(opts, otlploggrpc.WithInsecure())
	}
	exp, err := otlploggrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp log exporter: %w", err)
	}
	return sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)), sdklog.WithResource(res)), nil
}

// processResource describes the confirmation service process.
func processResource(cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentName(cfg.Environment))
	}
	if len(cfg.IdentityClasses) > 0 {
		attrs = append(attrs, IdentityClassesKey.StringSlice(cfg.IdentityClasses))
	}
	return resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
}

// stopper shuts providers down in reverse start order.
type stopper []func(context.Context) error

func (s stopper) stop(ctx context.Context) error {
	var errs []error
	for i := len(s) - 1; i >= 0; i-- {
		if err := s[i](ctx); err != nil {
			slog.Warn("telemetry: shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewProviders builds the providers for cfg. With no Endpoint the providers only carry the
// resource and Shutdown is a no-op.
func NewProviders(ctx context.Context, cfg Config) (*Providers, error) {
	res, err := processResource(cfg)
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return &Providers{
			Resource:       res,
			TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithResource(res)),
			MeterProvider:  metric.NewMeterProvider(metric.WithResource(res)),
			LoggerProvider: sdklog.NewLoggerProvider(sdklog.WithResource(res)),
			Shutdown:       func(context.Context) error { return nil },
		}, nil
	}
	c, err := parseCollector(endpoint, cfg.Insecure)
	if err != nil {
		return nil, err
	}
	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = DefaultMetricInterval
	}

	p := &Providers{Resource: res}
	var started stopper
	if p.TracerProvider, err = c.traces(ctx, res); err != nil {
		return nil, err
	}
	started = append(started, p.TracerProvider.Shutdown)
	if p.MeterProvider, err = c.metrics(ctx, res, interval); err != nil {
		_ = started.stop(ctx)
		return nil, err
	}
	started = append(started, p.MeterProvider.Shutdown)
	if p.LoggerProvider, err = c.events(ctx, res); err != nil {
		_ = started.stop(ctx)
		return nil, err
	}
	started = append(started, p.LoggerProvider.Shutdown)
	p.Shutdown = started.stop
	return p, nil
}

// SetGlobal installs the tracer and meter providers and a W3C trace-context propagator, which the
// HTTP middleware and service spans pick up. The LoggerProvider is passed to the event emitter.
func (p *Providers) SetGlobal() {
	if p.TracerProvider != nil {
		otel.SetTracerProvider(p.TracerProvider)
	}
	if p.MeterProvider != nil {
		otel.SetMeterProvider(p.MeterProvider)
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}
