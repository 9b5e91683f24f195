// Package observability wires OpenTelemetry tracing and metrics for the
// submission pipeline: a submission counter and duration histogram labelled
// by operation and classified code, plus queue depth gauges.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC endpoint, e.g. "localhost:4317"
	SampleRate     float64
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns sane development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "fiscalcore",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		Enabled:        false,
	}
}

// Metrics owns the providers and the pipeline instruments. A disabled
// Metrics is a valid no-op recorder.
type Metrics struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	submissions  metric.Int64Counter
	durationHist metric.Float64Histogram

	queuePending    atomic.Int64
	queueProcessing atomic.Int64
}

// New creates the provider. With Enabled false it returns a no-op recorder
// and skips all exporter setup.
func New(ctx context.Context, config *Config) (*Metrics, error) {
	if config == nil {
		config = DefaultConfig()
	}
	m := &Metrics{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		return m, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	if err := m.initTraceProvider(ctx, res); err != nil {
		return nil, err
	}
	if err := m.initMetricProvider(ctx, res); err != nil {
		return nil, err
	}

	m.tracer = otel.Tracer("fiscalcore",
		trace.WithInstrumentationVersion(config.ServiceVersion))
	m.meter = otel.Meter("fiscalcore",
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := m.initInstruments(); err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return m, nil
}

func (m *Metrics) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(m.config.OTLPEndpoint),
	}
	if m.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case m.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case m.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(m.config.SampleRate)
	}

	m.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(m.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (m *Metrics) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(m.config.OTLPEndpoint),
	}
	if m.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: metric exporter: %w", err)
	}

	m.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(m.meterProvider)
	return nil
}

func (m *Metrics) initInstruments() error {
	var err error

	m.submissions, err = m.meter.Int64Counter("fiscal.submissions.total",
		metric.WithDescription("Submissions processed, labelled by operation and outcome"),
		metric.WithUnit("{submission}"),
	)
	if err != nil {
		return err
	}

	m.durationHist, err = m.meter.Float64Histogram("fiscal.submission.duration",
		metric.WithDescription("Regulator round-trip duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return err
	}

	if _, err = m.meter.Int64ObservableGauge("fiscal.queue.pending",
		metric.WithDescription("Pending queue items"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.queuePending.Load())
			return nil
		}),
	); err != nil {
		return err
	}

	_, err = m.meter.Int64ObservableGauge("fiscal.queue.processing",
		metric.WithDescription("In-flight queue items"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.queueProcessing.Load())
			return nil
		}),
	)
	return err
}

// RecordSubmission counts one settled submission and its round-trip time.
func (m *Metrics) RecordSubmission(ctx context.Context, operation, code string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("code", code),
	)
	if m.submissions != nil {
		m.submissions.Add(ctx, 1, attrs)
	}
	if m.durationHist != nil {
		m.durationHist.Record(ctx, d.Seconds(), attrs)
	}
}

// SetQueueDepth publishes the latest queue depth observed by a consume pass.
func (m *Metrics) SetQueueDepth(_ context.Context, pending, processing int) {
	m.queuePending.Store(int64(pending))
	m.queueProcessing.Store(int64(processing))
}

// StartSpan starts a span on the pipeline tracer.
func (m *Metrics) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if m.tracer == nil {
		return otel.Tracer("fiscalcore").Start(ctx, name, opts...)
	}
	return m.tracer.Start(ctx, name, opts...)
}

// Shutdown flushes and stops the providers.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.tracerProvider != nil {
		if err := m.tracerProvider.Shutdown(ctx); err != nil {
			m.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if m.meterProvider != nil {
		if err := m.meterProvider.Shutdown(ctx); err != nil {
			m.logger.ErrorContext(ctx, "meter provider shutdown failed", "error", err)
		}
	}
	return nil
}
