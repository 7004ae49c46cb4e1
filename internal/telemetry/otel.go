// Package telemetry provides OpenTelemetry instrumentation
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
)

// Config holds telemetry configuration
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	MetricsPort    int
}

// Provider manages OpenTelemetry providers
type Provider struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter

	// Pipeline-stage metrics
	requestCounter   metric.Int64Counter
	requestDuration  metric.Float64Histogram
	denialCounter    metric.Int64Counter
	errorCounter     metric.Int64Counter
	approvalsPending metric.Int64UpDownCounter
}

// NewProvider creates a new telemetry provider
func NewProvider(cfg Config) (*Provider, error) {
	ctx := context.Background()

	// Create resource with service info
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Setup trace exporter — use TLS by default, plaintext only when OTEL_INSECURE=true
	exporterOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
	}
	if strings.EqualFold(os.Getenv("OTEL_INSECURE"), "true") {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
	} else {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}

	traceExporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	// Setup tracer provider
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	// Setup Prometheus exporter for metrics
	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(meterProvider)

	p := &Provider{
		config:         cfg,
		tracerProvider: tracerProvider,
		meterProvider:  meterProvider,
		tracer:         tracerProvider.Tracer(cfg.ServiceName),
		meter:          meterProvider.Meter(cfg.ServiceName),
	}

	// Initialize metrics
	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return p, nil
}

func (p *Provider) initMetrics() error {
	var err error

	p.requestCounter, err = p.meter.Int64Counter(
		"cori_requests_total",
		metric.WithDescription("Total number of pipeline invocations, by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	p.requestDuration, err = p.meter.Float64Histogram(
		"cori_request_duration_seconds",
		metric.WithDescription("End-to-end pipeline request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	p.denialCounter, err = p.meter.Int64Counter(
		"cori_denials_total",
		metric.WithDescription("Total requests denied by the validator"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	p.errorCounter, err = p.meter.Int64Counter(
		"cori_errors_total",
		metric.WithDescription("Total pipeline requests that failed for a reason other than a policy denial"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	p.approvalsPending, err = p.meter.Int64UpDownCounter(
		"cori_approvals_pending",
		metric.WithDescription("Currently suspended requests awaiting human approval"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	return nil
}

// Tracer returns the tracer instance
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Meter returns the meter instance
func (p *Provider) Meter() metric.Meter {
	return p.meter
}

// Shutdown gracefully shuts down telemetry providers.
// Both tracer and meter are shut down regardless of individual failures.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
	}
	return errors.Join(errs...)
}

// PipelineRequestMetrics records the outcome of one pipeline.Run call.
type PipelineRequestMetrics struct {
	Role      string
	Tenant    string
	Tool      string
	Outcome   string // one of audit.Outcome's string values
	Duration  time.Duration
	Denied    bool
	ErrorKind string // pipeline.Error.Kind, empty on success or denial
}

// RecordPipelineRequest records metrics for one finished pipeline request.
func (p *Provider) RecordPipelineRequest(ctx context.Context, m PipelineRequestMetrics) {
	attrs := []attribute.KeyValue{
		attribute.String("role", m.Role),
		attribute.String("tool", m.Tool),
		attribute.String("outcome", m.Outcome),
	}

	p.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	p.requestDuration.Record(ctx, m.Duration.Seconds(), metric.WithAttributes(attrs...))

	if m.Denied {
		p.denialCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	if m.ErrorKind != "" {
		errAttrs := make([]attribute.KeyValue, len(attrs), len(attrs)+1)
		copy(errAttrs, attrs)
		errAttrs = append(errAttrs, attribute.String("error_kind", m.ErrorKind))
		p.errorCounter.Add(ctx, 1, metric.WithAttributes(errAttrs...))
	}
}

// ApprovalSuspended marks a request as newly suspended awaiting approval.
func (p *Provider) ApprovalSuspended(ctx context.Context, tool string) {
	p.approvalsPending.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool)))
}

// ApprovalResolved marks a previously suspended request as resolved, one
// way or the other.
func (p *Provider) ApprovalResolved(ctx context.Context, tool string) {
	p.approvalsPending.Add(ctx, -1, metric.WithAttributes(attribute.String("tool", tool)))
}

// StartSpan starts a new span
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, opts...)
}
