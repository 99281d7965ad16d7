// Package observability wires OpenTelemetry metrics and traces for the
// control plane. When disabled (the default) every instrument is a no-op,
// so the engine can record unconditionally.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string
	Enabled        bool
	Insecure       bool
	BatchTimeout   time.Duration
}

// DefaultConfig returns local-development defaults with telemetry off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "capstan",
		ServiceVersion: "0.1.0",
		OTLPEndpoint:   "localhost:4317",
		BatchTimeout:   5 * time.Second,
	}
}

// Provider owns the trace and metric providers plus the engine's
// instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter

	workflowsStarted   metric.Int64Counter
	workflowsFinished  metric.Int64Counter
	stepsExecuted      metric.Int64Counter
	stepRetries        metric.Int64Counter
	compensationsRun   metric.Int64Counter
	approvalsRequested metric.Int64Counter
}

// New builds a provider. With Enabled=false it returns a no-op provider
// whose instruments discard everything.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Provider{config: cfg}
	if !cfg.Enabled {
		p.tracer = noop.NewTracerProvider().Tracer("capstan")
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExp, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: trace exporter: %w", err)
	}
	metricExp, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: metric exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
		sdktrace.WithResource(res),
	)
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)

	p.tracer = p.tracerProvider.Tracer("capstan")
	p.meter = p.meterProvider.Meter("capstan")
	if err := p.initInstruments(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initInstruments() error {
	var err error
	if p.workflowsStarted, err = p.meter.Int64Counter("capstan.workflows.started"); err != nil {
		return fmt.Errorf("observability: instrument: %w", err)
	}
	if p.workflowsFinished, err = p.meter.Int64Counter("capstan.workflows.finished"); err != nil {
		return fmt.Errorf("observability: instrument: %w", err)
	}
	if p.stepsExecuted, err = p.meter.Int64Counter("capstan.steps.executed"); err != nil {
		return fmt.Errorf("observability: instrument: %w", err)
	}
	if p.stepRetries, err = p.meter.Int64Counter("capstan.steps.retries"); err != nil {
		return fmt.Errorf("observability: instrument: %w", err)
	}
	if p.compensationsRun, err = p.meter.Int64Counter("capstan.compensations.run"); err != nil {
		return fmt.Errorf("observability: instrument: %w", err)
	}
	if p.approvalsRequested, err = p.meter.Int64Counter("capstan.approvals.requested"); err != nil {
		return fmt.Errorf("observability: instrument: %w", err)
	}
	return nil
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			return err
		}
	}
	if p.meterProvider != nil {
		return p.meterProvider.Shutdown(ctx)
	}
	return nil
}

// StartSpan opens a span for one workflow run. Safe on a no-op provider.
func (p *Provider) StartSpan(ctx context.Context, name string, workflowID string) (context.Context, trace.Span) {
	if p == nil || p.tracer == nil {
		return ctx, noop.Span{}
	}
	return p.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("capstan.workflow_id", workflowID),
	))
}

// WorkflowStarted increments the started counter.
func (p *Provider) WorkflowStarted(ctx context.Context) {
	if p != nil && p.workflowsStarted != nil {
		p.workflowsStarted.Add(ctx, 1)
	}
}

// WorkflowFinished increments the finished counter tagged with the
// terminal status.
func (p *Provider) WorkflowFinished(ctx context.Context, status string) {
	if p != nil && p.workflowsFinished != nil {
		p.workflowsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

// StepExecuted increments the step counter tagged with the outcome.
func (p *Provider) StepExecuted(ctx context.Context, capability string, success bool) {
	if p != nil && p.stepsExecuted != nil {
		p.stepsExecuted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("capability", capability),
			attribute.Bool("success", success),
		))
	}
}

// StepRetried increments the retry counter.
func (p *Provider) StepRetried(ctx context.Context, capability string) {
	if p != nil && p.stepRetries != nil {
		p.stepRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("capability", capability)))
	}
}

// CompensationRun increments the compensation counter tagged with the
// outcome.
func (p *Provider) CompensationRun(ctx context.Context, success bool) {
	if p != nil && p.compensationsRun != nil {
		p.compensationsRun.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
	}
}

// ApprovalRequested increments the approval counter.
func (p *Provider) ApprovalRequested(ctx context.Context) {
	if p != nil && p.approvalsRequested != nil {
		p.approvalsRequested.Add(ctx, 1)
	}
}
