// Package telemetry wires the engine's OpenTelemetry tracer and meter
// providers: a single Provider owning both a TracerProvider and a
// MeterProvider off one resource.
//
// Exporting to a collector is the deployment's concern, so Provider builds
// the SDK providers with no span processor or metric reader wired by
// default. Spans and instruments are created and usable in-process;
// nothing leaves the process until RegisterSpanExporter (or a metric
// reader passed to New) supplies a concrete exporter.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Provider owns the engine's tracer and meter. One Provider is created at
// startup and shared across every request.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter

	mu          sync.Mutex
	shutdownOnce sync.Once

	instruments *Instruments
}

// Instruments caches the counters/histograms the orchestrator records
// against, built once so hot paths never call meter.Int64Counter
// repeatedly.
type Instruments struct {
	RequestsTotal   metric.Int64Counter
	FailuresTotal   metric.Int64Counter
	PipelineLatency metric.Float64Histogram
}

// New builds a Provider for serviceName. Resource attributes carry the
// {service.name, service.version} pair via plain attribute.KeyValue
// constructors.
// metricReaders is normally empty at startup; the SDK only accepts readers at construction time,
// unlike span processors, so a deployment that wants metrics exported
// passes its reader here rather than registering one later.
func New(serviceName, serviceVersion string, metricReaders ...sdkmetric.Reader) (*Provider, error) {
	if serviceName == "" {
		serviceName = "routing-engine"
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))

	meterOpts := make([]sdkmetric.Option, 0, len(metricReaders)+1)
	meterOpts = append(meterOpts, sdkmetric.WithResource(res))
	for _, r := range metricReaders {
		meterOpts = append(meterOpts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(meterOpts...)

	p := &Provider{
		tracerProvider: tp,
		meterProvider:  mp,
		tracer:         tp.Tracer("routing-engine"),
		meter:          mp.Meter("routing-engine"),
	}

	if err := p.buildInstruments(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) buildInstruments() error {
	requests, err := p.meter.Int64Counter("routing_engine.requests_total",
		metric.WithDescription("Total inbound requests handled by the orchestrator"))
	if err != nil {
		return err
	}
	failures, err := p.meter.Int64Counter("routing_engine.failures_total",
		metric.WithDescription("Total requests that ended in a FatalError or no eligible pipelines"))
	if err != nil {
		return err
	}
	latency, err := p.meter.Float64Histogram("routing_engine.pipeline_latency_ms",
		metric.WithDescription("Per-pipeline-attempt latency in milliseconds"))
	if err != nil {
		return err
	}
	p.instruments = &Instruments{RequestsTotal: requests, FailuresTotal: failures, PipelineLatency: latency}
	return nil
}

// Tracer returns the engine's shared tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Instruments returns the cached metric instruments.
func (p *Provider) Instruments() *Instruments { return p.instruments }

// RegisterSpanExporter attaches a batch span processor wrapping exporter.
// A real deployment calls this once at startup with whatever exporter its
// environment provides; nothing in this package imports an exporter type.
func (p *Provider) RegisterSpanExporter(exporter sdktrace.SpanExporter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracerProvider.RegisterSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter))
}

// StartSpan starts a child span under name, returning the derived context
// and span. Callers defer span.End().
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Shutdown flushes and stops both providers. Safe to call more than once.
func (p *Provider) Shutdown(ctx context.Context) error {
	var err error
	p.shutdownOnce.Do(func() {
		if shutdownErr := p.tracerProvider.Shutdown(ctx); shutdownErr != nil {
			err = shutdownErr
		}
		if shutdownErr := p.meterProvider.Shutdown(ctx); shutdownErr != nil && err == nil {
			err = shutdownErr
		}
	})
	return err
}
