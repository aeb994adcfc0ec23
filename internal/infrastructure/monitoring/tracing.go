package monitoring

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/alem-hub/mastery-engine/pkg/logger"
)

// TracingConfig configures the tracer provider.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Version     string
	// SampleRatio in 0..1; 0 samples nothing, 1 samples everything.
	SampleRatio float64
}

// SetupTracing installs a global tracer provider and returns its shutdown func.
// Finished spans are written to the debug log; with tracing disabled the
// global no-op provider stays in place.
func SetupTracing(cfg TracingConfig, log *logger.Logger) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	if log == nil {
		log = logger.Nop()
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.Version),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithSpanProcessor(&logSpanProcessor{log: log.With(logger.Component("tracing"))}),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// logSpanProcessor пишет завершённые спаны в debug-лог.
type logSpanProcessor struct {
	log *logger.Logger
}

func (p *logSpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *logSpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	fields := []logger.Field{
		logger.String("span", s.Name()),
		logger.String("trace_id", s.SpanContext().TraceID().String()),
		logger.Latency(s.EndTime().Sub(s.StartTime())),
		logger.String("status", s.Status().Code.String()),
	}
	for _, kv := range s.Attributes() {
		fields = append(fields, logger.String(string(kv.Key), kv.Value.Emit()))
	}
	p.log.Debug("span finished", fields...)
}

func (p *logSpanProcessor) Shutdown(context.Context) error   { return nil }
func (p *logSpanProcessor) ForceFlush(context.Context) error { return nil }
