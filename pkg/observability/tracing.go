// Package observability provides OpenTelemetry tracing for Stratus
package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/stratusdata/stratus"

var (
	tracerProvider *sdktrace.TracerProvider
	initOnce       sync.Once
)

// TracingConfig contains tracing configuration
type TracingConfig struct {
	Enabled      bool
	ServiceName  string
	SamplingRate float64
	PrettyPrint  bool
}

// InitTracing sets up a stdout trace exporter. When disabled, the default
// no-op provider stays in place and spans cost almost nothing.
func InitTracing(cfg TracingConfig) error {
	if !cfg.Enabled {
		return nil
	}

	var err error
	initOnce.Do(func() {
		opts := []stdouttrace.Option{}
		if cfg.PrettyPrint {
			opts = append(opts, stdouttrace.WithPrettyPrint())
		}

		var exporter *stdouttrace.Exporter
		exporter, err = stdouttrace.New(opts...)
		if err != nil {
			return
		}

		sampler := sdktrace.AlwaysSample()
		if cfg.SamplingRate > 0 && cfg.SamplingRate < 1 {
			sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
		}

		tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithSampler(sampler),
		)
		otel.SetTracerProvider(tracerProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	})

	return err
}

// Shutdown flushes and stops the tracer provider.
func Shutdown(ctx context.Context) error {
	if tracerProvider == nil {
		return nil
	}
	return tracerProvider.Shutdown(ctx)
}

// Tracer returns the tracer for this module.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span with the given name and attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on the span (if non-nil) and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
