// Package telemetry configures OpenTelemetry tracing for the builder.
package telemetry

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Shutdown flushes pending spans and stops the tracer provider.
type Shutdown func(context.Context) error

// Options configures InitTracer.
type Options struct {
	ServiceName string
	// Writer receives exported spans; stdout when nil.
	Writer io.Writer
	// SampleRatio is the fraction of new traces recorded. Spans whose parent
	// was sampled upstream are always recorded.
	SampleRatio float64
	// BatchTimeout bounds how long finished spans wait before export; zero means 5s.
	BatchTimeout time.Duration
}

// InitTracer installs a stdout tracer provider and the W3C trace context
// propagator. When the exporter cannot be created the global no-op provider is
// left in place.
func InitTracer(ctx context.Context, opts Options) Shutdown {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	batchTimeout := opts.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 5 * time.Second
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		log.Printf("telemetry exporter init failed: %v", err)
		return func(context.Context) error { return nil }
	}

	host, _ := os.Hostname()
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(batchTimeout)),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(opts.ServiceName),
			attribute.String("service.instance.id", host),
		)),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		return errors.Join(provider.ForceFlush(ctx), provider.Shutdown(ctx))
	}
}
