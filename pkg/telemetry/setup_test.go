package telemetry

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func TestInitTracerExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	shutdown := InitTracer(ctx, Options{ServiceName: "contract-builder-test", Writer: &buf, SampleRatio: 1})

	_, span := otel.Tracer("telemetry-test").Start(ctx, "build.stage")
	span.End()

	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "build.stage") {
		t.Fatalf("span not exported: %s", out)
	}
	if !strings.Contains(out, "contract-builder-test") {
		t.Fatalf("service name missing from resource: %s", out)
	}
}

func TestInitTracerHonoursSampleRatio(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	shutdown := InitTracer(ctx, Options{ServiceName: "contract-builder-test", Writer: &buf, SampleRatio: 0})

	_, span := otel.Tracer("telemetry-test").Start(ctx, "build")
	if span.SpanContext().IsSampled() {
		t.Fatalf("root span sampled with ratio 0")
	}
	span.End()

	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if strings.Contains(buf.String(), `"build"`) {
		t.Fatalf("unsampled span exported: %s", buf.String())
	}
}

func TestInitTracerFollowsSampledParent(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	shutdown := InitTracer(ctx, Options{ServiceName: "contract-builder-test", Writer: &buf, SampleRatio: 0})
	defer shutdown(ctx)

	header := http.Header{}
	header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	parent := otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(header))

	_, span := otel.Tracer("telemetry-test").Start(parent, "build")
	defer span.End()
	if !span.SpanContext().IsSampled() {
		t.Fatalf("span with sampled remote parent was not sampled")
	}
	if got := span.SpanContext().TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("trace id not propagated: %s", got)
	}
}
