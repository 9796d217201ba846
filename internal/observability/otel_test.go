package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitTracerDisabled(t *testing.T) {
	shutdown, err := InitTracer(TracerConfig{})
	if err != nil {
		t.Fatalf("InitTracer: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestInitTracerExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracer(TracerConfig{Enabled: true, ServiceName: "crmbulk-test", Writer: &buf})
	if err != nil {
		t.Fatalf("InitTracer: %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "bulk.execute")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "bulk.execute") {
		t.Errorf("exported spans do not include bulk.execute: %s", out)
	}
	if !strings.Contains(out, "crmbulk-test") {
		t.Errorf("exported spans do not carry the service name: %s", out)
	}
}
