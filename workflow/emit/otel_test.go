package emit

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*tracetest.InMemoryExporter, *OTelEmitter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter, NewOTelEmitter(otel.Tracer("test"))
}

func attributeMap(attrs []attribute.KeyValue) map[string]interface{} {
	m := make(map[string]interface{}, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

func TestOTelEmitter_Emit(t *testing.T) {
	exporter, emitter := newTestTracer(t)

	emitter.Emit(Event{
		WorkflowID: "order-42",
		Position:   2,
		StepKey:    "charge",
		Msg:        MsgStepCheckpoint,
		Meta: map[string]interface{}{
			"fencing_token": int64(7),
			"duration_ms":   15,
			"wait":          250 * time.Millisecond,
			"compressed":    true,
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != MsgStepCheckpoint {
		t.Errorf("span name = %q, want %q", span.Name, MsgStepCheckpoint)
	}

	attrs := attributeMap(span.Attributes)
	want := map[string]interface{}{
		"idempotent.workflow_id": "order-42",
		"idempotent.position":    int64(2),
		"idempotent.step_key":    "charge",
		"fencing_token":          int64(7),
		"duration_ms":            int64(15),
		"wait":                   int64(250),
		"compressed":             true,
	}
	for key, value := range want {
		if attrs[key] != value {
			t.Errorf("%s = %v (%T), want %v", key, attrs[key], attrs[key], value)
		}
	}
	if span.Status.Code == codes.Error {
		t.Error("span should not have error status")
	}
}

func TestOTelEmitter_ErrorStatus(t *testing.T) {
	exporter, emitter := newTestTracer(t)

	emitter.Emit(Event{
		WorkflowID: "order-42",
		Msg:        MsgStepError,
		Meta:       map[string]interface{}{"error": "card declined"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status = %v, want Error", spans[0].Status.Code)
	}
	if spans[0].Status.Description != "card declined" {
		t.Errorf("description = %q", spans[0].Status.Description)
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected a recorded error event")
	}
}

func TestOTelEmitter_EmitBatch(t *testing.T) {
	exporter, emitter := newTestTracer(t)

	events := []Event{
		{WorkflowID: "w", Msg: MsgStepStart},
		{WorkflowID: "w", Msg: MsgStepCheckpoint},
		{WorkflowID: "w", Msg: MsgWorkflowComplete},
	}
	if err := emitter.EmitBatch(context.Background(), events); err != nil {
		t.Fatalf("EmitBatch: %v", err)
	}
	if got := len(exporter.GetSpans()); got != 3 {
		t.Errorf("spans = %d, want 3", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := emitter.EmitBatch(ctx, events); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestOTelEmitter_Flush(t *testing.T) {
	_, emitter := newTestTracer(t)
	if err := emitter.Flush(context.Background()); err != nil {
		t.Errorf("Flush: %v", err)
	}
}
