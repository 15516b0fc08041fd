package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestLogExporterWritesSpans(t *testing.T) {
	logger, hook := test.NewNullLogger()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(NewLogExporter(logger)))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	_, span := tp.Tracer("test").Start(context.Background(), "tasks.create")
	span.SetAttributes(attribute.Int64("actor.id", 7))
	span.RecordError(errors.New("boom"))
	span.SetStatus(codes.Error, "boom")
	span.End()

	entry := hook.LastEntry()
	if entry == nil || entry.Message != "trace.span" {
		t.Fatalf("expected a span entry, got %+v", entry)
	}
	if entry.Data["span"] != "tasks.create" || entry.Data["actor.id"] != int64(7) {
		t.Fatalf("unexpected fields %v", entry.Data)
	}
	if entry.Data["status"] != "Error" || entry.Data["status_message"] != "boom" {
		t.Fatalf("unexpected status %v", entry.Data)
	}
}

func TestExportStopsOnCancelledContext(t *testing.T) {
	logger, hook := test.NewNullLogger()
	exp := NewLogExporter(logger)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tp := sdktrace.NewTracerProvider()
	_, span := tp.Tracer("test").Start(context.Background(), "x")
	span.End()
	ro, ok := span.(sdktrace.ReadOnlySpan)
	if !ok {
		t.Fatalf("sdk spans should be read-only spans")
	}
	if err := exp.ExportSpans(ctx, []sdktrace.ReadOnlySpan{ro}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(hook.AllEntries()) != 0 {
		t.Fatalf("nothing should be logged after cancellation")
	}
}
