// Package tracing configures the OpenTelemetry tracer provider. Finished
// spans can be written to the process logger.
package tracing

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// LogExporter writes finished spans as structured log entries.
type LogExporter struct {
	log *log.Logger
}

// NewLogExporter creates an exporter logging to logger.
func NewLogExporter(logger *log.Logger) *LogExporter {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &LogExporter{log: logger}
}

func (e *LogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		if err := ctx.Err(); err != nil {
			return err
		}
		fields := log.Fields{
			"trace_id":    s.SpanContext().TraceID().String(),
			"span_id":     s.SpanContext().SpanID().String(),
			"span":        s.Name(),
			"duration_ms": float64(s.EndTime().Sub(s.StartTime())) / float64(time.Millisecond),
			"status":      s.Status().Code.String(),
		}
		if desc := s.Status().Description; desc != "" {
			fields["status_message"] = desc
		}
		for _, kv := range s.Attributes() {
			fields[string(kv.Key)] = kv.Value.AsInterface()
		}
		e.log.WithFields(fields).Info("trace.span")
	}
	return nil
}

func (e *LogExporter) Shutdown(context.Context) error { return nil }

// NewProvider returns a tracer provider. With export enabled, spans are
// batched to a LogExporter.
func NewProvider(logger *log.Logger, export bool) *sdktrace.TracerProvider {
	if !export {
		return sdktrace.NewTracerProvider()
	}
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(NewLogExporter(logger)))
}
