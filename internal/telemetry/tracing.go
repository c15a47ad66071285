// Package telemetry provides OpenTelemetry tracing helpers, an in-memory
// span recorder for the diagnostics endpoint, and an OTLP log exporter for
// crash, hang and process events.
package telemetry

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName is the OpenTelemetry tracer name.
	TracerName = "oslayer"
)

// ReportSpan starts a span around writing and launching a crash report.
func ReportSpan(ctx context.Context, kind, guid string) (context.Context, trace.Span) {
	tracer := otel.Tracer(TracerName)
	return tracer.Start(ctx, "crash_report",
		trace.WithAttributes(
			attribute.String("crash.kind", kind),
			attribute.String("crash.guid", guid),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// RecordReport records where a report ended up.
func RecordReport(span trace.Span, dir string, reporterPID int) {
	span.SetAttributes(attribute.String("crash.dir", dir))
	if reporterPID > 0 {
		span.AddEvent("reporter_launched", trace.WithAttributes(
			attribute.Int("reporter.pid", reporterPID),
		))
	}
}

// HangSpan marks a detected hang.
func HangSpan(ctx context.Context, threadID uint64, threadName string, crc uint32) (context.Context, trace.Span) {
	tracer := otel.Tracer(TracerName)
	return tracer.Start(ctx, "hang_detected",
		trace.WithAttributes(
			attribute.String("thread.id", strconv.FormatUint(threadID, 10)),
			attribute.String("thread.name", threadName),
			attribute.String("hang.callstack_crc", strconv.FormatUint(uint64(crc), 16)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// SpawnSpan starts a span around creating a child process.
func SpawnSpan(ctx context.Context, path string) (context.Context, trace.Span) {
	tracer := otel.Tracer(TracerName)
	return tracer.Start(ctx, "process_spawn",
		trace.WithAttributes(
			attribute.String("process.executable.path", path),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// RecordSpawn records the result of a spawn.
func RecordSpawn(span trace.Span, pid int, err error) {
	if err != nil {
		RecordError(span, err)
		return
	}
	span.SetAttributes(attribute.Int("process.pid", pid))
}

// RecordError records an error on a span.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// ExtractTraceID extracts the trace ID from a context.
func ExtractTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span == nil {
		return ""
	}
	sc := span.SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
