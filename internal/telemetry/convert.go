package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Event kinds.
const (
	EventCrash       = "crash"
	EventEnsure      = "ensure"
	EventHang        = "hang"
	EventProcessExit = "process_exit"
)

// Event is one exported occurrence.
type Event struct {
	Kind        string
	Time        time.Time
	GUID        string
	Signal      int
	Description string
	ThreadID    uint64
	ThreadName  string
	PID         int
	ExitCode    int
	Path        string
	// CallstackCRC identifies the stack without shipping it.
	CallstackCRC uint32
}

func convertToLogRecord(ev Event) otellog.Record {
	var rec otellog.Record
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	rec.SetTimestamp(ts)
	rec.SetBody(otellog.StringValue(eventBody(ev)))
	sev := eventSeverity(ev)
	rec.SetSeverity(sev)
	rec.SetSeverityText(sev.String())
	rec.AddAttributes(eventAttributes(ev)...)
	return rec
}

// eventBody returns a human-readable summary of the event.
func eventBody(ev Event) string {
	switch ev.Kind {
	case EventProcessExit:
		return fmt.Sprintf("%s: %s exited with %d", ev.Kind, ev.Path, ev.ExitCode)
	case EventHang:
		return fmt.Sprintf("%s: thread %d (%s)", ev.Kind, ev.ThreadID, ev.ThreadName)
	}
	if ev.Description != "" {
		return fmt.Sprintf("%s: %s", ev.Kind, ev.Description)
	}
	return ev.Kind
}

func eventSeverity(ev Event) otellog.Severity {
	switch ev.Kind {
	case EventCrash:
		return otellog.SeverityFatal
	case EventEnsure, EventHang:
		return otellog.SeverityError
	case EventProcessExit:
		if ev.ExitCode != 0 {
			return otellog.SeverityWarn
		}
	}
	return otellog.SeverityInfo
}

func eventAttributes(ev Event) []otellog.KeyValue {
	attrs := []otellog.KeyValue{otellog.String("oslayer.event.kind", ev.Kind)}
	if ev.PID != 0 {
		attrs = append(attrs, otellog.Int("process.pid", ev.PID))
	}
	if ev.Path != "" {
		attrs = append(attrs, otellog.String("process.executable.path", ev.Path))
	}
	if ev.Kind == EventProcessExit {
		attrs = append(attrs, otellog.Int("process.exit.code", ev.ExitCode))
	}
	if ev.ThreadID != 0 {
		attrs = append(attrs, otellog.String("thread.id", strconv.FormatUint(ev.ThreadID, 10)))
	}
	if ev.ThreadName != "" {
		attrs = append(attrs, otellog.String("thread.name", ev.ThreadName))
	}
	if ev.GUID != "" {
		attrs = append(attrs, otellog.String("oslayer.crash.guid", ev.GUID))
	}
	if ev.Signal != 0 {
		attrs = append(attrs, otellog.Int("oslayer.signal", ev.Signal))
	}
	if ev.CallstackCRC != 0 {
		attrs = append(attrs, otellog.String("oslayer.callstack_crc", fmt.Sprintf("%08x", ev.CallstackCRC)))
	}
	return attrs
}

// BuildResource creates an OTEL Resource with the service name and
// optional extra attributes.
func BuildResource(serviceName string, extraAttrs map[string]string) *resource.Resource {
	kvs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
	}
	for k, v := range extraAttrs {
		kvs = append(kvs, attribute.String(k, v))
	}
	res, _ := resource.New(
		context.Background(),
		resource.WithAttributes(kvs...),
	)
	return res
}
