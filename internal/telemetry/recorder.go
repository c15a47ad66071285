package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SpanSummary is what the diagnostics endpoint shows for a finished span.
type SpanSummary struct {
	Name       string            `json:"name"`
	TraceID    string            `json:"trace_id"`
	Start      time.Time         `json:"start"`
	Duration   time.Duration     `json:"duration"`
	Status     string            `json:"status"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Recorder is a span processor that keeps the most recent finished spans
// in a ring.
type Recorder struct {
	mu    sync.Mutex
	ring  []SpanSummary
	next  int
	count int
}

var _ sdktrace.SpanProcessor = (*Recorder)(nil)

// NewRecorder keeps up to size spans.
func NewRecorder(size int) *Recorder {
	if size <= 0 {
		size = 256
	}
	return &Recorder{ring: make([]SpanSummary, size)}
}

func (r *Recorder) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (r *Recorder) OnEnd(s sdktrace.ReadOnlySpan) {
	sum := SpanSummary{
		Name:     s.Name(),
		TraceID:  s.SpanContext().TraceID().String(),
		Start:    s.StartTime(),
		Duration: s.EndTime().Sub(s.StartTime()),
		Status:   s.Status().Code.String(),
	}
	if attrs := s.Attributes(); len(attrs) > 0 {
		sum.Attributes = make(map[string]string, len(attrs))
		for _, kv := range attrs {
			sum.Attributes[string(kv.Key)] = kv.Value.Emit()
		}
	}
	r.mu.Lock()
	r.ring[r.next] = sum
	r.next = (r.next + 1) % len(r.ring)
	if r.count < len(r.ring) {
		r.count++
	}
	r.mu.Unlock()
}

func (r *Recorder) Shutdown(context.Context) error   { return nil }
func (r *Recorder) ForceFlush(context.Context) error { return nil }

// Recent returns the recorded spans, oldest first.
func (r *Recorder) Recent() []SpanSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SpanSummary, 0, r.count)
	start := (r.next - r.count + len(r.ring)) % len(r.ring)
	for i := 0; i < r.count; i++ {
		out = append(out, r.ring[(start+i)%len(r.ring)])
	}
	return out
}

// InstallTracerProvider makes a tracer provider feeding rec the global
// one and returns its shutdown function.
func InstallTracerProvider(res *resource.Resource, rec *Recorder) func(context.Context) error {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(rec),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}
