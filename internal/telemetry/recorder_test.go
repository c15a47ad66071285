package telemetry

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func installForTest(t *testing.T, rec *Recorder) func() {
	t.Helper()
	prev := otel.GetTracerProvider()
	shutdown := InstallTracerProvider(BuildResource("oslayer-test", nil), rec)
	return func() {
		_ = shutdown(context.Background())
		otel.SetTracerProvider(prev)
	}
}

func TestRecorder_RingKeepsNewest(t *testing.T) {
	rec := NewRecorder(3)
	restore := installForTest(t, rec)
	defer restore()

	for i := 0; i < 5; i++ {
		_, span := ReportSpan(context.Background(), "ensure", fmt.Sprintf("g%d", i))
		span.End()
	}

	got := rec.Recent()
	require.Len(t, got, 3)
	for i, s := range got {
		assert.Equal(t, "crash_report", s.Name)
		assert.Equal(t, fmt.Sprintf("g%d", i+2), s.Attributes["crash.guid"])
	}
}

func TestRecorder_DefaultSize(t *testing.T) {
	rec := NewRecorder(0)
	assert.Len(t, rec.ring, 256)
	assert.Empty(t, rec.Recent())
}

func TestHangSpan_Attributes(t *testing.T) {
	rec := NewRecorder(4)
	restore := installForTest(t, rec)
	defer restore()

	ctx, span := HangSpan(context.Background(), 77, "RenderThread", 0xabc)
	assert.NotEmpty(t, ExtractTraceID(ctx))
	span.End()

	got := rec.Recent()
	require.Len(t, got, 1)
	assert.Equal(t, "hang_detected", got[0].Name)
	assert.Equal(t, "77", got[0].Attributes["thread.id"])
	assert.Equal(t, "RenderThread", got[0].Attributes["thread.name"])
	assert.Equal(t, "abc", got[0].Attributes["hang.callstack_crc"])
}

func TestRecordReport(t *testing.T) {
	rec := NewRecorder(4)
	restore := installForTest(t, rec)
	defer restore()

	_, span := ReportSpan(context.Background(), "crash", "guid-1")
	RecordReport(span, "/tmp/crashinfo-x", 1234)
	span.End()

	got := rec.Recent()
	require.Len(t, got, 1)
	assert.Equal(t, "/tmp/crashinfo-x", got[0].Attributes["crash.dir"])
	assert.Equal(t, "crash", got[0].Attributes["crash.kind"])
}

func TestExtractTraceID_NoSpan(t *testing.T) {
	assert.Empty(t, ExtractTraceID(context.Background()))
}
