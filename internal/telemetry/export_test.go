package telemetry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// countingLogExporter implements sdklog.Exporter and counts exported records.
type countingLogExporter struct {
	mu      sync.Mutex
	count   atomic.Int64
	records []sdklog.Record
}

func (e *countingLogExporter) Export(_ context.Context, records []sdklog.Record) error {
	e.count.Add(int64(len(records)))
	e.mu.Lock()
	for _, r := range records {
		e.records = append(e.records, r.Clone())
	}
	e.mu.Unlock()
	return nil
}

func (e *countingLogExporter) Shutdown(_ context.Context) error   { return nil }
func (e *countingLogExporter) ForceFlush(_ context.Context) error { return nil }

func (e *countingLogExporter) Records() []sdklog.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make([]sdklog.Record, len(e.records))
	copy(cp, e.records)
	return cp
}

func newTestExporter(t *testing.T) (*Exporter, *countingLogExporter) {
	t.Helper()
	exp := &countingLogExporter{}
	e := newExporterWithProcessor(sdklog.NewSimpleProcessor(exp), BuildResource("oslayer-test", nil))
	t.Cleanup(func() { _ = e.Close() })
	return e, exp
}

func recordAttrs(r sdklog.Record) map[string]string {
	out := map[string]string{}
	r.WalkAttributes(func(kv otellog.KeyValue) bool {
		out[kv.Key] = kv.Value.String()
		return true
	})
	return out
}

func TestExporter_CrashEvent(t *testing.T) {
	e, exp := newTestExporter(t)
	when := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	e.Emit(context.Background(), Event{
		Kind:         EventCrash,
		Time:         when,
		GUID:         "abc",
		Signal:       11,
		Description:  "SIGSEGV: segmentation violation",
		ThreadID:     42,
		ThreadName:   "GameThread",
		CallstackCRC: 0xdeadbeef,
	})

	recs := exp.Records()
	require.Len(t, recs, 1)
	r := recs[0]
	assert.Equal(t, otellog.SeverityFatal, r.Severity())
	assert.True(t, when.Equal(r.Timestamp()))
	assert.Equal(t, "crash: SIGSEGV: segmentation violation", r.Body().AsString())

	attrs := recordAttrs(r)
	assert.Equal(t, "crash", attrs["oslayer.event.kind"])
	assert.Equal(t, "abc", attrs["oslayer.crash.guid"])
	assert.Equal(t, "11", attrs["oslayer.signal"])
	assert.Equal(t, "42", attrs["thread.id"])
	assert.Equal(t, "GameThread", attrs["thread.name"])
	assert.Equal(t, "deadbeef", attrs["oslayer.callstack_crc"])
	assert.NotContains(t, attrs, "process.exit.code")
}

func TestExporter_Severity(t *testing.T) {
	tests := []struct {
		ev   Event
		want otellog.Severity
	}{
		{Event{Kind: EventCrash}, otellog.SeverityFatal},
		{Event{Kind: EventEnsure}, otellog.SeverityError},
		{Event{Kind: EventHang}, otellog.SeverityError},
		{Event{Kind: EventProcessExit, ExitCode: 0}, otellog.SeverityInfo},
		{Event{Kind: EventProcessExit, ExitCode: 3}, otellog.SeverityWarn},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, eventSeverity(tt.ev), "%+v", tt.ev)
	}
}

func TestExporter_ProcessExitEvent(t *testing.T) {
	e, exp := newTestExporter(t)
	e.Emit(context.Background(), Event{Kind: EventProcessExit, PID: 99, Path: "/bin/true", ExitCode: 0})

	recs := exp.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "process_exit: /bin/true exited with 0", recs[0].Body().AsString())
	attrs := recordAttrs(recs[0])
	assert.Equal(t, "99", attrs["process.pid"])
	assert.Equal(t, "0", attrs["process.exit.code"])
	assert.False(t, recs[0].Timestamp().IsZero())
}

func TestExporter_NilSafe(t *testing.T) {
	var e *Exporter
	e.Emit(context.Background(), Event{Kind: EventHang})
	assert.NoError(t, e.Close())
}

func TestNewLogExporter_UnsupportedProtocol(t *testing.T) {
	_, err := newLogExporter(context.Background(), ExportConfig{Protocol: "carrier-pigeon"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestClientTLS_BadCert(t *testing.T) {
	_, err := clientTLS(ExportConfig{TLSCertFile: "/nonexistent/cert", TLSKeyFile: "/nonexistent/key"})
	require.Error(t, err)

	cfg, err := clientTLS(ExportConfig{TLSInsecure: true})
	require.NoError(t, err)
	assert.True(t, cfg.InsecureSkipVerify)
}

func TestBuildResource(t *testing.T) {
	res := BuildResource("oslayer-test", map[string]string{"deployment": "ci"})
	require.NotNil(t, res)
	found := map[string]string{}
	for _, kv := range res.Attributes() {
		found[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "oslayer-test", found["service.name"])
	assert.Equal(t, "ci", found["deployment"])
}

func TestRecordSpawn_Error(t *testing.T) {
	rec := NewRecorder(4)
	restore := installForTest(t, rec)
	defer restore()

	_, span := SpawnSpan(context.Background(), "/bin/missing")
	RecordSpawn(span, 0, errors.New("not found"))
	span.End()

	got := rec.Recent()
	require.Len(t, got, 1)
	assert.Equal(t, "process_spawn", got[0].Name)
	assert.Equal(t, "Error", got[0].Status)
	assert.Equal(t, "/bin/missing", got[0].Attributes["process.executable.path"])
}
