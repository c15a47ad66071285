package crash

import (
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/oslayer/internal/cmdline"
	"github.com/agentsh/oslayer/internal/heartbeat"
	"github.com/agentsh/oslayer/internal/stackwalk"
	"github.com/agentsh/oslayer/internal/thread"
)

type fakeProc struct {
	pid        int
	remaining  atomic.Int32 // polls left before exiting; negative runs forever
	terminated atomic.Bool
	closed     atomic.Bool
}

func (p *fakeProc) PID() int { return p.pid }

func (p *fakeProc) IsRunning() bool {
	if p.terminated.Load() {
		return false
	}
	if p.remaining.Load() < 0 {
		return true
	}
	return p.remaining.Add(-1) >= 0
}

func (p *fakeProc) Terminate(bool) error {
	p.terminated.Store(true)
	return nil
}

func (p *fakeProc) Close() error {
	p.closed.Store(true)
	return nil
}

type spawnCall struct {
	path string
	args string
}

type spawnRecorder struct {
	mu      sync.Mutex
	calls   []spawnCall
	procs   []*fakeProc
	running int32
}

func (s *spawnRecorder) spawn(path, args string) (ReporterProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &fakeProc{pid: 1000 + len(s.calls)}
	p.remaining.Store(s.running)
	s.calls = append(s.calls, spawnCall{path: path, args: args})
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *spawnRecorder) Calls() []spawnCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]spawnCall(nil), s.calls...)
}

type halter struct{ n atomic.Int32 }

func (h *halter) Halt() { h.n.Add(1) }

type harness struct {
	h        *Handler
	dir      string
	spawns   *spawnRecorder
	exits    chan int
	raised   chan int
	panics   chan any
	reports  chan Report
	watchdog *halter
}

func newHarness(t *testing.T, mod func(*Options)) *harness {
	t.Helper()
	hs := &harness{
		dir:      t.TempDir(),
		spawns:   &spawnRecorder{},
		exits:    make(chan int, 8),
		raised:   make(chan int, 8),
		panics:   make(chan any, 16),
		reports:  make(chan Report, 16),
		watchdog: &halter{},
	}
	var guid atomic.Int32
	opts := Options{
		AppName:       "testapp",
		Version:       "1.2.3",
		EngineMode:    "Game",
		ReportDir:     hs.dir,
		ReporterPath:  "/usr/bin/crashreporter",
		ReporterArgs:  []string{"reporter"},
		WaitTimeout:   2 * time.Second,
		EnsureTimeout: 2 * time.Second,
		Watchdog:      hs.watchdog,
		Threads:       thread.NewManager(thread.DefaultPlatform()),
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnReport:      func(r Report) { hs.reports <- r },
		Exit:          func(code int) { hs.exits <- code },
		Raise:         func(sig int) { hs.raised <- sig },
		Repanic:       func(v any) { hs.panics <- v },
		Spawn:         hs.spawns.spawn,
		NewGUID:       func() string { return fmt.Sprintf("GUID%d", guid.Add(1)) },
	}
	if mod != nil {
		mod(&opts)
	}
	hs.h = New(opts)
	t.Cleanup(func() {
		hs.h.WaitReporters()
		resetCrashMode(hs.h)
	})
	return hs
}

// resetCrashMode undoes the process-wide effects of a capture.
func resetCrashMode(h *Handler) {
	if h.state.Captured() {
		stackwalk.LeaveCrashHandler()
		debug.SetGCPercent(100)
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func herePCs() []uintptr {
	var pcs [stackwalk.MaxDepth]uintptr
	n := stackwalk.CaptureStackBackTrace(pcs[:], 0)
	return pcs[:n]
}

func TestConcurrentCaptureIsIdempotent(t *testing.T) {
	hs := newHarness(t, nil)
	const n = 8

	var (
		start sync.WaitGroup
		done  sync.WaitGroup
		first atomic.Int32
	)
	start.Add(1)
	for i := 0; i < n; i++ {
		done.Add(1)
		go func(i int) {
			defer done.Done()
			start.Wait()
			pcs := herePCs()
			if hs.h.crash(KindCrash, sigSegv, fmt.Sprintf("fault %d", i), func(c *Context) { c.SetBacktrace(pcs) }, uint64(i+1), "Worker") {
				first.Add(1)
			}
		}(i)
	}
	start.Done()
	done.Wait()

	assert.Equal(t, int32(1), first.Load())
	assert.Len(t, hs.spawns.Calls(), 1)
	assert.Equal(t, int32(1), hs.watchdog.n.Load())

	entries, err := os.ReadDir(hs.dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "crashinfo-testapp-"))

	ctx := hs.h.State().Context()
	require.NotNil(t, ctx)
	assert.Contains(t, hs.h.State().ErrorHist(), ctx.Description())
	assert.Equal(t, "Worker", ctx.ThreadName())
	assert.True(t, stackwalk.InCrashHandler())
}

func TestPanicReportedOnceThenRepanicked(t *testing.T) {
	hs := newHarness(t, nil)

	for i := 0; i < 3; i++ {
		func() {
			defer hs.h.Guard()
			panic(fmt.Sprintf("boom %d", i))
		}()
	}

	for i := 0; i < 3; i++ {
		assert.Equal(t, fmt.Sprintf("boom %d", i), recv(t, hs.panics))
	}
	r := recv(t, hs.reports)
	assert.Equal(t, KindCrash, r.Kind)
	assert.Equal(t, sigAbort, r.Signal)
	assert.Equal(t, "panic: boom 0", r.Description)
	assert.Len(t, hs.spawns.Calls(), 1)
	assert.Contains(t, hs.h.State().Context().Backtrace(), "TestPanicReportedOnceThenRepanicked")
}

func TestGuardReportsAssert(t *testing.T) {
	hs := newHarness(t, nil)

	func() {
		defer hs.h.Guard()
		Check(1+1 == 3, "math is %s", "broken")
	}()

	v := recv(t, hs.panics)
	var ae *AssertError
	require.ErrorAs(t, v.(error), &ae)
	assert.Equal(t, "math is broken", ae.Msg)

	r := recv(t, hs.reports)
	assert.Equal(t, KindAssert, r.Kind)

	meta := readWERMeta(t, r.Dir)
	assert.Equal(t, 1, meta.DynamicSignatures.IsAssert)
	assert.Equal(t, 0, meta.DynamicSignatures.IsEnsure)
	assert.Equal(t, "Assert", meta.DynamicSignatures.CrashType)
}

func TestGuardNoPanic(t *testing.T) {
	hs := newHarness(t, nil)
	func() {
		defer hs.h.Guard()
	}()
	assert.False(t, hs.h.State().Captured())
}

var sink int

func recoverValue(f func()) (v any) {
	defer func() { v = recover() }()
	f()
	return nil
}

func TestPanicSignal(t *testing.T) {
	nilDeref := recoverValue(func() {
		var p *int
		sink = *p
	})
	divZero := recoverValue(func() {
		a, b := 1, 0
		sink = a / b
	})
	outOfRange := recoverValue(func() {
		s := []int{}
		i := 3
		sink = s[i]
	})

	assert.Equal(t, sigSegv, panicSignal(nilDeref))
	assert.Equal(t, sigFpe, panicSignal(divZero))
	assert.Equal(t, sigAbort, panicSignal(outOfRange))
	assert.Equal(t, sigAbort, panicSignal("plain"))
}

func TestHandleSignalReraises(t *testing.T) {
	hs := newHarness(t, func(o *Options) {
		o.Args = cmdline.Parse([]string{"-CrashGUID=abc-123"})
	})

	hs.h.HandleSignal(sigAbort)

	assert.Equal(t, sigAbort, recv(t, hs.raised))
	assert.Equal(t, 128+sigAbort, recv(t, hs.exits))

	r := recv(t, hs.reports)
	assert.Equal(t, "abc-123", r.GUID)
	assert.Equal(t, filepath.Join(hs.dir, "crashinfo-testapp-abc-123"), r.Dir)
	assert.Equal(t, SignalName(sigAbort)+" received", r.Description)
	assert.Equal(t, 1000, r.ReporterPID)

	diag, err := os.ReadFile(filepath.Join(r.Dir, DiagnosticsFile))
	require.NoError(t, err)
	assert.Contains(t, string(diag), "goroutine ")
}

func TestGracefulTermination(t *testing.T) {
	hs := newHarness(t, nil)

	release := make(chan struct{})
	var hookRuns atomic.Int32
	hs.h.OnShutdown(func() {
		hookRuns.Add(1)
		<-release
	})
	hs.h.OnShutdown(func() { panic("bad hook") })

	term := syscall.Signal(sigTerminate)
	hs.h.handleSignal(term)
	require.Eventually(t, func() bool { return hookRuns.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.True(t, hs.h.RequestingExit())

	// A second signal while the hooks run exits at once.
	hs.h.handleSignal(term)
	assert.Equal(t, 143, recv(t, hs.exits))

	close(release)
	assert.Equal(t, 143, recv(t, hs.exits))
	assert.Equal(t, int32(1), hookRuns.Load())
	assert.False(t, hs.h.State().Captured())
}

func TestEnsureWritesReportAndContinues(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, os.WriteFile(logFile, []byte("log line\n"), 0o644))
	cfgFile := filepath.Join(t.TempDir(), "crash.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("upload: false\n"), 0o644))

	hs := newHarness(t, func(o *Options) {
		o.LogPath = logFile
		o.ReporterConfig = cfgFile
		o.Unattended = true
	})
	hs.spawns.running = 3

	require.True(t, hs.h.Ensure("texture missing"))
	hs.h.WaitReporters()
	assert.False(t, hs.h.State().Captured())
	assert.False(t, stackwalk.InCrashHandler())

	r := recv(t, hs.reports)
	assert.Equal(t, KindEnsure, r.Kind)
	assert.Equal(t, filepath.Join(hs.dir, "ensureinfo-testapp-GUID1"), r.Dir)

	diag, err := os.ReadFile(filepath.Join(r.Dir, DiagnosticsFile))
	require.NoError(t, err)
	text := string(diag)
	assert.Contains(t, text, "Application version 1.2.3")
	assert.Contains(t, text, `Exception was "texture missing"`)
	start := strings.Index(text, callstackStart)
	end := strings.Index(text, callstackEnd)
	require.True(t, start >= 0 && end > start)
	assert.Contains(t, text[start:end], "TestEnsureWritesReportAndContinues")
	assert.Contains(t, text, "loaded modules")

	meta := readWERMeta(t, r.Dir)
	assert.Equal(t, "testapp", meta.ProblemSignatures.Parameter0)
	assert.Equal(t, "1.2.3", meta.ProblemSignatures.Parameter1)
	assert.Equal(t, 1, meta.DynamicSignatures.IsEnsure)
	assert.Equal(t, 0, meta.DynamicSignatures.IsHang)
	assert.Equal(t, "Game", meta.DynamicSignatures.EngineMode)

	dump, err := os.ReadFile(filepath.Join(r.Dir, MinidumpFile))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(dump), 32)
	assert.Equal(t, "MDMP", string(dump[:4]))
	assert.Equal(t, uint32(minidumpVersion), binary.LittleEndian.Uint32(dump[4:8]))

	logCopy, err := os.ReadFile(filepath.Join(r.Dir, "testapp.log"))
	require.NoError(t, err)
	assert.Equal(t, "log line\n", string(logCopy))
	cfgCopy, err := os.ReadFile(filepath.Join(r.Dir, ConfigFileName))
	require.NoError(t, err)
	assert.Equal(t, "upload: false\n", string(cfgCopy))

	calls := hs.spawns.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/usr/bin/crashreporter", calls[0].path)
	assert.Equal(t, []string{"reporter", "-Abslog=" + logFile, "-Unattended", r.Dir}, cmdline.Tokenize(calls[0].args))
	assert.True(t, hs.spawns.procs[0].closed.Load())
	assert.False(t, hs.spawns.procs[0].terminated.Load())
}

func ensureAt(h *Handler) bool { return h.Ensure("same site") }

func TestEnsureOncePerCallSite(t *testing.T) {
	hs := newHarness(t, func(o *Options) { o.NoReporter = true })

	var got []bool
	for i := 0; i < 2; i++ {
		got = append(got, ensureAt(hs.h))
	}
	assert.Equal(t, []bool{true, false}, got)
	assert.True(t, hs.h.Ensure("other site"))
	assert.Empty(t, hs.spawns.Calls())

	stacks := hs.h.EnsureStacks()
	require.Len(t, stacks, 2)
	assert.Equal(t, uint64(2), stacks[0].StackCount)
	assert.Equal(t, uint64(1), stacks[1].StackCount)
}

func TestHangRoutesThroughEnsurePipeline(t *testing.T) {
	hs := newHarness(t, nil)

	hs.h.HandleHang(heartbeat.HangReport{
		ThreadID:   42,
		ThreadName: "RenderThread",
		Stack:      "goroutine 7 [select]:\nmain.render()\n",
		Duration:   30 * time.Second,
	})
	hs.h.WaitReporters()

	r := recv(t, hs.reports)
	assert.Equal(t, KindHang, r.Kind)
	assert.Equal(t, uint64(42), r.ThreadID)
	assert.Equal(t, "RenderThread", r.ThreadName)
	assert.True(t, strings.HasPrefix(filepath.Base(r.Dir), "ensureinfo-"))

	meta := readWERMeta(t, r.Dir)
	assert.Equal(t, 1, meta.DynamicSignatures.IsHang)
	assert.Equal(t, 1, meta.DynamicSignatures.IsEnsure)
	assert.Equal(t, "Hang", meta.DynamicSignatures.CrashType)

	diag, err := os.ReadFile(filepath.Join(r.Dir, DiagnosticsFile))
	require.NoError(t, err)
	assert.Contains(t, string(diag), "main.render()")
	assert.False(t, hs.h.State().Captured())

	back, err := ReadReport(r.Dir)
	require.NoError(t, err)
	assert.Equal(t, r.GUID, back.GUID)
	assert.Equal(t, KindHang, back.Kind)
	assert.Equal(t, r.Description, back.Description)
	assert.Equal(t, uint64(42), back.ThreadID)
	assert.Equal(t, "RenderThread", back.ThreadName)
	assert.Equal(t, r.CallstackCRC, back.CallstackCRC)
	assert.Equal(t, r.Time.Unix(), back.Time.Unix())
}

func TestReadReportKeepsDashedGUID(t *testing.T) {
	const guid = "123e4567-e89b-12d3-a456-426614174000"
	hs := newHarness(t, func(o *Options) {
		o.AppName = "my-game"
		o.Args = cmdline.Parse([]string{"-CrashGUID=" + guid})
	})

	hs.h.HandleSignal(sigSegv)
	r := recv(t, hs.reports)
	require.Equal(t, filepath.Join(hs.dir, "crashinfo-my-game-"+guid), r.Dir)

	back, err := ReadReport(r.Dir)
	require.NoError(t, err)
	assert.Equal(t, guid, back.GUID)
	assert.Equal(t, KindCrash, back.Kind)

	renamed := filepath.Join(hs.dir, "crashinfo-other-"+guid)
	require.NoError(t, os.Rename(r.Dir, renamed))
	_, err = ReadReport(renamed)
	assert.Error(t, err)
}

func TestReadReportRejectsOtherDirs(t *testing.T) {
	_, err := ReadReport(t.TempDir())
	assert.Error(t, err)

	dir := filepath.Join(t.TempDir(), "crashinfo-app-ABC")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	_, err = ReadReport(dir)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestNonFatalSkippedAfterCrash(t *testing.T) {
	hs := newHarness(t, nil)
	hs.h.HandleSignal(sigAbort)
	recv(t, hs.reports)

	assert.False(t, hs.h.Ensure("late"))
	assert.Len(t, hs.spawns.Calls(), 1)
}

func TestReporterTerminatedAfterTimeout(t *testing.T) {
	hs := newHarness(t, func(o *Options) { o.WaitTimeout = 300 * time.Millisecond })
	hs.spawns.running = -1

	hs.h.HandleSignal(sigAbort)
	recv(t, hs.reports)

	require.Len(t, hs.spawns.procs, 1)
	assert.True(t, hs.spawns.procs[0].terminated.Load())
	assert.True(t, hs.spawns.procs[0].closed.Load())
}

func TestReporterSkippedForReporterItself(t *testing.T) {
	hs := newHarness(t, func(o *Options) { o.NoReporter = true })
	hs.h.HandleSignal(sigAbort)

	r := recv(t, hs.reports)
	assert.Zero(t, r.ReporterPID)
	assert.Empty(t, hs.spawns.Calls())
	assert.DirExists(t, r.Dir)
}

func TestThreadPanicRoutesToHandler(t *testing.T) {
	hs := newHarness(t, nil)
	hs.h.threads.SetPanicHandler(hs.h.threadPanic)

	th, err := hs.h.threads.Create(thread.RunnableFunc(func(<-chan struct{}) error {
		var m map[string]int
		m["x"] = 1
		return nil
	}), "PanickyWorker", 0, thread.PriorityNormal, 0)
	require.NoError(t, err)
	th.WaitForCompletion()

	recv(t, hs.panics)
	r := recv(t, hs.reports)
	assert.Equal(t, "PanickyWorker", r.ThreadName)
	assert.Equal(t, th.ID(), r.ThreadID)
	assert.Contains(t, r.Description, "assignment to entry in nil map")
	assert.Equal(t, 0, hs.h.threads.Len())
}

func TestOnReportPanicIsContained(t *testing.T) {
	hs := newHarness(t, func(o *Options) {
		o.NoReporter = true
		o.OnReport = func(Report) { panic("observer") }
	})
	assert.True(t, hs.h.Ensure("observer panics"))
}

func readWERMeta(t *testing.T, dir string) werReport {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, WERMetaFile))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "<?xml"))
	var meta werReport
	require.NoError(t, xml.Unmarshal(data, &meta))
	return meta
}
