package crash

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/google/uuid"

	"github.com/agentsh/oslayer/internal/cmdline"
	"github.com/agentsh/oslayer/internal/heartbeat"
	"github.com/agentsh/oslayer/internal/process"
	"github.com/agentsh/oslayer/internal/stackwalk"
	"github.com/agentsh/oslayer/internal/telemetry"
	"github.com/agentsh/oslayer/internal/thread"
)

// Default timeouts.
const (
	DefaultWaitTimeout   = 5 * time.Minute
	DefaultEnsureTimeout = 30 * time.Second

	// raiseTimeout bounds how long a re-raised signal may take to end
	// the process before the handler exits with 128+sig.
	raiseTimeout = 2 * time.Second
)

// Halter is implemented by the hang watchdog.
type Halter interface {
	Halt()
}

// AssertError is the panic value raised by Check. Guard reports it as an
// assert instead of a crash.
type AssertError struct {
	Msg string
}

func (e *AssertError) Error() string { return "assertion failed: " + e.Msg }

// Check panics with an *AssertError when cond is false.
func Check(cond bool, format string, args ...any) {
	if !cond {
		panic(&AssertError{Msg: fmt.Sprintf(format, args...)})
	}
}

// Options configures a Handler.
type Options struct {
	AppName    string
	Version    string
	EngineMode string

	ReportDir string
	// ReporterPath defaults to the running executable, with ReporterArgs
	// put before the report arguments.
	ReporterPath   string
	ReporterArgs   []string
	ReporterConfig string
	// NoReporter writes reports without launching anything.
	NoReporter bool
	LogPath    string
	Unattended bool

	WaitTimeout   time.Duration
	EnsureTimeout time.Duration

	// Args supplies -CrashGUID and -Unattended.
	Args cmdline.CommandLine

	Watchdog        Halter
	Threads         *thread.Manager
	ProcessObserver process.Observer
	Logger          *slog.Logger
	// OnReport observes every written report.
	OnReport func(Report)

	// Replaced in tests.
	Exit    func(code int)
	Raise   func(sig int)
	Repanic func(v any)
	Spawn   SpawnFunc
	Now     func() time.Time
	NewGUID func() string
}

// Handler owns the crash state and the signal dispatcher.
type Handler struct {
	opts    Options
	logger  *slog.Logger
	threads *thread.Manager
	state   State

	reported       chan struct{}
	requestingExit atomic.Bool

	hooksMu sync.Mutex
	hooks   []func()

	ensureMu   sync.Mutex
	ensureBusy bool
	ensureSeen map[uint32]bool
	// ensureStacks counts every failed Ensure per call path, including
	// the repeats that are not reported again.
	ensureStacks *stackwalk.Tracker

	sigCh     chan os.Signal
	done      chan struct{}
	installMu sync.Mutex
	installed bool

	reporters sync.WaitGroup

	exit    func(int)
	raise   func(int)
	repanic func(any)
	spawn   SpawnFunc
	now     func() time.Time
	newGUID func() string
}

// New creates a Handler. Nothing is hooked until Install.
func New(opts Options) *Handler {
	h := &Handler{
		opts:       opts,
		logger:     opts.Logger,
		threads:    opts.Threads,
		reported:   make(chan struct{}),
		ensureSeen: make(map[uint32]bool),
		exit:       opts.Exit,
		raise:      opts.Raise,
		repanic:    opts.Repanic,
		spawn:      opts.Spawn,
		now:        opts.Now,
		newGUID:    opts.NewGUID,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.threads == nil {
		h.threads = thread.Default()
	}
	h.ensureStacks = stackwalk.NewTracker(stackwalk.TrackerOptions{Logger: h.logger})
	if h.opts.AppName == "" {
		h.opts.AppName = filepath.Base(os.Args[0])
	}
	if h.opts.ReportDir == "" {
		h.opts.ReportDir = filepath.Join(os.TempDir(), "oslayer", "crashes")
	}
	if h.opts.WaitTimeout <= 0 {
		h.opts.WaitTimeout = DefaultWaitTimeout
	}
	if h.opts.EnsureTimeout <= 0 {
		h.opts.EnsureTimeout = DefaultEnsureTimeout
	}
	if h.exit == nil {
		h.exit = os.Exit
	}
	if h.raise == nil {
		h.raise = raiseSignal
	}
	if h.repanic == nil {
		h.repanic = func(v any) { panic(v) }
	}
	if h.spawn == nil {
		h.spawn = h.spawnProcess
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.newGUID == nil {
		h.newGUID = func() string { return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")) }
	}
	return h
}

// SetLogger replaces the logger.
func (h *Handler) SetLogger(logger *slog.Logger) {
	if logger != nil {
		h.logger = logger
	}
}

// State returns the process crash state.
func (h *Handler) State() *State { return &h.state }

// RequestingExit reports whether a graceful termination is under way.
func (h *Handler) RequestingExit() bool { return h.requestingExit.Load() }

// OnShutdown registers fn to run during graceful termination, in
// registration order.
func (h *Handler) OnShutdown(fn func()) {
	h.hooksMu.Lock()
	h.hooks = append(h.hooks, fn)
	h.hooksMu.Unlock()
}

// Install routes crash and termination signals to the handler, ignores
// the remaining catchable signals and takes over thread panics.
func (h *Handler) Install() {
	h.installMu.Lock()
	defer h.installMu.Unlock()
	if h.installed {
		return
	}
	h.installed = true
	h.sigCh = make(chan os.Signal, 4)
	h.done = make(chan struct{})
	signal.Notify(h.sigCh, append(append([]os.Signal(nil), crashSignals...), gracefulSignals...)...)
	if ign := ignoredSignals(); len(ign) > 0 {
		signal.Ignore(ign...)
	}
	h.threads.SetPanicHandler(h.threadPanic)
	go h.dispatch(h.sigCh, h.done)
	h.logger.Debug("crash handler installed", "report_dir", h.opts.ReportDir)
}

// Uninstall restores default signal dispositions.
func (h *Handler) Uninstall() {
	h.installMu.Lock()
	defer h.installMu.Unlock()
	if !h.installed {
		return
	}
	h.installed = false
	signal.Stop(h.sigCh)
	signal.Reset(ignoredSignals()...)
	close(h.done)
	h.threads.SetPanicHandler(nil)
}

func (h *Handler) dispatch(ch <-chan os.Signal, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case s := <-ch:
			h.handleSignal(s)
		}
	}
}

func (h *Handler) handleSignal(s os.Signal) {
	sig := signalNumber(s)
	for _, g := range gracefulSignals {
		if g == s {
			if !h.requestingExit.CompareAndSwap(false, true) {
				WriteStderr("termination signal received while exiting, exiting immediately\n")
				h.exit(128 + sig)
				return
			}
			go h.HandleGraceful(sig)
			return
		}
	}
	h.HandleSignal(sig)
}

// HandleGraceful runs the shutdown hooks and exits with 128+sig.
func (h *Handler) HandleGraceful(sig int) {
	h.requestingExit.Store(true)
	h.logger.Warn("termination requested", "signal", SignalName(sig))
	h.hooksMu.Lock()
	hooks := append([]func(){}, h.hooks...)
	h.hooksMu.Unlock()
	for _, fn := range hooks {
		h.runHook(fn)
	}
	h.exit(128 + sig)
}

func (h *Handler) runHook(fn func()) {
	defer func() {
		if v := recover(); v != nil {
			h.logger.Error("shutdown hook panicked", "panic", v)
		}
	}()
	fn()
}

// HandleSignal reports an asynchronous crash signal and terminates by
// re-raising it. The stacks of all goroutines go into the report because
// the signal carries no faulting context.
func (h *Handler) HandleSignal(sig int) {
	desc := SignalName(sig) + " received"
	h.crash(KindCrash, sig, desc, func(c *Context) {
		c.SetBacktraceText(bytesString(stackwalk.AllGoroutineStacks()))
	}, 0, "")
	h.terminate(sig)
}

func (h *Handler) terminate(sig int) {
	h.raise(sig)
	// Reached only if the raised signal did not end the process within
	// raiseTimeout.
	h.exit(128 + sig)
}

// Guard reports a panic on the calling goroutine. It must be deferred
// directly:
//
//	defer h.Guard()
func (h *Handler) Guard() {
	v := recover()
	if v == nil {
		return
	}
	var pcs [stackwalk.MaxDepth]uintptr
	n := stackwalk.CapturePanicBackTrace(pcs[:])
	h.HandlePanic(v, pcs[:n], 0, "")
}

func (h *Handler) threadPanic(t *thread.Thread, v any) {
	var pcs [stackwalk.MaxDepth]uintptr
	n := stackwalk.CapturePanicBackTrace(pcs[:])
	h.HandlePanic(v, pcs[:n], t.ID(), t.Name())
}

// HandlePanic reports v, raised with the given backtrace, then re-panics
// so the runtime terminates the process.
func (h *Handler) HandlePanic(v any, pcs []uintptr, threadID uint64, threadName string) {
	kind := KindCrash
	var ae *AssertError
	if err, ok := v.(error); ok && errors.As(err, &ae) {
		kind = KindAssert
	}
	h.crash(kind, panicSignal(v), fmt.Sprintf("panic: %v", v), func(c *Context) {
		c.SetBacktrace(pcs)
	}, threadID, threadName)
	h.repanic(v)
}

// panicSignal maps runtime faults to the signal that raised them.
func panicSignal(v any) int {
	err, ok := v.(runtime.Error)
	if !ok {
		return sigAbort
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "invalid memory address"), strings.Contains(msg, "nil pointer"):
		return sigSegv
	case strings.Contains(msg, "divide by zero"):
		return sigFpe
	}
	return sigAbort
}

// crash performs the one-time capture and report. Callers that lose the
// race wait for the winner's report and return false.
func (h *Handler) crash(kind Kind, sig int, desc string, fill func(*Context), threadID uint64, threadName string) bool {
	if !h.state.tryCapture() {
		h.waitReported()
		return false
	}
	stackwalk.EnterCrashHandler()
	debug.SetGCPercent(-1)
	if h.opts.Watchdog != nil {
		h.opts.Watchdog.Halt()
	}

	c := &h.state.ctx
	c.Kind = kind
	c.Signal = sig
	c.ThreadID = threadID
	if c.ThreadID == 0 {
		c.ThreadID = h.threads.Platform().CurrentThreadID()
	}
	if threadName == "" {
		threadName, _ = h.threads.TryThreadName(c.ThreadID)
	}
	if threadName == "" {
		threadName = "Unknown"
	}
	c.SetThreadName(threadName)
	c.SetDescription(desc)
	fill(c)
	h.state.publish()

	WriteStderr("Fatal error: ", bytesString(c.desc[:c.descLen]), "\n",
		bytesString(c.trace[:c.traceLen]), "\n")

	h.report(c, h.crashGUID(), true)
	close(h.reported)
	return true
}

func (h *Handler) waitReported() {
	select {
	case <-h.reported:
	case <-time.After(h.opts.WaitTimeout + 10*time.Second):
	}
}

func (h *Handler) crashGUID() string {
	if g, ok := h.opts.Args.Value(cmdline.CrashGUID); ok && g != "" {
		return g
	}
	return h.newGUID()
}

func (h *Handler) unattended() bool {
	return h.opts.Unattended || h.opts.Args.Has(cmdline.Unattended)
}

// Ensure reports a failed non-fatal check and lets the process continue.
// Each call site is reported once; reports never overlap.
func (h *Handler) Ensure(desc string) bool {
	var pcs [stackwalk.MaxDepth]uintptr
	n := stackwalk.CaptureStackBackTrace(pcs[:], 1)
	crc := crc32.ChecksumIEEE(unsafe.Slice((*byte)(unsafe.Pointer(&pcs[0])), n*int(unsafe.Sizeof(pcs[0]))))
	h.ensureStacks.Record(pcs[:n], nil)

	c := new(Context)
	c.Kind = KindEnsure
	c.Signal = sigTrap
	c.SetDescription(desc)
	c.SetBacktrace(pcs[:n])
	return h.nonFatal(c, crc)
}

// EnsureStacks returns the failed Ensure call paths, most frequent first.
func (h *Handler) EnsureStacks() []stackwalk.CallStack { return h.ensureStacks.Stacks() }

// DumpEnsureStacks logs every failed Ensure call path with its count.
func (h *Handler) DumpEnsureStacks() {
	if len(h.ensureStacks.Stacks()) == 0 {
		return
	}
	h.ensureStacks.DumpStackTraces(1)
}

// HandleHang routes a watchdog report through the non-fatal pipeline.
func (h *Handler) HandleHang(r heartbeat.HangReport) {
	_, span := telemetry.HangSpan(context.Background(), r.ThreadID, r.ThreadName, r.CRC)
	defer span.End()

	c := new(Context)
	c.Kind = KindHang
	c.Signal = sigTrap
	c.ThreadID = r.ThreadID
	c.SetThreadName(r.ThreadName)
	c.SetDescription(fmt.Sprintf("Hang detected on %s (thread %d) after %s", r.ThreadName, r.ThreadID, r.Duration))
	c.SetBacktraceText(r.Stack)
	h.nonFatal(c, 0)
}

func (h *Handler) nonFatal(c *Context, site uint32) bool {
	if h.state.Captured() {
		return false
	}
	h.ensureMu.Lock()
	if h.ensureBusy || (site != 0 && h.ensureSeen[site]) {
		h.ensureMu.Unlock()
		return false
	}
	h.ensureBusy = true
	if site != 0 {
		h.ensureSeen[site] = true
	}
	h.ensureMu.Unlock()
	defer func() {
		h.ensureMu.Lock()
		h.ensureBusy = false
		h.ensureMu.Unlock()
	}()

	if c.ThreadID == 0 {
		c.ThreadID = h.threads.Platform().CurrentThreadID()
		name, _ := h.threads.TryThreadName(c.ThreadID)
		c.SetThreadName(name)
	}
	h.logger.Error("non-fatal error report", "kind", c.Kind.String(), "description", c.Description(),
		"thread_id", c.ThreadID, "thread", c.ThreadName())

	stackwalk.EnterCrashHandler()
	defer stackwalk.LeaveCrashHandler()
	h.report(c, h.newGUID(), false)
	return true
}

// report writes the report directory and launches the reporter.
func (h *Handler) report(c *Context, guid string, wait bool) Report {
	_, span := telemetry.ReportSpan(context.Background(), c.Kind.String(), guid)
	defer span.End()

	when := h.now()
	dir := filepath.Join(h.opts.ReportDir, reportDirName(h.opts.AppName, guid, c.Kind))
	w := &reportWriter{
		dir:        dir,
		app:        h.opts.AppName,
		version:    h.opts.Version,
		engineMode: h.opts.EngineMode,
		logPath:    h.opts.LogPath,
		configPath: h.opts.ReporterConfig,
		args:       os.Args,
		when:       when,
	}
	if err := w.write(c); err != nil {
		telemetry.RecordError(span, err)
		h.logger.Warn("crash report incomplete", "dir", dir, "error", err)
	}

	r := Report{
		GUID:         guid,
		Dir:          dir,
		Kind:         c.Kind,
		Signal:       c.Signal,
		Description:  c.Description(),
		ThreadID:     c.ThreadID,
		ThreadName:   c.ThreadName(),
		CallstackCRC: callstackCRC(c.Backtrace()),
		Time:         when,
	}
	r.ReporterPID = h.launchReporter(dir, wait)
	telemetry.RecordReport(span, dir, r.ReporterPID)
	h.logger.Error("crash report written", "kind", c.Kind.String(), "guid", guid, "dir", dir)
	if h.opts.OnReport != nil {
		h.notify(r)
	}
	return r
}

func (h *Handler) notify(r Report) {
	defer func() {
		if v := recover(); v != nil {
			h.logger.Error("report observer panicked", "panic", v)
		}
	}()
	h.opts.OnReport(r)
}
