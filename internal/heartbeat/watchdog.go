package heartbeat

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentsh/oslayer/internal/cmdline"
	"github.com/agentsh/oslayer/internal/locks"
	"github.com/agentsh/oslayer/internal/stackwalk"
	"github.com/agentsh/oslayer/internal/thread"
)

const (
	// MinHangDuration is the floor applied to any non-zero hang duration.
	MinHangDuration = 5 * time.Second
	// PollInterval is how often the watchdog thread checks.
	PollInterval = 500 * time.Millisecond

	unknownStack = "[Unknown thread stack]"
)

// HangReport describes one detected hang.
type HangReport struct {
	ThreadID   uint64
	ThreadName string
	Stack      string
	// CRC is the checksum of Stack used to suppress repeat reports.
	CRC      uint32
	Duration time.Duration
	When     time.Time
}

// Options configures a Watchdog.
type Options struct {
	// HangDuration of 0 disables hang detection.
	HangDuration time.Duration
	// AssertOnHang panics on the watchdog thread instead of calling the
	// hang handler.
	AssertOnHang bool
	// AllowThreadHeartBeat is the platform gate.
	AllowThreadHeartBeat bool
	// Args is checked for -nothreadtimeout.
	Args cmdline.CommandLine
	// IgnoreDebugger keeps detection on while a debugger is attached.
	IgnoreDebugger bool

	Threads *thread.Manager
	Logger  *slog.Logger
	// Now and StackFunc are replaced in tests.
	Now       func() time.Time
	StackFunc func(goroutineID uint64) (string, bool)
}

type info struct {
	lastBeat    time.Time
	suspended   int
	goroutineID uint64
}

// Watchdog owns the heartbeat map and the thread that polls it.
type Watchdog struct {
	cs    locks.CriticalSection
	infos map[uint64]*info

	hangDuration atomic.Int64
	assertOnHang bool
	disabled     string

	// last reported (thread, callstack) pair; only touched by Poll.
	lastID  uint64
	lastCRC uint32
	pollMu  sync.Mutex

	threads   *thread.Manager
	logger    *slog.Logger
	now       func() time.Time
	stackFunc func(uint64) (string, bool)

	hookMu sync.RWMutex
	onHang func(HangReport)

	runMu   sync.Mutex
	worker  *thread.Thread
	halted  atomic.Bool
	reports atomic.Uint64
}

// New creates a watchdog. It does not start polling; see Start.
func New(opts Options) *Watchdog {
	w := &Watchdog{
		infos:        make(map[uint64]*info),
		assertOnHang: opts.AssertOnHang,
		threads:      opts.Threads,
		logger:       opts.Logger,
		now:          opts.Now,
		stackFunc:    opts.StackFunc,
	}
	if w.threads == nil {
		w.threads = thread.Default()
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.stackFunc == nil {
		w.stackFunc = stackwalk.GoroutineStack
	}

	switch {
	case !opts.AllowThreadHeartBeat:
		w.disabled = "not allowed on this platform"
	case opts.Args.Has(cmdline.NoThreadTimeout):
		w.disabled = "disabled by -" + cmdline.NoThreadTimeout
	case !opts.IgnoreDebugger && DebuggerAttached():
		w.disabled = "debugger attached"
	}
	w.SetHangDuration(opts.HangDuration)
	return w
}

// SetLogger replaces the logger.
func (w *Watchdog) SetLogger(logger *slog.Logger) {
	if logger != nil {
		w.logger = logger
	}
}

// SetHangHandler sets the function called for each new hang when
// AssertOnHang is off. It runs on the watchdog thread.
func (w *Watchdog) SetHangHandler(fn func(HangReport)) {
	w.hookMu.Lock()
	w.onHang = fn
	w.hookMu.Unlock()
}

// SetHangDuration changes the threshold. Zero disables detection and
// values under MinHangDuration are raised to it.
func (w *Watchdog) SetHangDuration(d time.Duration) {
	if d < 0 {
		d = 0
	}
	if d > 0 && d < MinHangDuration {
		w.logger.Info("hang duration raised to minimum", "requested", d, "minimum", MinHangDuration)
		d = MinHangDuration
	}
	w.hangDuration.Store(int64(d))
}

// HangDuration returns the effective threshold.
func (w *Watchdog) HangDuration() time.Duration {
	return time.Duration(w.hangDuration.Load())
}

// Enabled reports whether hangs can be detected at all.
func (w *Watchdog) Enabled() bool {
	return w.disabled == "" && w.HangDuration() > 0 && !w.halted.Load()
}

// Reports returns how many hangs have been reported.
func (w *Watchdog) Reports() uint64 { return w.reports.Load() }

func (w *Watchdog) currentThread() uint64 {
	return w.threads.Platform().CurrentThreadID()
}

// HeartBeat resets the calling thread's timer, creating its record on
// the first call. The caller must be on a locked OS thread, such as one
// made by thread.Create.
func (w *Watchdog) HeartBeat() {
	tid := w.currentThread()
	if w.beat(tid) {
		return
	}
	goid := stackwalk.GoroutineID()
	w.cs.Lock()
	if hb, ok := w.infos[tid]; ok {
		hb.lastBeat = w.now()
	} else {
		w.infos[tid] = &info{lastBeat: w.now(), goroutineID: goid}
	}
	w.cs.Unlock()
}

// Beat resets the timer for tid, creating its record if needed.
func (w *Watchdog) Beat(tid uint64) {
	if w.beat(tid) {
		return
	}
	w.cs.Lock()
	if _, ok := w.infos[tid]; !ok {
		w.infos[tid] = &info{lastBeat: w.now()}
	}
	w.cs.Unlock()
}

// beat updates an existing record and reports whether there was one.
func (w *Watchdog) beat(tid uint64) bool {
	w.cs.Lock()
	defer w.cs.Unlock()
	hb, ok := w.infos[tid]
	if ok {
		hb.lastBeat = w.now()
	}
	return ok
}

// KillHeartBeat removes the calling thread's record.
func (w *Watchdog) KillHeartBeat() { w.Kill(w.currentThread()) }

// Kill removes the record for tid.
func (w *Watchdog) Kill(tid uint64) {
	w.cs.Lock()
	delete(w.infos, tid)
	w.cs.Unlock()
}

// SuspendHeartBeat stops hang checks for the calling thread until the
// matching ResumeHeartBeat.
func (w *Watchdog) SuspendHeartBeat() { w.Suspend(w.currentThread()) }

// Suspend increments the suspend count of tid.
func (w *Watchdog) Suspend(tid uint64) {
	w.cs.Lock()
	if hb, ok := w.infos[tid]; ok {
		hb.suspended++
	}
	w.cs.Unlock()
}

// ResumeHeartBeat undoes one SuspendHeartBeat for the calling thread.
func (w *Watchdog) ResumeHeartBeat() { w.Resume(w.currentThread()) }

// Resume decrements the suspend count of tid. When it reaches zero the
// timer restarts from now, so time spent suspended never counts.
func (w *Watchdog) Resume(tid uint64) {
	w.cs.Lock()
	if hb, ok := w.infos[tid]; ok && hb.suspended > 0 {
		hb.suspended--
		if hb.suspended == 0 {
			hb.lastBeat = w.now()
		}
	}
	w.cs.Unlock()
}

// IsBeating reports whether the calling thread is monitored and not
// suspended.
func (w *Watchdog) IsBeating() bool { return w.Beating(w.currentThread()) }

// Beating is IsBeating for tid.
func (w *Watchdog) Beating(tid uint64) bool {
	w.cs.Lock()
	defer w.cs.Unlock()
	hb, ok := w.infos[tid]
	return ok && hb.suspended == 0
}

// Status is a diagnostic view of one heartbeat record.
type Status struct {
	ThreadID  uint64        `json:"thread_id"`
	Name      string        `json:"name,omitempty"`
	SinceBeat time.Duration `json:"since_beat"`
	Suspended int           `json:"suspended"`
}

// Snapshot lists every record, in thread id order.
func (w *Watchdog) Snapshot() []Status {
	now := w.now()
	w.cs.Lock()
	out := make([]Status, 0, len(w.infos))
	for id, hb := range w.infos {
		out = append(out, Status{ThreadID: id, SinceBeat: now.Sub(hb.lastBeat), Suspended: hb.suspended})
	}
	w.cs.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ThreadID < out[j].ThreadID })
	for i := range out {
		out[i].Name = w.threads.GetThreadName(out[i].ThreadID)
	}
	return out
}

// CheckHeartBeat returns a thread whose last beat is older than the hang
// duration. The thread's timer is reset before returning so the same
// hang is not found again on the next poll.
func (w *Watchdog) CheckHeartBeat() (uint64, bool) {
	if !w.Enabled() {
		return 0, false
	}
	limit := w.HangDuration()
	now := w.now()

	w.cs.Lock()
	defer w.cs.Unlock()
	ids := make([]uint64, 0, len(w.infos))
	for id := range w.infos {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		hb := w.infos[id]
		if hb.suspended == 0 && now.Sub(hb.lastBeat) > limit {
			hb.lastBeat = now
			return id, true
		}
	}
	return 0, false
}

// Poll runs one watchdog iteration and reports whether a new hang was
// reported.
func (w *Watchdog) Poll() bool {
	id, hung := w.CheckHeartBeat()
	if !hung {
		return false
	}

	w.pollMu.Lock()
	defer w.pollMu.Unlock()

	stack := w.captureStack(id)
	crc := stackCRC(stack)
	if id == w.lastID && crc == w.lastCRC {
		return false
	}
	w.lastID, w.lastCRC = id, crc

	report := HangReport{
		ThreadID:   id,
		ThreadName: w.threads.GetThreadName(id),
		Stack:      stack,
		CRC:        crc,
		Duration:   w.HangDuration(),
		When:       w.now(),
	}
	w.reports.Add(1)
	w.logger.Error("hang detected",
		"thread_id", id,
		"thread", report.ThreadName,
		"hang_duration", report.Duration,
		"callstack_crc", fmt.Sprintf("%08x", crc),
		"stack", stack,
	)
	if w.assertOnHang {
		panic(fmt.Sprintf("hang detected on thread %d (%s) after %s", id, report.ThreadName, report.Duration))
	}

	w.hookMu.RLock()
	fn := w.onHang
	w.hookMu.RUnlock()
	if fn != nil {
		fn(report)
	}
	return true
}

func (w *Watchdog) captureStack(tid uint64) string {
	w.cs.Lock()
	var goid uint64
	if hb, ok := w.infos[tid]; ok {
		goid = hb.goroutineID
	}
	w.cs.Unlock()

	if goid == 0 {
		if r, ok := w.threads.Lookup(tid); ok {
			if t, ok := r.(*thread.Thread); ok {
				goid = t.GoroutineID()
			}
		}
	}
	if goid == 0 {
		return unknownStack
	}
	if stack, ok := w.stackFunc(goid); ok {
		return stack
	}
	return unknownStack
}

// stackCRC hashes the stack without its header line, which carries how
// long the goroutine has been blocked.
func stackCRC(stack string) uint32 {
	b := []byte(stack)
	if i := bytes.IndexByte(b, '\n'); i >= 0 && bytes.HasPrefix(b, []byte("goroutine ")) {
		b = b[i+1:]
	}
	return crc32.ChecksumIEEE(b)
}

// Start launches the watchdog thread. It does nothing when detection is
// disabled.
func (w *Watchdog) Start() error {
	if w.disabled != "" {
		w.logger.Info("hang detection disabled", "reason", w.disabled)
		return nil
	}
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.worker != nil {
		return nil
	}
	t, err := w.threads.Create(thread.RunnableFunc(w.loop), "ThreadHeartBeat", 0, thread.PriorityBelowNormal, 0)
	if err != nil {
		return fmt.Errorf("start heartbeat watchdog: %w", err)
	}
	w.worker = t
	w.logger.Info("hang detection started", "hang_duration", w.HangDuration())
	return nil
}

func (w *Watchdog) loop(stop <-chan struct{}) error {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
			if !w.halted.Load() {
				w.Poll()
			}
		}
	}
}

// Running reports whether the watchdog thread is alive.
func (w *Watchdog) Running() bool {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.worker == nil {
		return false
	}
	select {
	case <-w.worker.Done():
		return false
	default:
		return true
	}
}

// Stop stops the watchdog thread and waits for it.
func (w *Watchdog) Stop() {
	w.runMu.Lock()
	t := w.worker
	w.worker = nil
	w.runMu.Unlock()
	if t != nil {
		t.Kill(true)
	}
}

// Halt stops reporting immediately without taking locks or waiting. The
// crash handler uses it, possibly from the watchdog thread itself.
func (w *Watchdog) Halt() {
	w.halted.Store(true)
}
