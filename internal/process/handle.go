package process

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/agentsh/oslayer/internal/thread"
)

// ReapPolicy says how Close resolves a still-running child.
type ReapPolicy int

const (
	// ReapBlocking waits for the child in Close.
	ReapBlocking ReapPolicy = iota
	// ReapBackgroundWaiter hands the child to a waiter thread so Close
	// returns immediately. The waiter thread is never joined.
	ReapBackgroundWaiter
)

func (p ReapPolicy) String() string {
	switch p {
	case ReapBlocking:
		return "blocking"
	case ReapBackgroundWaiter:
		return "background_waiter"
	}
	return "reap_policy(" + strconv.Itoa(int(p)) + ")"
}

// sysProc is the per-OS part of a child.
type sysProc interface {
	pid() int
	// alive sends the null signal or its equivalent.
	alive() bool
	// poll reaps the child if it has exited, without blocking.
	poll() (exited bool, code int, err error)
	wait() (code int, err error)
	terminate() error
	setPriority(modifier int) error
	release()
}

// Handle is an owned child process.
type Handle struct {
	pid      int
	path     string
	policy   ReapPolicy
	sys      sysProc
	logger   *slog.Logger
	threads  *thread.Manager
	observer Observer

	// waitMu serializes reaping so exactly one call collects the status.
	waitMu sync.Mutex

	mu       sync.Mutex
	running  bool
	waited   bool
	exitCode int
	closed   bool
	waiter   *thread.Thread
}

// PID returns the child's process id.
func (h *Handle) PID() int { return h.pid }

// Path returns the executable path.
func (h *Handle) Path() string { return h.path }

// Policy returns the reap policy chosen at spawn time.
func (h *Handle) Policy() ReapPolicy { return h.policy }

func (h *Handle) cached() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.waited
}

func (h *Handle) record(code int) {
	h.mu.Lock()
	first := !h.waited
	h.running = false
	h.waited = true
	h.exitCode = code
	h.mu.Unlock()
	if first {
		h.sys.release()
		if h.observer != nil {
			h.observer.ProcessReaped(h.pid, code)
		}
	}
}

// IsRunning reports whether the child is alive. An exited child that has
// not been waited for is reaped here, so no zombie is left behind even
// when nobody calls Wait.
func (h *Handle) IsRunning() bool {
	if _, done := h.cached(); done {
		return false
	}
	// Someone is blocked in Wait; it is running until they return.
	if !h.waitMu.TryLock() {
		return true
	}
	defer h.waitMu.Unlock()
	if _, done := h.cached(); done {
		return false
	}

	if !h.sys.alive() {
		h.logger.Warn("child vanished without being reaped", "pid", h.pid)
		h.record(-1)
		return false
	}
	exited, code, err := h.sys.poll()
	if err != nil {
		h.logger.Warn("poll child failed", "pid", h.pid, "error", err)
		return true
	}
	if exited {
		h.logger.Debug("reaped exited child", "pid", h.pid, "exit_code", code)
		h.record(code)
		return false
	}
	return true
}

// Wait blocks until the child exits and returns its exit code. Later
// calls return the cached code. A child killed by signal N reports
// 128+N.
func (h *Handle) Wait() (int, error) {
	h.waitMu.Lock()
	defer h.waitMu.Unlock()
	if code, done := h.cached(); done {
		return code, nil
	}
	code, err := h.sys.wait()
	if err != nil {
		return -1, fmt.Errorf("wait for pid %d: %w", h.pid, err)
	}
	h.record(code)
	return code, nil
}

// ReturnCode returns the exit code, or false while the child runs.
func (h *Handle) ReturnCode() (int, bool) {
	if h.IsRunning() {
		return 0, false
	}
	code, err := h.Wait()
	if err != nil {
		return 0, false
	}
	return code, true
}

// Terminate asks the child to exit. Terminating the whole tree is not
// implemented: with killTree set only the direct child is signalled and
// a warning is logged.
func (h *Handle) Terminate(killTree bool) error {
	if !h.IsRunning() {
		return nil
	}
	if killTree {
		h.logger.Warn("terminating descendant processes is not implemented; signalling only the direct child",
			"pid", h.pid)
	}
	if err := h.sys.terminate(); err != nil {
		return fmt.Errorf("terminate pid %d: %w", h.pid, err)
	}
	return nil
}

// Close releases the handle, resolving the child's zombie according to
// the reap policy. It is safe to call more than once.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	if !h.IsRunning() {
		return nil
	}
	if h.policy == ReapBlocking {
		_, err := h.Wait()
		return err
	}
	return h.startWaiter()
}

func (h *Handle) startWaiter() error {
	t, err := h.threads.Create(thread.RunnableFunc(func(<-chan struct{}) error {
		_, err := h.Wait()
		return err
	}), "ProcWaiter-"+strconv.Itoa(h.pid), 64<<10, thread.PriorityLowest, 0)
	if err != nil {
		return fmt.Errorf("start waiter for pid %d: %w", h.pid, err)
	}
	h.mu.Lock()
	h.waiter = t
	h.mu.Unlock()
	if h.observer != nil {
		h.observer.WaiterStarted(h.pid)
	}
	h.logger.Warn("child still running at close; reaping on a background thread that is never joined",
		"pid", h.pid, "waiter_thread", t.ID())
	return nil
}

// Waiter returns the background waiter thread, if Close started one.
func (h *Handle) Waiter() *thread.Thread {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waiter
}
