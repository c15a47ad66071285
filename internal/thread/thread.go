package thread

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/agentsh/oslayer/internal/stackwalk"
)

// ErrNilRunnable is returned by Create when no Runnable is given.
var ErrNilRunnable = errors.New("nil runnable")

// State is the lifecycle state of a thread.
type State int32

const (
	StateUncreated State = iota
	StateRunning
	StateSuspended
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUncreated:
		return "uncreated"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Thread runs one Runnable on its own OS thread.
type Thread struct {
	manager   *Manager
	platform  Platform
	runnable  Runnable
	name      string
	stackSize int
	affinity  uint64

	id    atomic.Uint64
	goid  atomic.Uint64
	state atomic.Int32

	prioMu   sync.Mutex
	priority Priority
	applied  bool

	done    chan struct{}
	runErr  error
	stopped sync.Once
}

// Create starts r on a new thread of the default manager.
func Create(r Runnable, name string, stackSize int, priority Priority, affinity uint64) (*Thread, error) {
	return Default().Create(r, name, stackSize, priority, affinity)
}

// Create starts r on a new OS thread and blocks until r.Init has
// returned on it. On success the thread is registered under its OS id.
// On failure nothing stays registered. An affinity of 0 leaves the
// scheduler's default. A stackSize of 0 selects the platform default; the
// value is advisory because goroutine stacks grow on demand.
func (m *Manager) Create(r Runnable, name string, stackSize int, priority Priority, affinity uint64) (*Thread, error) {
	if r == nil {
		return nil, ErrNilRunnable
	}
	// Fail before any thread exists.
	m.platform.TranslatePriority(priority)

	if stackSize <= 0 {
		stackSize = m.platform.DefaultStackSize()
	}
	t := &Thread{
		manager:   m,
		platform:  m.platform,
		runnable:  r,
		name:      name,
		stackSize: stackSize,
		affinity:  affinity,
		priority:  priority,
		done:      make(chan struct{}),
	}

	initDone := make(chan error, 1)
	go t.trampoline(initDone)
	if err := <-initDone; err != nil {
		<-t.done
		return nil, fmt.Errorf("create thread %q: %w", name, err)
	}
	m.logger.Debug("thread created", "id", t.ID(), "name", name, "priority", priority.String())
	return t, nil
}

// trampoline is the body of the OS thread. Order matters: the id is
// recorded and the thread registered before anything can observe it, and
// affinity is applied here so the creator's own mask is untouched.
func (t *Thread) trampoline(initDone chan<- error) {
	// Never unlocked: the OS thread exits with this goroutine.
	runtime.LockOSThread()
	defer close(t.done)
	defer t.state.Store(int32(StateStopped))

	t.id.Store(t.platform.CurrentThreadID())
	t.goid.Store(stackwalk.GoroutineID())
	if err := t.manager.AddThread(t.ID(), t); err != nil {
		initDone <- err
		return
	}
	defer t.manager.RemoveThread(t)

	logger := t.manager.logger
	if err := t.platform.SetName(t.name); err != nil {
		logger.Warn("set thread name failed", "name", t.name, "error", err)
	}
	if t.affinity != 0 {
		if err := t.platform.SetAffinity(t.affinity); err != nil {
			logger.Warn("set thread affinity failed", "name", t.name, "mask", t.affinity, "error", err)
		}
	}
	t.prioMu.Lock()
	t.apply(t.priority)
	t.prioMu.Unlock()

	t.platform.PreRun()
	defer t.platform.PostRun()

	if err := t.init(); err != nil {
		initDone <- err
		return
	}
	t.state.Store(int32(StateRunning))
	initDone <- nil

	defer t.runnable.Exit()
	t.run()
}

func (t *Thread) init() (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("init panicked: %v", v)
		}
	}()
	return t.runnable.Init()
}

func (t *Thread) run() {
	defer func() {
		v := recover()
		if v == nil {
			return
		}
		if h := t.manager.panicHandler(); h != nil {
			h(t, v)
			return
		}
		t.manager.logger.Error("thread panicked", "id", t.ID(), "name", t.name, "panic", v,
			"stack", stackwalk.WalkStack(0))
		panic(v)
	}()
	if err := t.runnable.Run(); err != nil {
		t.runErr = err
		t.manager.logger.Warn("thread run returned error", "id", t.ID(), "name", t.name, "error", err)
	}
}

// ID returns the OS thread id. It is valid once Create has returned.
func (t *Thread) ID() uint64 { return t.id.Load() }

// Name returns the name the thread was created with.
func (t *Thread) Name() string { return t.name }

// GoroutineID returns the runtime id of the goroutine that owns the
// thread, used to capture its stack from elsewhere.
func (t *Thread) GoroutineID() uint64 { return t.goid.Load() }

// StackSize returns the requested stack size.
func (t *Thread) StackSize() int { return t.stackSize }

// Affinity returns the requested CPU mask; 0 means unrestricted.
func (t *Thread) Affinity() uint64 { return t.affinity }

// Runnable returns the work the thread runs.
func (t *Thread) Runnable() Runnable { return t.runnable }

// State returns the current lifecycle state.
func (t *Thread) State() State { return State(t.state.Load()) }

// Err returns the error Run returned, once the thread has exited.
func (t *Thread) Err() error {
	select {
	case <-t.done:
		return t.runErr
	default:
		return nil
	}
}

// Done is closed once the OS thread has been deregistered.
func (t *Thread) Done() <-chan struct{} { return t.done }

// Priority returns the last priority set.
func (t *Thread) Priority() Priority {
	t.prioMu.Lock()
	defer t.prioMu.Unlock()
	return t.priority
}

// SetPriority changes the priority. Setting the current value again makes
// no system call. Failures are logged and the new value is kept.
func (t *Thread) SetPriority(p Priority) {
	t.prioMu.Lock()
	defer t.prioMu.Unlock()
	if t.applied && p == t.priority {
		return
	}
	t.apply(p)
}

// apply must be called with prioMu held.
func (t *Thread) apply(p Priority) {
	native := t.platform.TranslatePriority(p)
	t.priority = p
	t.applied = true
	if err := t.platform.SetPriority(t.ID(), native); err != nil {
		t.manager.logger.Warn("set thread priority failed",
			"id", t.ID(), "name", t.name, "priority", p.String(), "native", native, "error", err)
	}
}

// Suspend would pause or resume the thread. No platform that hosts the Go
// runtime supports it, because stopping a runtime-managed thread can
// deadlock the garbage collector, so it always returns false.
func (t *Thread) Suspend(pause bool) bool {
	t.manager.logger.Debug("thread suspend not supported", "id", t.ID(), "name", t.name, "pause", pause)
	return false
}

// Kill asks the runnable to stop and, when wait is set, blocks until the
// thread has exited. The thread is never terminated forcibly.
func (t *Thread) Kill(wait bool) {
	t.stopped.Do(func() {
		if t.State() == StateRunning {
			t.state.Store(int32(StateStopping))
		}
		t.runnable.Stop()
	})
	if wait {
		t.WaitForCompletion()
		return
	}
	select {
	case <-t.done:
	default:
		t.manager.logger.Warn("thread not joined; it exits once its runnable observes stop",
			"id", t.ID(), "name", t.name)
	}
}

// WaitForCompletion blocks until the thread has exited.
func (t *Thread) WaitForCompletion() { <-t.done }
