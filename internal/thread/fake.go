package thread

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrNotTicker is returned by CreateFake for runnables without Tick.
var ErrNotTicker = errors.New("runnable does not implement Ticker")

// fakeIDBase keeps fake ids clear of any OS thread id.
const fakeIDBase = uint64(1) << 62

var fakeIDs atomic.Uint64

// FakeThread is a cooperative thread for single-threaded mode. It has no
// OS thread; Manager.Tick calls its runnable's Tick instead.
type FakeThread struct {
	manager  *Manager
	runnable Runnable
	ticker   Ticker
	id       uint64
	name     string

	mu    sync.Mutex
	state State
}

// CreateFake initializes r on the calling goroutine and registers it for
// ticking.
func (m *Manager) CreateFake(r Runnable, name string) (*FakeThread, error) {
	if r == nil {
		return nil, ErrNilRunnable
	}
	tk, ok := r.(Ticker)
	if !ok {
		return nil, fmt.Errorf("create fake thread %q: %w", name, ErrNotTicker)
	}
	if err := r.Init(); err != nil {
		return nil, fmt.Errorf("create fake thread %q: %w", name, err)
	}
	f := &FakeThread{
		manager:  m,
		runnable: r,
		ticker:   tk,
		id:       fakeIDBase + fakeIDs.Add(1),
		name:     name,
		state:    StateRunning,
	}
	if err := m.AddThread(f.id, f); err != nil {
		r.Exit()
		return nil, err
	}
	return f, nil
}

func (f *FakeThread) ID() uint64   { return f.id }
func (f *FakeThread) Name() string { return f.name }

// State returns the lifecycle state.
func (f *FakeThread) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Suspend pauses or resumes ticking. Fake threads always support it.
func (f *FakeThread) Suspend(pause bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateRunning && f.state != StateSuspended {
		return false
	}
	if pause {
		f.state = StateSuspended
	} else {
		f.state = StateRunning
	}
	return true
}

// Kill stops the runnable and deregisters it. There is nothing to wait
// for, so wait is ignored.
func (f *FakeThread) Kill(bool) {
	f.mu.Lock()
	if f.state == StateStopped {
		f.mu.Unlock()
		return
	}
	f.state = StateStopped
	f.mu.Unlock()

	f.runnable.Stop()
	f.runnable.Exit()
	f.manager.RemoveThread(f)
}

func (f *FakeThread) tick() {
	f.mu.Lock()
	active := f.state == StateRunning
	f.mu.Unlock()
	if active {
		f.ticker.Tick()
	}
}
