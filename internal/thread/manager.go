package thread

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/agentsh/oslayer/internal/locks"
)

// ErrDuplicateThread is returned by AddThread when the id is already
// registered. The existing registration is kept.
var ErrDuplicateThread = errors.New("thread id already registered")

// Registration is anything the Manager can list: real threads and fake
// cooperative ones.
type Registration interface {
	ID() uint64
	Name() string
}

// Info is a diagnostic snapshot of one registration.
type Info struct {
	ID       uint64 `json:"id"`
	Name     string `json:"name"`
	Priority string `json:"priority,omitempty"`
	State    string `json:"state"`
	Fake     bool   `json:"fake,omitempty"`
}

// PanicHandler is called on the panicking thread, inside the deferred
// recover, with the panic value. It may re-panic.
type PanicHandler func(t *Thread, recovered any)

// Manager is the process-wide directory of running threads, keyed by OS
// thread id. Its lock is not safe to take from the crash path; use
// TryThreadName there.
type Manager struct {
	cs       locks.CriticalSection
	threads  map[uint64]Registration
	platform Platform
	logger   *slog.Logger

	hookMu  sync.RWMutex
	onPanic PanicHandler
	onAdd   func(Registration)
	onRem   func(Registration)
}

// NewManager creates an empty manager. A nil platform selects
// DefaultPlatform.
func NewManager(p Platform) *Manager {
	if p == nil {
		p = DefaultPlatform()
	}
	return &Manager{
		threads:  make(map[uint64]Registration),
		platform: p,
		logger:   slog.Default(),
	}
}

var defaultManager = sync.OnceValue(func() *Manager { return NewManager(nil) })

// Default returns the process-wide manager.
func Default() *Manager { return defaultManager() }

// SetLogger sets the logger for the manager and its threads.
func (m *Manager) SetLogger(logger *slog.Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// Platform returns the strategy threads of this manager use.
func (m *Manager) Platform() Platform { return m.platform }

// SetPanicHandler installs the handler for panics escaping Runnable.Run.
// Without one the panic is logged and re-raised.
func (m *Manager) SetPanicHandler(h PanicHandler) {
	m.hookMu.Lock()
	m.onPanic = h
	m.hookMu.Unlock()
}

// SetObserver registers callbacks for registrations coming and going.
func (m *Manager) SetObserver(added, removed func(Registration)) {
	m.hookMu.Lock()
	m.onAdd, m.onRem = added, removed
	m.hookMu.Unlock()
}

func (m *Manager) panicHandler() PanicHandler {
	m.hookMu.RLock()
	defer m.hookMu.RUnlock()
	return m.onPanic
}

// AddThread registers r under id.
func (m *Manager) AddThread(id uint64, r Registration) error {
	m.cs.Lock()
	existing, dup := m.threads[id]
	if !dup {
		m.threads[id] = r
	}
	m.cs.Unlock()

	if dup {
		m.logger.Error("thread id already registered",
			"id", id, "existing", existing.Name(), "new", r.Name())
		return fmt.Errorf("add thread %d (%s): %w", id, r.Name(), ErrDuplicateThread)
	}
	m.notify(r, true)
	return nil
}

// RemoveThread removes r wherever it is registered. It is a no-op when r
// is not present.
func (m *Manager) RemoveThread(r Registration) {
	removed := false
	m.cs.Lock()
	for id, v := range m.threads {
		if v == r {
			delete(m.threads, id)
			removed = true
			break
		}
	}
	m.cs.Unlock()
	if removed {
		m.notify(r, false)
	}
}

func (m *Manager) notify(r Registration, added bool) {
	m.hookMu.RLock()
	fn := m.onRem
	if added {
		fn = m.onAdd
	}
	m.hookMu.RUnlock()
	if fn != nil {
		fn(r)
	}
}

// GetThreadName returns the name registered for id, or "".
func (m *Manager) GetThreadName(id uint64) string {
	m.cs.Lock()
	defer m.cs.Unlock()
	if r, ok := m.threads[id]; ok {
		return r.Name()
	}
	return ""
}

// TryThreadName is GetThreadName for the crash path: it gives up instead
// of blocking when the lock is held.
func (m *Manager) TryThreadName(id uint64) (string, bool) {
	if !m.cs.TryLock() {
		return "", false
	}
	defer m.cs.Unlock()
	r, ok := m.threads[id]
	if !ok {
		return "", false
	}
	return r.Name(), true
}

// Lookup returns the registration for id.
func (m *Manager) Lookup(id uint64) (Registration, bool) {
	m.cs.Lock()
	defer m.cs.Unlock()
	r, ok := m.threads[id]
	return r, ok
}

// Len returns the number of registrations.
func (m *Manager) Len() int {
	m.cs.Lock()
	defer m.cs.Unlock()
	return len(m.threads)
}

// ForEach calls fn for every registration, in id order, outside the lock.
func (m *Manager) ForEach(fn func(Registration)) {
	for _, r := range m.sorted() {
		fn(r)
	}
}

// Snapshot describes every registration, in id order.
func (m *Manager) Snapshot() []Info {
	regs := m.sorted()
	out := make([]Info, 0, len(regs))
	for _, r := range regs {
		info := Info{ID: r.ID(), Name: r.Name()}
		switch v := r.(type) {
		case *Thread:
			info.Priority = v.Priority().String()
			info.State = v.State().String()
		case *FakeThread:
			info.State = v.State().String()
			info.Fake = true
		}
		out = append(out, info)
	}
	return out
}

// Tick advances every fake thread that is not suspended. Real threads are
// unaffected.
func (m *Manager) Tick() {
	for _, r := range m.sorted() {
		if f, ok := r.(*FakeThread); ok {
			f.tick()
		}
	}
}

func (m *Manager) sorted() []Registration {
	m.cs.Lock()
	out := make([]Registration, 0, len(m.threads))
	for _, r := range m.threads {
		out = append(out, r)
	}
	m.cs.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
