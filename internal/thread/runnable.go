package thread

import "sync"

// Runnable is a unit of work that can be scheduled onto a Thread.
//
// Init runs on the new thread before Create returns; an error aborts the
// thread. Run does the work and must return once Stop has been called.
// Stop is called from other goroutines and must be safe for that. Exit
// runs on the thread after Run, even when Run panics.
type Runnable interface {
	Init() error
	Run() error
	Stop()
	Exit()
}

// Ticker is implemented by runnables that can be driven cooperatively by
// Manager.Tick instead of a dedicated OS thread.
type Ticker interface {
	Tick()
}

// Func adapts a function to Runnable. The function receives a channel
// that is closed when Stop is called.
type Func struct {
	fn   func(stop <-chan struct{}) error
	stop chan struct{}
	once sync.Once
}

// RunnableFunc returns a Runnable that calls fn from Run.
func RunnableFunc(fn func(stop <-chan struct{}) error) *Func {
	return &Func{fn: fn, stop: make(chan struct{})}
}

func (f *Func) Init() error { return nil }

func (f *Func) Run() error { return f.fn(f.stop) }

func (f *Func) Stop() {
	f.once.Do(func() { close(f.stop) })
}

func (f *Func) Exit() {}
