package metrics

import "github.com/agentsh/oslayer/internal/process"

type wrappedObserver struct {
	inner process.Observer
	c     *Collector
}

// WrapObserver counts process events in c before passing them to inner.
// A nil inner yields the collector alone.
func WrapObserver(inner process.Observer, c *Collector) process.Observer {
	if c == nil {
		c = New()
	}
	if inner == nil {
		return c
	}
	return &wrappedObserver{inner: inner, c: c}
}

func (w *wrappedObserver) ProcessSpawned(pid int, path string) {
	w.c.ProcessSpawned(pid, path)
	w.inner.ProcessSpawned(pid, path)
}

func (w *wrappedObserver) ProcessReaped(pid int, exitCode int) {
	w.c.ProcessReaped(pid, exitCode)
	w.inner.ProcessReaped(pid, exitCode)
}

func (w *wrappedObserver) WaiterStarted(pid int) {
	w.c.WaiterStarted(pid)
	w.inner.WaiterStarted(pid)
}
