package locks

import (
	"sync"
	"sync/atomic"
)

// CriticalSection is an in-process mutex that also records whether it is
// held. The crash path uses TryLock/Held to avoid blocking on a lock the
// faulting thread may already own.
type CriticalSection struct {
	mu   sync.Mutex
	held atomic.Bool
}

// Lock blocks until the section is acquired.
func (c *CriticalSection) Lock() {
	c.mu.Lock()
	c.held.Store(true)
}

// TryLock acquires the section only if it is free.
func (c *CriticalSection) TryLock() bool {
	if !c.mu.TryLock() {
		return false
	}
	c.held.Store(true)
	return true
}

// Unlock releases the section.
func (c *CriticalSection) Unlock() {
	c.held.Store(false)
	c.mu.Unlock()
}

// Held reports whether some goroutine currently holds the section.
func (c *CriticalSection) Held() bool {
	return c.held.Load()
}
