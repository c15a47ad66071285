//go:build darwin

package thread

import (
	"runtime/debug"

	"golang.org/x/sys/unix"
)

// Darwin has no per-thread nice without cgo. The table still defines the
// valid range so unknown values are caught.
var darwinPriorities = map[Priority]int{
	PriorityTimeCritical:        47,
	PriorityHighest:             45,
	PriorityAboveNormal:         37,
	PriorityNormal:              31,
	PrioritySlightlyBelowNormal: 30,
	PriorityBelowNormal:         25,
	PriorityLowest:              20,
}

type darwinPlatform struct{}

func newPlatform() Platform { return darwinPlatform{} }

func (darwinPlatform) Name() string { return "darwin" }

// CurrentThreadID returns the kernel's 64-bit thread id, which is never
// reused during the life of the system.
func (darwinPlatform) CurrentThreadID() uint64 {
	id, _, errno := unix.Syscall(unix.SYS_THREAD_SELFID, 0, 0, 0)
	if errno != 0 {
		return 0
	}
	return uint64(id)
}

func (darwinPlatform) TranslatePriority(p Priority) int { return translate(darwinPriorities, p) }

// SetPriority records nothing at the OS level: pthread_setschedparam is
// only reachable through cgo.
func (darwinPlatform) SetPriority(uint64, int) error { return nil }

// SetAffinity is a no-op; macOS exposes no hard affinity.
func (darwinPlatform) SetAffinity(uint64) error { return nil }

// SetName is a no-op; pthread_setname_np is only reachable through cgo.
func (darwinPlatform) SetName(string) error { return nil }

func (darwinPlatform) PreRun() { debug.SetPanicOnFault(true) }

func (darwinPlatform) PostRun() { debug.SetPanicOnFault(false) }

func (darwinPlatform) DefaultStackSize() int { return 512 << 10 }
