//go:build linux

package thread

import (
	"runtime/debug"
	"unsafe"

	"github.com/agentsh/oslayer/internal/textconv"
	"golang.org/x/sys/unix"
)

// maxNameLen is the kernel's comm length without the terminator.
const maxNameLen = 15

// Nice values. Raising priority above normal needs CAP_SYS_NICE; without
// it SetPriority fails and the caller logs a warning.
var linuxPriorities = map[Priority]int{
	PriorityTimeCritical:        -10,
	PriorityHighest:             -5,
	PriorityAboveNormal:         -2,
	PriorityNormal:              0,
	PrioritySlightlyBelowNormal: 1,
	PriorityBelowNormal:         3,
	PriorityLowest:              5,
}

type linuxPlatform struct{}

func newPlatform() Platform { return linuxPlatform{} }

func (linuxPlatform) Name() string { return "linux" }

func (linuxPlatform) CurrentThreadID() uint64 { return uint64(unix.Gettid()) }

func (linuxPlatform) TranslatePriority(p Priority) int { return translate(linuxPriorities, p) }

func (linuxPlatform) SetPriority(tid uint64, native int) error {
	return unix.Setpriority(unix.PRIO_PROCESS, int(tid), native)
}

func (linuxPlatform) SetAffinity(mask uint64) error {
	var set unix.CPUSet
	set.Zero()
	for cpu := 0; cpu < 64; cpu++ {
		if mask&(1<<uint(cpu)) != 0 {
			set.Set(cpu)
		}
	}
	return unix.SchedSetaffinity(0, &set)
}

func (linuxPlatform) SetName(name string) error {
	buf, err := textconv.ToNarrow(textconv.Mangle(name, maxNameLen))
	if err != nil {
		return err
	}
	return unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&buf[0])), 0, 0, 0)
}

// PreRun turns faults on bad addresses into recoverable panics on this
// goroutine so Guard can report them.
func (linuxPlatform) PreRun() { debug.SetPanicOnFault(true) }

func (linuxPlatform) PostRun() { debug.SetPanicOnFault(false) }

func (linuxPlatform) DefaultStackSize() int { return 8 << 20 }
