//go:build windows

package thread

import (
	"fmt"
	"runtime/debug"
	"unsafe"

	"github.com/agentsh/oslayer/internal/textconv"
	"golang.org/x/sys/windows"
)

const threadSetInformation = 0x0020

var (
	kernel32                  = windows.NewLazySystemDLL("kernel32.dll")
	procSetThreadPriority     = kernel32.NewProc("SetThreadPriority")
	procSetThreadAffinityMask = kernel32.NewProc("SetThreadAffinityMask")
	procSetThreadDescription  = kernel32.NewProc("SetThreadDescription")
)

// THREAD_PRIORITY_* values.
var windowsPriorities = map[Priority]int{
	PriorityTimeCritical:        15,
	PriorityHighest:             2,
	PriorityAboveNormal:         1,
	PriorityNormal:              0,
	PrioritySlightlyBelowNormal: -1,
	PriorityBelowNormal:         -1,
	PriorityLowest:              -2,
}

type windowsPlatform struct{}

func newPlatform() Platform { return windowsPlatform{} }

func (windowsPlatform) Name() string { return "windows" }

func (windowsPlatform) CurrentThreadID() uint64 { return uint64(windows.GetCurrentThreadId()) }

func (windowsPlatform) TranslatePriority(p Priority) int { return translate(windowsPriorities, p) }

func (windowsPlatform) SetPriority(tid uint64, native int) error {
	h, err := windows.OpenThread(threadSetInformation, false, uint32(tid))
	if err != nil {
		return fmt.Errorf("open thread %d: %w", tid, err)
	}
	defer windows.CloseHandle(h)
	if r, _, err := procSetThreadPriority.Call(uintptr(h), uintptr(native)); r == 0 {
		return fmt.Errorf("SetThreadPriority: %w", err)
	}
	return nil
}

func (windowsPlatform) SetAffinity(mask uint64) error {
	if r, _, err := procSetThreadAffinityMask.Call(uintptr(windows.CurrentThread()), uintptr(mask)); r == 0 {
		return fmt.Errorf("SetThreadAffinityMask: %w", err)
	}
	return nil
}

// SetName uses SetThreadDescription where the OS has it (Windows 10 1607+).
func (windowsPlatform) SetName(name string) error {
	if procSetThreadDescription.Find() != nil {
		return nil
	}
	wide, err := textconv.ToWide(name)
	if err != nil {
		return err
	}
	// Returns an HRESULT; negative means failure.
	if r, _, _ := procSetThreadDescription.Call(uintptr(windows.CurrentThread()), uintptr(unsafe.Pointer(&wide[0]))); int32(r) < 0 {
		return fmt.Errorf("SetThreadDescription: hresult 0x%08x", uint32(r))
	}
	return nil
}

func (windowsPlatform) PreRun() { debug.SetPanicOnFault(true) }

func (windowsPlatform) PostRun() { debug.SetPanicOnFault(false) }

func (windowsPlatform) DefaultStackSize() int { return 1 << 20 }
