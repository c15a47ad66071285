//go:build linux

package crash

import (
	"os/signal"
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// kernelSigaction has the size of the kernel's struct sigaction. Its zero
// value means SIG_DFL with no flags and an empty mask.
type kernelSigaction struct {
	handler  uintptr
	flags    uint64
	restorer uintptr
	mask     uint64
}

// raiseSignal puts sig back to its default action in the kernel and
// delivers it to the calling thread, so the process dies from the signal
// with the usual exit status and core dump. os/signal cannot do this on
// its own: the runtime keeps its handlers for the fault signals installed.
// It returns after raiseTimeout if the process survived.
func raiseSignal(sig int) {
	runtime.LockOSThread()
	var act kernelSigaction
	_, _, errno := unix.RawSyscall6(unix.SYS_RT_SIGACTION, uintptr(sig),
		uintptr(unsafe.Pointer(&act)), 0, unsafe.Sizeof(act.mask), 0, 0)
	if errno != 0 {
		signal.Reset(unix.Signal(sig))
		_ = unix.Kill(unix.Getpid(), unix.Signal(sig))
	} else {
		_ = unix.Tgkill(unix.Getpid(), unix.Gettid(), unix.Signal(sig))
	}
	time.Sleep(raiseTimeout)
}
