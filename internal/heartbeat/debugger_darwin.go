//go:build darwin

package heartbeat

import (
	"os"

	"golang.org/x/sys/unix"
)

const pTraced = 0x00000800

// DebuggerAttached reports whether the process is being traced.
func DebuggerAttached() bool {
	kp, err := unix.SysctlKinfoProc("kern.proc.pid", os.Getpid())
	if err != nil {
		return false
	}
	return kp.Proc.P_flag&pTraced != 0
}
