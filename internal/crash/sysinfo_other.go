//go:build !linux && !windows

package crash

import (
	"runtime"

	"golang.org/x/sys/unix"
)

func loadedModules() []string { return executableOnly() }

func machineID() string { return "" }

func osVersion() string {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return runtime.GOOS
	}
	return unix.ByteSliceToString(u.Sysname[:]) + " " + unix.ByteSliceToString(u.Release[:])
}
