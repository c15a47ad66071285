//go:build windows

package crash

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/agentsh/oslayer/internal/textconv"
)

func loadedModules() []string {
	proc := windows.CurrentProcess()
	var mods [1024]windows.Handle
	var needed uint32
	if err := windows.EnumProcessModules(proc, &mods[0], uint32(len(mods))*uint32(unsafe.Sizeof(mods[0])), &needed); err != nil {
		return executableOnly()
	}
	n := int(needed / uint32(unsafe.Sizeof(mods[0])))
	if n > len(mods) {
		n = len(mods)
	}
	out := make([]string, 0, n)
	var name [windows.MAX_PATH]uint16
	for _, m := range mods[:n] {
		if err := windows.GetModuleFileNameEx(proc, m, &name[0], uint32(len(name))); err != nil {
			continue
		}
		out = append(out, textconv.FromWide(name[:]))
	}
	return out
}

func machineID() string { return "" }

func osVersion() string {
	v := windows.RtlGetVersion()
	return fmt.Sprintf("Windows %d.%d.%d", v.MajorVersion, v.MinorVersion, v.BuildNumber)
}
