package crash

import (
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/agentsh/oslayer/internal/textconv"
)

func loadedModules() []string {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return executableOnly()
	}
	defer f.Close()
	return parseMaps(f)
}

func machineID() string {
	b, err := os.ReadFile("/etc/machine-id")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func osVersion() string {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return "Linux"
	}
	return textconv.FromNarrow(u.Sysname[:]) + " " + textconv.FromNarrow(u.Release[:])
}
