//go:build linux

package heartbeat

import (
	"bufio"
	"bytes"
	"os"
	"strconv"
)

// DebuggerAttached reports whether a tracer is attached to the process.
func DebuggerAttached() bool {
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return false
	}
	return tracerPID(data) != 0
}

func tracerPID(status []byte) int {
	sc := bufio.NewScanner(bytes.NewReader(status))
	for sc.Scan() {
		line := sc.Bytes()
		rest, ok := bytes.CutPrefix(line, []byte("TracerPid:"))
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(string(bytes.TrimSpace(rest)))
		if err != nil {
			return 0
		}
		return pid
	}
	return 0
}
