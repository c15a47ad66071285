package stackwalk

import (
	"bytes"
	"runtime"
	"strconv"
)

// GoroutineID returns the runtime id of the calling goroutine, parsed from
// the header of its own stack dump ("goroutine 18 [running]:").
func GoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return parseGoroutineHeader(buf[:n])
}

func parseGoroutineHeader(b []byte) uint64 {
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	end := bytes.IndexByte(b, ' ')
	if end < 0 {
		return 0
	}
	id, err := strconv.ParseUint(string(b[:end]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// AllGoroutineStacks returns the runtime's dump of every goroutine.
func AllGoroutineStacks() []byte {
	buf := make([]byte, 64<<10)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return buf[:n]
		}
		if len(buf) >= 64<<20 {
			return buf[:n]
		}
		buf = make([]byte, len(buf)*2)
	}
}

// GoroutineStack returns the stack of the goroutine with the given id, as
// printed by the runtime, or false if it no longer exists. This is how the
// hang watchdog captures the stack of another thread.
func GoroutineStack(id uint64) (string, bool) {
	if id == 0 {
		return "", false
	}
	return findGoroutine(AllGoroutineStacks(), id)
}

func findGoroutine(dump []byte, id uint64) (string, bool) {
	for _, block := range bytes.Split(dump, []byte("\n\n")) {
		block = bytes.TrimLeft(block, "\n")
		if parseGoroutineHeader(block) == id {
			return string(bytes.TrimRight(block, "\n")), true
		}
	}
	return "", false
}
