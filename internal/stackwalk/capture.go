package stackwalk

import (
	"runtime"
	"strings"
	"sync/atomic"
)

// MaxDepth bounds every captured backtrace.
const MaxDepth = 50

var crashDepth atomic.Int32

// EnterCrashHandler marks the process as reporting a crash. From now on
// the formatting helpers use the allocation-free path.
func EnterCrashHandler() { crashDepth.Add(1) }

// LeaveCrashHandler undoes EnterCrashHandler. Only "ensure" reports, which
// let the process continue, call it.
func LeaveCrashHandler() {
	if crashDepth.Add(-1) < 0 {
		crashDepth.Store(0)
	}
}

// InCrashHandler reports whether a crash is being handled.
func InCrashHandler() bool { return crashDepth.Load() > 0 }

// CaptureStackBackTrace fills buf with the return addresses of the calling
// goroutine, skipping skip frames above the caller, and returns the number
// written. It does not allocate.
func CaptureStackBackTrace(buf []uintptr, skip int) int {
	if len(buf) == 0 {
		return 0
	}
	return runtime.Callers(skip+2, buf)
}

// CapturePanicBackTrace is the context variant used from a deferred
// recover: it captures the stack of the panicking goroutine and drops the
// runtime's own panic machinery so the first entry is the faulting frame.
// It does not allocate.
func CapturePanicBackTrace(buf []uintptr) int {
	n := runtime.Callers(2, buf)
	start := 0
	for i := 0; i < n; i++ {
		f := runtime.FuncForPC(buf[i] - 1)
		if f == nil {
			continue
		}
		if isPanicMachinery(f.Name()) {
			start = i + 1
		}
	}
	if start >= n {
		return n
	}
	copy(buf, buf[start:n])
	return n - start
}

func isPanicMachinery(name string) bool {
	switch name {
	case "runtime.gopanic", "runtime.sigpanic", "runtime.panicmem",
		"runtime.panicmemAddr", "runtime.panicdivide", "runtime.panicIndex",
		"runtime.goPanicIndex", "runtime.goPanicSliceB", "runtime.panicshift":
		return true
	}
	return strings.HasPrefix(name, "runtime.goPanic")
}
