package stackwalk

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// SymbolInfo is the heap-backed result of the normal symbolication path.
type SymbolInfo struct {
	Address  uintptr
	Module   string
	Function string
	File     string
	Line     int
	// Offset is the distance from the function entry.
	Offset uintptr
}

// Known reports whether the function was resolved.
func (s SymbolInfo) Known() bool { return s.Function != "" }

var (
	moduleName    [64]byte
	moduleNameLen int
)

func init() {
	name := "unknown"
	if exe, err := os.Executable(); err == nil {
		name = strings.TrimSuffix(filepath.Base(exe), ".exe")
	}
	moduleNameLen = copy(moduleName[:], name)
}

// ModuleName is the name of the executable image all Go frames live in.
func ModuleName() string { return string(moduleName[:moduleNameLen]) }

func lookupPC(depth int, pc uintptr) uintptr {
	// Frames above the first are return addresses; step back into the call.
	if depth > 0 && pc > 0 {
		return pc - 1
	}
	return pc
}

// ProgramCounterToSymbolInfo resolves pc using the normal path. depth 0
// means pc is the exact faulting instruction; any other depth means pc is
// a return address. Unresolvable addresses yield a SymbolInfo with only
// Address and Module set.
func ProgramCounterToSymbolInfo(depth int, pc uintptr) SymbolInfo {
	info := SymbolInfo{Address: pc, Module: ModuleName()}
	if pc == 0 {
		return info
	}
	frames := runtime.CallersFrames([]uintptr{lookupPC(depth, pc) + 1})
	frame, _ := frames.Next()
	if frame.Function == "" {
		return info
	}
	info.Function = frame.Function
	info.File = frame.File
	info.Line = frame.Line
	if frame.Entry != 0 && pc >= frame.Entry {
		info.Offset = pc - frame.Entry
	}
	return info
}

// SafeSymbolInfo is the fixed-size result of the async-safe path.
type SafeSymbolInfo struct {
	Address     uintptr
	Function    [256]byte
	FunctionLen int
	File        [512]byte
	FileLen     int
	Line        int
}

// Known reports whether the function was resolved.
func (s *SafeSymbolInfo) Known() bool { return s.FunctionLen > 0 }

// ProgramCounterToSymbolInfoSafe resolves pc into out, writing only into
// its fixed buffers. It reads the runtime's static function tables and
// does not expand inlined frames. For a pc inside an inlined call
// runtime.FuncForPC still allocates one small record; the crash handler
// runs with the GC disabled, so that record is never collected mid-walk.
func ProgramCounterToSymbolInfoSafe(depth int, pc uintptr, out *SafeSymbolInfo) {
	out.Address = pc
	out.FunctionLen = 0
	out.FileLen = 0
	out.Line = 0
	if pc == 0 {
		return
	}
	lpc := lookupPC(depth, pc)
	f := runtime.FuncForPC(lpc)
	if f == nil {
		return
	}
	out.FunctionLen = copy(out.Function[:], f.Name())
	file, line := f.FileLine(lpc)
	out.FileLen = copy(out.File[:], file)
	out.Line = line
}
