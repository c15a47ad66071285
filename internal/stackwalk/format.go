package stackwalk

import (
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/agentsh/oslayer/internal/textconv"
)

const (
	unknownFunction = "[Unknown]"
	unknownFile     = "[UnknownFile]"
)

// fixedWriter appends into a caller-owned buffer and keeps it
// NUL-terminated. It never grows the buffer.
type fixedWriter struct {
	buf []byte
	n   int
}

func (w *fixedWriter) str(s string) {
	w.n = textconv.AppendFixed(w.buf, w.n, s)
}

func (w *fixedWriter) bytes(b []byte) {
	for _, c := range b {
		if w.n >= len(w.buf)-1 {
			break
		}
		w.buf[w.n] = c
		w.n++
	}
	if w.n < len(w.buf) {
		w.buf[w.n] = 0
	}
}

func (w *fixedWriter) hex(v uint64) {
	var tmp [18]byte
	tmp[0], tmp[1] = '0', 'x'
	const digits = "0123456789abcdef"
	for i := 17; i >= 2; i-- {
		tmp[i] = digits[v&0xf]
		v >>= 4
	}
	w.bytes(tmp[:])
}

func (w *fixedWriter) dec(v int) {
	var tmp [20]byte
	i := len(tmp)
	neg := v < 0
	if neg {
		v = -v
	}
	for {
		i--
		tmp[i] = byte('0' + v%10)
		v /= 10
		if v == 0 {
			break
		}
	}
	if neg {
		i--
		tmp[i] = '-'
	}
	w.bytes(tmp[i:])
}

// FormatSymbol renders one frame in the shape
// "0xADDRESS module!function() [file:line]".
func FormatSymbol(info SymbolInfo) string {
	var b strings.Builder
	b.WriteString("0x")
	addr := strconv.FormatUint(uint64(info.Address), 16)
	b.WriteString(strings.Repeat("0", 16-len(addr)))
	b.WriteString(addr)
	b.WriteByte(' ')
	b.WriteString(info.Module)
	b.WriteByte('!')
	if info.Function == "" {
		b.WriteString(unknownFunction)
	} else {
		b.WriteString(info.Function)
	}
	b.WriteString("() [")
	if info.File == "" {
		b.WriteString(unknownFile)
	} else {
		b.WriteString(info.File)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(info.Line))
	}
	b.WriteByte(']')
	return b.String()
}

// ProgramCounterToHumanReadableString writes one formatted frame for pc
// into out, NUL-terminated, and returns its length. While the crash
// handler is active the safe path is used.
func ProgramCounterToHumanReadableString(depth int, pc uintptr, out []byte) int {
	if len(out) == 0 {
		return 0
	}
	if InCrashHandler() {
		var info SafeSymbolInfo
		return formatSafe(depth, pc, &info, out)
	}
	return textconv.CopyFixed(out, FormatSymbol(ProgramCounterToSymbolInfo(depth, pc)))
}

// safeFormats counts frames rendered by the safe path.
var safeFormats atomic.Uint64

func formatSafe(depth int, pc uintptr, info *SafeSymbolInfo, out []byte) int {
	safeFormats.Add(1)
	ProgramCounterToSymbolInfoSafe(depth, pc, info)
	w := fixedWriter{buf: out}
	w.hex(uint64(pc))
	w.str(" ")
	w.bytes(moduleName[:moduleNameLen])
	w.str("!")
	if info.Known() {
		w.bytes(info.Function[:info.FunctionLen])
	} else {
		w.str(unknownFunction)
	}
	w.str("() [")
	if info.FileLen > 0 {
		w.bytes(info.File[:info.FileLen])
		w.str(":")
		w.dec(info.Line)
	} else {
		w.str(unknownFile)
	}
	w.str("]")
	return w.n
}

// WalkStack captures the calling goroutine's stack and formats it with
// the normal path, one frame per line. Inlined frames are expanded.
func WalkStack(skip int) string {
	var pcs [MaxDepth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	return FormatBackTrace(pcs[:n])
}

// FormatBackTrace formats return addresses with the normal path.
func FormatBackTrace(pcs []uintptr) string {
	if len(pcs) == 0 {
		return ""
	}
	var b strings.Builder
	frames := runtime.CallersFrames(pcs)
	module := ModuleName()
	for {
		frame, more := frames.Next()
		b.WriteString(FormatSymbol(SymbolInfo{
			Address:  frame.PC,
			Module:   module,
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		}))
		b.WriteByte('\n')
		if !more {
			break
		}
	}
	return b.String()
}

// FormatBackTraceSafe formats return addresses into out using only the
// safe path, one frame per line, and returns the number of bytes written.
func FormatBackTraceSafe(pcs []uintptr, out []byte) int {
	if len(out) == 0 {
		return 0
	}
	var (
		info SafeSymbolInfo
		line [1024]byte
	)
	w := fixedWriter{buf: out}
	for i, pc := range pcs {
		n := formatSafe(i+1, pc, &info, line[:])
		w.bytes(line[:n])
		w.str("\n")
		if w.n >= len(out)-1 {
			break
		}
	}
	return w.n
}
