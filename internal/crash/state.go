package crash

import (
	"fmt"
	"strings"
	"sync/atomic"
	"unsafe"

	"github.com/agentsh/oslayer/internal/stackwalk"
	"github.com/agentsh/oslayer/internal/textconv"
)

// Buffer sizes of the crash context.
const (
	DescriptionSize = 1024
	ThreadNameSize  = 64
	BacktraceSize   = 32 << 10
	ErrorHistSize   = 16 << 10
)

// Kind classifies a report.
type Kind int

const (
	KindCrash Kind = iota
	KindAssert
	KindEnsure
	KindHang
	KindGPUCrash
)

func (k Kind) String() string {
	switch k {
	case KindCrash:
		return "Crash"
	case KindAssert:
		return "Assert"
	case KindEnsure:
		return "Ensure"
	case KindHang:
		return "Hang"
	case KindGPUCrash:
		return "GPUCrash"
	}
	return "Unknown"
}

// MarshalText renders the kind by name.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k := KindCrash; k <= KindGPUCrash; k++ {
		if strings.EqualFold(s, k.String()) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown report kind %q", s)
}

// Fatal reports whether the process terminates after the report.
func (k Kind) Fatal() bool { return k == KindCrash || k == KindAssert || k == KindGPUCrash }

// Context is everything captured at the fault. Filling it never
// allocates; the backtrace is formatted into the fixed buffer through
// the safe symbol path.
type Context struct {
	Kind     Kind
	Signal   int
	ThreadID uint64
	// Machine is the opaque machine context. Go does not hand signal
	// ucontexts to user code, so it holds the faulting program counter.
	Machine uintptr

	descLen  int
	desc     [DescriptionSize]byte
	nameLen  int
	name     [ThreadNameSize]byte
	depth    int
	pcs      [stackwalk.MaxDepth]uintptr
	traceLen int
	trace    [BacktraceSize]byte
}

// SetDescription stores s, truncated to DescriptionSize-1 bytes.
func (c *Context) SetDescription(s string) { c.descLen = textconv.CopyFixed(c.desc[:], s) }

// Description returns the stored description.
func (c *Context) Description() string { return string(c.desc[:c.descLen]) }

// SetThreadName stores the faulting thread's name.
func (c *Context) SetThreadName(s string) { c.nameLen = textconv.CopyFixed(c.name[:], s) }

// ThreadName returns the faulting thread's name.
func (c *Context) ThreadName() string { return string(c.name[:c.nameLen]) }

// SetBacktrace copies pcs and renders them into the backtrace buffer.
func (c *Context) SetBacktrace(pcs []uintptr) {
	c.depth = copy(c.pcs[:], pcs)
	if c.depth > 0 {
		c.Machine = c.pcs[0]
	}
	c.traceLen = stackwalk.FormatBackTraceSafe(c.pcs[:c.depth], c.trace[:])
}

// SetBacktraceText stores an already rendered backtrace, such as a
// goroutine dump.
func (c *Context) SetBacktraceText(s string) {
	c.depth = 0
	c.traceLen = textconv.CopyFixed(c.trace[:], s)
}

// Frames returns the captured return addresses.
func (c *Context) Frames() []uintptr { return c.pcs[:c.depth] }

// Backtrace returns the rendered backtrace.
func (c *Context) Backtrace() string { return string(c.trace[:c.traceLen]) }

// State is the process-wide crash record shared by every thread. It is
// written once, by the first capture.
type State struct {
	captured  atomic.Bool
	published atomic.Bool
	ctx       Context

	histLen atomic.Int32
	hist    [ErrorHistSize]byte
}

// tryCapture claims the state. Only the first caller gets true.
func (s *State) tryCapture() bool { return s.captured.CompareAndSwap(false, true) }

// Captured reports whether a crash has been captured.
func (s *State) Captured() bool { return s.captured.Load() }

// Context returns the captured context, or nil before it is complete.
func (s *State) Context() *Context {
	if !s.published.Load() {
		return nil
	}
	return &s.ctx
}

// publish copies the description and backtrace into ErrorHist and makes
// the context visible to readers.
func (s *State) publish() {
	n := textconv.CopyFixed(s.hist[:], bytesString(s.ctx.desc[:s.ctx.descLen]))
	n = textconv.AppendFixed(s.hist[:], n, "\n")
	n = textconv.AppendFixed(s.hist[:], n, bytesString(s.ctx.trace[:s.ctx.traceLen]))
	s.histLen.Store(int32(n))
	s.published.Store(true)
}

// ErrorHist returns the error history text recorded by the capture.
func (s *State) ErrorHist() string { return string(s.hist[:s.histLen.Load()]) }

// bytesString views b as a string without copying.
func bytesString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}
