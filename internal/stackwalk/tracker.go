package stackwalk

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"log/slog"
	"runtime"
	"sort"
	"sync"
)

// CallStack is one unique backtrace seen by a Tracker.
type CallStack struct {
	Addresses  [MaxDepth]uintptr
	Depth      int
	StackCount uint64
	// Payload is owned by the tracker and released on ResetTracking.
	Payload any
}

// Frames returns the captured addresses.
func (c *CallStack) Frames() []uintptr { return c.Addresses[:c.Depth] }

// TrackerOptions configures a Tracker.
type TrackerOptions struct {
	// Merge folds the payload of a repeat capture into the stored one.
	// When nil the repeat payload is released immediately.
	Merge func(existing, incoming any) any
	// Release frees a payload. When nil, payloads implementing io.Closer
	// are closed.
	Release func(payload any)
	Logger  *slog.Logger
}

// Tracker counts how often each distinct backtrace is captured. Captures
// whose addresses are equal after alias normalization share one record,
// found through a CRC index.
type Tracker struct {
	mu      sync.Mutex
	enabled bool
	stacks  []*CallStack
	byCRC   map[uint32][]int
	aliases map[uintptr]uintptr
	opts    TrackerOptions
	logger  *slog.Logger
}

// NewTracker returns an enabled tracker.
func NewTracker(opts TrackerOptions) *Tracker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		enabled: true,
		byCRC:   make(map[uint32][]int),
		aliases: make(map[uintptr]uintptr),
		opts:    opts,
		logger:  logger,
	}
}

// ToggleTracking enables or disables capturing.
func (t *Tracker) ToggleTracking(enable bool) {
	t.mu.Lock()
	t.enabled = enable
	t.mu.Unlock()
}

// SetAlias makes from equivalent to to. Use it for addresses that resolve
// to identical code, such as folded duplicate functions.
func (t *Tracker) SetAlias(from, to uintptr) {
	t.mu.Lock()
	t.aliases[from] = to
	t.mu.Unlock()
}

// CaptureStackTrace records the caller's backtrace, skipping skip frames.
func (t *Tracker) CaptureStackTrace(skip int, payload any) *CallStack {
	var pcs [MaxDepth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	return t.Record(pcs[:n], payload)
}

// Record adds an explicit address sequence. It returns the record that now
// holds it, or nil while tracking is disabled.
func (t *Tracker) Record(addrs []uintptr, payload any) *CallStack {
	if len(addrs) > MaxDepth {
		addrs = addrs[:MaxDepth]
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.enabled {
		t.release(payload)
		return nil
	}

	var normalized [MaxDepth]uintptr
	for i, a := range addrs {
		if alias, ok := t.aliases[a]; ok {
			a = alias
		}
		normalized[i] = a
	}
	frames := normalized[:len(addrs)]
	crc := addressCRC(frames)

	for _, idx := range t.byCRC[crc] {
		existing := t.stacks[idx]
		if equalFrames(existing.Frames(), frames) {
			existing.StackCount++
			if t.opts.Merge != nil {
				existing.Payload = t.opts.Merge(existing.Payload, payload)
			} else {
				t.release(payload)
			}
			return existing
		}
	}

	cs := &CallStack{Depth: len(frames), StackCount: 1, Payload: payload}
	copy(cs.Addresses[:], frames)
	t.stacks = append(t.stacks, cs)
	t.byCRC[crc] = append(t.byCRC[crc], len(t.stacks)-1)
	return cs
}

// ResetTracking drops every record and releases their payloads.
func (t *Tracker) ResetTracking() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, cs := range t.stacks {
		t.release(cs.Payload)
		cs.Payload = nil
	}
	t.stacks = nil
	t.byCRC = make(map[uint32][]int)
}

// Stacks returns a snapshot of the records, most frequent first.
func (t *Tracker) Stacks() []CallStack {
	t.mu.Lock()
	out := make([]CallStack, 0, len(t.stacks))
	for _, cs := range t.stacks {
		out = append(out, *cs)
	}
	t.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].StackCount > out[j].StackCount })
	return out
}

// DumpStackTraces logs every record seen at least threshold times.
func (t *Tracker) DumpStackTraces(threshold uint64) {
	stacks := t.Stacks()
	var total uint64
	for _, cs := range stacks {
		total += cs.StackCount
	}
	t.logger.Info("dumping tracked stacks", "unique", len(stacks), "captures", total)
	for i := range stacks {
		cs := &stacks[i]
		if cs.StackCount < threshold {
			continue
		}
		pct := 100 * float64(cs.StackCount) / float64(total)
		t.logger.Info("tracked stack",
			"count", cs.StackCount,
			"percent", pct,
			"stack", FormatBackTrace(cs.Frames()),
		)
	}
}

func (t *Tracker) release(payload any) {
	if payload == nil {
		return
	}
	if t.opts.Release != nil {
		t.opts.Release(payload)
		return
	}
	if c, ok := payload.(io.Closer); ok {
		_ = c.Close()
	}
}

func addressCRC(frames []uintptr) uint32 {
	var buf [8]byte
	h := crc32.NewIEEE()
	for _, a := range frames {
		binary.LittleEndian.PutUint64(buf[:], uint64(a))
		h.Write(buf[:])
	}
	return h.Sum32()
}

func equalFrames(a, b []uintptr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
