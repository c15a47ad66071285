package thread

// Platform is the per-OS capability set the generic thread code is
// written against. Exactly one implementation is compiled in.
type Platform interface {
	Name() string
	// CurrentThreadID returns the id of the calling OS thread.
	CurrentThreadID() uint64
	// TranslatePriority maps p onto the native scale. It panics for an
	// unknown Priority.
	TranslatePriority(p Priority) int
	// SetPriority applies a native priority to the thread tid.
	SetPriority(tid uint64, native int) error
	// SetAffinity and SetName act on the calling thread.
	SetAffinity(mask uint64) error
	SetName(name string) error
	// PreRun and PostRun bracket Run on the new thread.
	PreRun()
	PostRun()
	DefaultStackSize() int
}

var defaultPlatform = newPlatform()

// DefaultPlatform returns the implementation for the running OS.
func DefaultPlatform() Platform { return defaultPlatform }
