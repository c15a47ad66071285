package process

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/agentsh/oslayer/internal/cmdline"
	"github.com/agentsh/oslayer/internal/thread"
)

var (
	// ErrNotFound is returned when the executable does not exist.
	ErrNotFound = errors.New("executable not found")
	// ErrNotExecutable is returned when the file cannot be made executable.
	ErrNotExecutable = errors.New("file is not executable")
	// ErrStillRunning is returned by operations that need an exited child.
	ErrStillRunning = errors.New("process still running")
)

// Observer receives process lifecycle events. Any method may be called
// from a waiter thread.
type Observer interface {
	ProcessSpawned(pid int, path string)
	ProcessReaped(pid int, exitCode int)
	WaiterStarted(pid int)
}

// Options controls CreateProc.
type Options struct {
	// Detached marks a fire-and-forget child. Its handle uses
	// ReapBackgroundWaiter.
	Detached bool
	// Hidden and ReallyHidden only affect Windows console children.
	Hidden       bool
	ReallyHidden bool
	// PriorityModifier in [-2, 2] is applied after spawn, best effort.
	PriorityModifier int
	WorkingDir       string
	// Env defaults to the parent's environment.
	Env []string
	// Stdout receives the child's standard output on its write end.
	Stdout *Pipe
	// Stdin feeds the child's standard input from its read end.
	Stdin *Pipe

	Threads  *thread.Manager
	Logger   *slog.Logger
	Observer Observer
}

// CreateProc validates path, tokenizes args and starts the child.
// Quoted substrings in args stay single arguments.
func CreateProc(path, args string, opts Options) (*Handle, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := ensureExecutable(path, logger); err != nil {
		return nil, err
	}
	if opts.Env == nil {
		opts.Env = os.Environ()
	}

	argv := append([]string{path}, cmdline.Tokenize(args)...)
	sys, err := spawn(path, argv, opts)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", path, err)
	}

	h := &Handle{
		pid:      sys.pid(),
		path:     path,
		policy:   ReapBlocking,
		sys:      sys,
		logger:   logger,
		threads:  opts.Threads,
		observer: opts.Observer,
		running:  true,
	}
	if opts.Detached {
		h.policy = ReapBackgroundWaiter
	}
	if h.threads == nil {
		h.threads = thread.Default()
	}

	// The child may already have run for a while; this is best effort.
	if opts.PriorityModifier != 0 {
		if err := sys.setPriority(opts.PriorityModifier); err != nil {
			logger.Warn("failed to adjust child priority",
				"pid", h.pid, "modifier", opts.PriorityModifier, "error", err)
		}
	}
	if h.observer != nil {
		h.observer.ProcessSpawned(h.pid, path)
	}
	logger.Debug("process created", "pid", h.pid, "path", path, "args", len(argv)-1, "policy", h.policy.String())
	return h, nil
}

func ensureExecutable(path string, logger *slog.Logger) error {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if fi.IsDir() {
		return fmt.Errorf("%s is a directory: %w", path, ErrNotExecutable)
	}
	return makeExecutable(path, fi, logger)
}
