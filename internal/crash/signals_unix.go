//go:build !windows

package crash

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Signal name to number mapping (Unix signals)
var signalNames = map[string]int{
	"SIGHUP":    int(unix.SIGHUP),
	"SIGINT":    int(unix.SIGINT),
	"SIGQUIT":   int(unix.SIGQUIT),
	"SIGILL":    int(unix.SIGILL),
	"SIGTRAP":   int(unix.SIGTRAP),
	"SIGABRT":   int(unix.SIGABRT),
	"SIGBUS":    int(unix.SIGBUS),
	"SIGFPE":    int(unix.SIGFPE),
	"SIGKILL":   int(unix.SIGKILL),
	"SIGUSR1":   int(unix.SIGUSR1),
	"SIGSEGV":   int(unix.SIGSEGV),
	"SIGUSR2":   int(unix.SIGUSR2),
	"SIGPIPE":   int(unix.SIGPIPE),
	"SIGALRM":   int(unix.SIGALRM),
	"SIGTERM":   int(unix.SIGTERM),
	"SIGCHLD":   int(unix.SIGCHLD),
	"SIGCONT":   int(unix.SIGCONT),
	"SIGSTOP":   int(unix.SIGSTOP),
	"SIGTSTP":   int(unix.SIGTSTP),
	"SIGTTIN":   int(unix.SIGTTIN),
	"SIGTTOU":   int(unix.SIGTTOU),
	"SIGURG":    int(unix.SIGURG),
	"SIGXCPU":   int(unix.SIGXCPU),
	"SIGXFSZ":   int(unix.SIGXFSZ),
	"SIGVTALRM": int(unix.SIGVTALRM),
	"SIGPROF":   int(unix.SIGPROF),
	"SIGWINCH":  int(unix.SIGWINCH),
	"SIGIO":     int(unix.SIGIO),
	"SIGSYS":    int(unix.SIGSYS),
}

// Signals numbers used by the handler and tests.
const (
	sigAbort     = int(unix.SIGABRT)
	sigSegv      = int(unix.SIGSEGV)
	sigFpe       = int(unix.SIGFPE)
	sigTrap      = int(unix.SIGTRAP)
	sigTerminate = int(unix.SIGTERM)
)

var crashSignals = []os.Signal{
	unix.SIGQUIT, unix.SIGABRT, unix.SIGILL, unix.SIGFPE,
	unix.SIGBUS, unix.SIGSEGV, unix.SIGSYS, unix.SIGTRAP,
}

var gracefulSignals = []os.Signal{unix.SIGINT, unix.SIGTERM, unix.SIGHUP}

// keepDefault lists signals left to the runtime: uncatchable ones and
// those the scheduler, profiler, child reaping or terminal resizing need.
var keepDefault = map[unix.Signal]bool{
	unix.SIGKILL:  true,
	unix.SIGSTOP:  true,
	unix.SIGCHLD:  true,
	unix.SIGURG:   true,
	unix.SIGPROF:  true,
	unix.SIGCONT:  true,
	unix.SIGWINCH: true,
}

// ignoredSignals returns every standard signal that is neither handled
// nor kept at its default disposition.
func ignoredSignals() []os.Signal {
	handled := make(map[os.Signal]bool)
	for _, s := range crashSignals {
		handled[s] = true
	}
	for _, s := range gracefulSignals {
		handled[s] = true
	}
	var out []os.Signal
	for i := 1; i < 32; i++ {
		s := unix.Signal(i)
		if keepDefault[s] || handled[s] {
			continue
		}
		out = append(out, s)
	}
	return out
}

// SignalName returns the name of a signal number.
func SignalName(sig int) string {
	for name, num := range signalNames {
		if num == sig {
			return name
		}
	}
	return fmt.Sprintf("SIG%d", sig)
}

func signalNumber(s os.Signal) int {
	if ss, ok := s.(syscall.Signal); ok {
		return int(ss)
	}
	return 0
}
