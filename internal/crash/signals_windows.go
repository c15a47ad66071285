//go:build windows

package crash

import (
	"fmt"
	"os"
	"syscall"
)

// Signal name to number mapping. Windows only delivers console control
// events, which the runtime maps to SIGINT and SIGTERM.
var signalNames = map[string]int{
	"SIGINT":  int(syscall.SIGINT),
	"SIGTERM": int(syscall.SIGTERM),
	"SIGABRT": int(syscall.SIGABRT),
	"SIGSEGV": int(syscall.SIGSEGV),
	"SIGFPE":  int(syscall.SIGFPE),
	"SIGTRAP": int(syscall.SIGTRAP),
}

const (
	sigAbort     = int(syscall.SIGABRT)
	sigSegv      = int(syscall.SIGSEGV)
	sigFpe       = int(syscall.SIGFPE)
	sigTrap      = int(syscall.SIGTRAP)
	sigTerminate = int(syscall.SIGTERM)
)

var crashSignals []os.Signal

var gracefulSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

func ignoredSignals() []os.Signal { return nil }

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

// raiseSignal has no Windows equivalent; the process exits with the
// conventional code instead.
func raiseSignal(sig int) {
	os.Exit(128 + sig)
}
