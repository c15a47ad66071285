//go:build !linux && !windows

package crash

import (
	"os"
	"os/signal"
	"time"

	"golang.org/x/sys/unix"
)

// raiseSignal drops the os/signal subscription for sig and sends it to
// the process. Fault signals still reach the runtime's own handler here,
// which terminates with its own status. It returns after raiseTimeout if
// the process survived.
func raiseSignal(sig int) {
	signal.Reset(unix.Signal(sig))
	_ = unix.Kill(os.Getpid(), unix.Signal(sig))
	time.Sleep(raiseTimeout)
}
