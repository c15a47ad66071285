//go:build !windows

package crash

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestInstalledHandlerCatchesSIGTERM(t *testing.T) {
	hs := newHarness(t, nil)
	hs.h.Install()
	defer hs.h.Uninstall()

	assert.NoError(t, unix.Kill(os.Getpid(), unix.SIGTERM))
	assert.Equal(t, 143, recv(t, hs.exits))
	assert.True(t, hs.h.RequestingExit())
}

func TestSignalSets(t *testing.T) {
	ignored := ignoredSignals()
	assert.Contains(t, ignored, os.Signal(unix.SIGPIPE))
	assert.Contains(t, ignored, os.Signal(unix.SIGUSR1))
	for _, keep := range []unix.Signal{unix.SIGCHLD, unix.SIGURG, unix.SIGPROF, unix.SIGKILL, unix.SIGSTOP} {
		assert.NotContains(t, ignored, os.Signal(keep))
	}
	for _, s := range append(append([]os.Signal(nil), crashSignals...), gracefulSignals...) {
		assert.NotContains(t, ignored, s)
	}
	assert.Len(t, crashSignals, 8)
	assert.Equal(t, "SIGSEGV", SignalName(int(unix.SIGSEGV)))
	assert.Equal(t, "SIG99", SignalName(99))
}
