//go:build linux

package crash

import (
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/agentsh/oslayer/internal/thread"
)

const terminateSignalEnv = "OSLAYER_TEST_TERMINATE_SIGNAL"

func TestTerminateDiesFromSignal(t *testing.T) {
	if v := os.Getenv(terminateSignalEnv); v != "" {
		sig, err := strconv.Atoi(v)
		require.NoError(t, err)
		_ = unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{})
		h := New(Options{
			AppName:    "terminate",
			ReportDir:  t.TempDir(),
			NoReporter: true,
			Threads:    thread.NewManager(thread.DefaultPlatform()),
			Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		})
		h.Install()
		h.terminate(sig)
		t.Fatalf("process survived signal %d", sig)
	}

	for _, sig := range []unix.Signal{unix.SIGSEGV, unix.SIGQUIT, unix.SIGABRT, unix.SIGBUS, unix.SIGILL} {
		t.Run(SignalName(int(sig)), func(t *testing.T) {
			cmd := exec.Command(os.Args[0], "-test.run=^TestTerminateDiesFromSignal$")
			cmd.Env = append(os.Environ(), terminateSignalEnv+"="+strconv.Itoa(int(sig)))
			err := cmd.Run()

			var exitErr *exec.ExitError
			require.ErrorAs(t, err, &exitErr)
			ws, ok := exitErr.Sys().(syscall.WaitStatus)
			require.True(t, ok)
			assert.True(t, ws.Signaled(), "exit status %d", ws.ExitStatus())
			assert.Equal(t, syscall.Signal(sig), ws.Signal())
		})
	}
}
