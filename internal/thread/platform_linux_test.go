//go:build linux

package thread

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestLinuxThreadNameAndID(t *testing.T) {
	m := NewManager(nil)
	th, err := m.Create(RunnableFunc(func(stop <-chan struct{}) error {
		<-stop
		return nil
	}), "TaskGraphThreadHP 12", 0, PriorityNormal, 0)
	require.NoError(t, err)
	defer th.Kill(true)

	assert.NotEqual(t, uint64(unix.Gettid()), th.ID())

	comm, err := os.ReadFile(fmt.Sprintf("/proc/self/task/%d/comm", th.ID()))
	require.NoError(t, err)
	assert.Equal(t, "TaskGraeadHP 12", strings.TrimSpace(string(comm)))
}

func TestLinuxTranslatePriorityPanics(t *testing.T) {
	assert.Panics(t, func() { DefaultPlatform().TranslatePriority(Priority(-1)) })
}

// threadNice reads the nice value the kernel holds for tid. The raw
// getpriority syscall returns 20-nice.
func threadNice(t *testing.T, tid uint64) int {
	t.Helper()
	prio, err := unix.Getpriority(unix.PRIO_PROCESS, int(tid))
	require.NoError(t, err)
	return 20 - prio
}

func TestLinuxPriorityRoundTrip(t *testing.T) {
	if threadNice(t, uint64(unix.Gettid())) > 0 {
		t.Skip("test process already runs niced")
	}
	// Unprivileged threads may only raise their nice value, so each
	// thread walks the ladder downwards from where it was created.
	ladder := []Priority{PriorityNormal, PrioritySlightlyBelowNormal, PriorityBelowNormal, PriorityLowest}
	m := NewManager(nil)
	for i, p := range ladder {
		t.Run(p.String(), func(t *testing.T) {
			th, err := m.Create(RunnableFunc(func(stop <-chan struct{}) error {
				<-stop
				return nil
			}), "prio", 0, p, 0)
			require.NoError(t, err)
			defer th.Kill(true)

			assert.Equal(t, linuxPriorities[p], threadNice(t, th.ID()))
			for _, next := range ladder[i:] {
				th.SetPriority(next)
				assert.Equal(t, next, th.Priority())
				assert.Equal(t, linuxPriorities[next], threadNice(t, th.ID()))
			}
		})
	}
}
