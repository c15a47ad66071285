//go:build linux

package process

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStat(t *testing.T) {
	st, err := parseStat("1234 (my (odd) prog) Z 1 1234 1234 0 -1")
	require.NoError(t, err)
	assert.Equal(t, Stat{PID: 1234, State: 'Z', PPID: 1}, st)
	assert.True(t, st.Zombie())

	_, err = parseStat("garbage")
	assert.Error(t, err)
}

func TestReadStatSelf(t *testing.T) {
	st, err := ReadStat(os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), st.PID)
	assert.Equal(t, os.Getppid(), st.PPID)
	assert.False(t, st.Zombie())
}

func assertNotZombie(t *testing.T, pid int) {
	t.Helper()
	if st, err := ReadStat(pid); err == nil {
		assert.False(t, st.Zombie(), "pid %d left as a zombie", pid)
	}
}

func TestOwnedChild(t *testing.T) {
	h, err := CreateProc("/bin/sh", `-c "sleep 5"`, Options{})
	require.NoError(t, err)
	defer func() {
		h.Terminate(false)
		_ = h.Close()
	}()

	assert.True(t, ownedChild(h.PID()))
	assert.False(t, ownedChild(os.Getpid()))
	assert.False(t, ownedChild(1<<22+1))
}
