package locks

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCriticalSectionTryLock(t *testing.T) {
	var cs CriticalSection
	require.True(t, cs.TryLock())
	assert.True(t, cs.Held())
	assert.False(t, cs.TryLock())

	cs.Unlock()
	assert.False(t, cs.Held())
	assert.True(t, cs.TryLock())
	cs.Unlock()
}

func TestCriticalSectionExcludes(t *testing.T) {
	var cs CriticalSection
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				cs.Lock()
				counter++
				cs.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 8000, counter)
}

func TestFileLockExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "a.lock")

	first, err := OpenFileLock(path)
	require.NoError(t, err)
	defer first.Close()
	second, err := OpenFileLock(path)
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, first.TryLock())
	assert.ErrorIs(t, second.TryLock(), ErrLockHeld)

	require.NoError(t, first.Unlock())
	assert.NoError(t, second.TryLock())
}

func TestFileLockContextTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "b.lock")
	holder, err := OpenFileLock(path)
	require.NoError(t, err)
	defer holder.Close()
	require.NoError(t, holder.TryLock())

	waiter, err := OpenFileLock(path)
	require.NoError(t, err)
	defer waiter.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, waiter.Lock(ctx), context.DeadlineExceeded)
}

func TestSystemWide(t *testing.T) {
	name := "oslayer-test-" + filepath.Base(t.TempDir())

	a, err := NewSystemWide(name, 0)
	require.NoError(t, err)

	_, err = NewSystemWide(name, 30*time.Millisecond)
	assert.Error(t, err)

	require.NoError(t, a.Release())
	require.NoError(t, a.Release())

	b, err := NewSystemWide(name, time.Second)
	require.NoError(t, err)
	assert.NoError(t, b.Release())
}

func TestSystemWideRejectsEmptyName(t *testing.T) {
	_, err := NewSystemWide("", 0)
	assert.Error(t, err)
}
