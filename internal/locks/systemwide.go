package locks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SystemWide is a critical section shared by every process on the host
// that uses the same name. It is backed by a FileLock under the temp dir.
type SystemWide struct {
	lock *FileLock
}

// NewSystemWide acquires the named lock, waiting at most timeout. A zero
// timeout tries once. The returned section must be released with Release.
func NewSystemWide(name string, timeout time.Duration) (*SystemWide, error) {
	if name == "" {
		return nil, fmt.Errorf("system-wide lock name is empty")
	}
	lock, err := OpenFileLock(systemWidePath(name))
	if err != nil {
		return nil, err
	}

	if timeout <= 0 {
		err = lock.TryLock()
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err = lock.Lock(ctx)
		cancel()
	}
	if err != nil {
		lock.Close()
		return nil, fmt.Errorf("acquire %q: %w", name, err)
	}
	return &SystemWide{lock: lock}, nil
}

// Release frees the lock. Safe to call more than once.
func (s *SystemWide) Release() error {
	if s == nil || s.lock == nil {
		return nil
	}
	err := s.lock.Close()
	s.lock = nil
	return err
}

func systemWidePath(name string) string {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
	return filepath.Join(os.TempDir(), "oslayer-locks", clean+".lock")
}
