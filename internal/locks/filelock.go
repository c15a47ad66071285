package locks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrLockHeld is returned by non-blocking acquisition when another holder
// owns the lock.
var ErrLockHeld = errors.New("lock held by another owner")

// FileLock is an exclusive advisory lock on a file. It is released when
// Unlock is called or the owning process exits.
type FileLock struct {
	path   string
	file   *os.File
	locked bool
}

// OpenFileLock opens (creating if needed) the lock file at path.
func OpenFileLock(path string) (*FileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return &FileLock{path: path, file: f}, nil
}

// Path returns the lock file path.
func (l *FileLock) Path() string { return l.path }

// TryLock attempts to take the lock without blocking. It returns
// ErrLockHeld when another owner has it.
func (l *FileLock) TryLock() error {
	if l.locked {
		return nil
	}
	if err := tryLockFile(l.file); err != nil {
		return err
	}
	l.locked = true
	return nil
}

// Lock polls TryLock until the lock is acquired or ctx is done.
func (l *FileLock) Lock(ctx context.Context) error {
	const pollInterval = 10 * time.Millisecond
	for {
		err := l.TryLock()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrLockHeld) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Unlock releases the lock if held.
func (l *FileLock) Unlock() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	return unlockFile(l.file)
}

// Close releases the lock and closes the file.
func (l *FileLock) Close() error {
	uerr := l.Unlock()
	cerr := l.file.Close()
	if uerr != nil {
		return uerr
	}
	return cerr
}
