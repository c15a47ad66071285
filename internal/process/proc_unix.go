//go:build !windows

package process

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

type unixProc struct {
	p int
}

// spawn uses fork+exec directly rather than os.StartProcess so the status
// can be collected with wait4, which IsRunning needs for non-blocking
// reaping. On Linux the runtime forks with CLONE_VFORK, so the same path
// serves with and without redirected pipes.
func spawn(path string, argv []string, opts Options) (sysProc, error) {
	files := []uintptr{os.Stdin.Fd(), os.Stdout.Fd(), os.Stderr.Fd()}
	if opts.Stdin != nil {
		files[0] = opts.Stdin.r.Fd()
	}
	if opts.Stdout != nil {
		files[1] = opts.Stdout.w.Fd()
	}
	attr := &syscall.ProcAttr{
		Dir:   opts.WorkingDir,
		Env:   opts.Env,
		Files: files,
		// Keep fire-and-forget children out of our terminal's process
		// group so a Ctrl-C aimed at us does not reach them.
		Sys: &syscall.SysProcAttr{Setpgid: opts.Detached},
	}
	pid, err := syscall.ForkExec(path, argv, attr)
	if err != nil {
		return nil, err
	}
	return &unixProc{p: pid}, nil
}

func (u *unixProc) pid() int { return u.p }

func (u *unixProc) alive() bool {
	if err := unix.Kill(u.p, 0); err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	return ownedChild(u.p)
}

func (u *unixProc) poll() (bool, int, error) {
	var ws unix.WaitStatus
	for {
		wpid, err := unix.Wait4(u.p, &ws, unix.WNOHANG, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			return true, -1, nil
		case err != nil:
			return false, 0, err
		case wpid == 0:
			return false, 0, nil
		}
		return true, exitCode(ws), nil
	}
}

func (u *unixProc) wait() (int, error) {
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(u.p, &ws, 0, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return -1, err
		}
		return exitCode(ws), nil
	}
}

func exitCode(ws unix.WaitStatus) int {
	switch {
	case ws.Exited():
		return ws.ExitStatus()
	case ws.Signaled():
		return 128 + int(ws.Signal())
	}
	return -1
}

func (u *unixProc) terminate() error { return unix.Kill(u.p, unix.SIGTERM) }

// setPriority maps the modifier onto nice steps of five, clamped to the
// range the kernel accepts.
func (u *unixProc) setPriority(modifier int) error {
	nice := -modifier * 5
	if nice < -20 {
		nice = -20
	}
	if nice > 19 {
		nice = 19
	}
	return unix.Setpriority(unix.PRIO_PROCESS, u.p, nice)
}

func (u *unixProc) release() {}

// makeExecutable adds execute permission to files that lack it, as files
// unpacked from archives often do.
func makeExecutable(path string, fi fs.FileInfo, logger *slog.Logger) error {
	if unix.Access(path, unix.X_OK) == nil {
		return nil
	}
	mode := fi.Mode().Perm() | 0o755
	logger.Warn("executable lacks execute permission; fixing", "path", path, "mode", fmt.Sprintf("%#o", mode))
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("chmod %s: %v: %w", path, err, ErrNotExecutable)
	}
	if unix.Access(path, unix.X_OK) != nil {
		return fmt.Errorf("%s: %w", path, ErrNotExecutable)
	}
	return nil
}
