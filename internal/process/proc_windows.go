//go:build windows

package process

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"syscall"

	"golang.org/x/sys/windows"
)

const waitTimeout = 0x00000102

type winProc struct {
	p *os.Process
	h windows.Handle
}

func spawn(path string, argv []string, opts Options) (sysProc, error) {
	files := []*os.File{os.Stdin, os.Stdout, os.Stderr}
	if opts.Stdin != nil {
		files[0] = opts.Stdin.r
	}
	if opts.Stdout != nil {
		files[1] = opts.Stdout.w
	}
	var flags uint32
	if opts.ReallyHidden {
		flags |= windows.CREATE_NO_WINDOW
	}
	if opts.Detached {
		flags |= windows.CREATE_NEW_PROCESS_GROUP
	}
	p, err := os.StartProcess(path, argv, &os.ProcAttr{
		Dir:   opts.WorkingDir,
		Env:   opts.Env,
		Files: files,
		Sys: &syscall.SysProcAttr{
			HideWindow:    opts.Hidden || opts.ReallyHidden,
			CreationFlags: flags,
		},
	})
	if err != nil {
		return nil, err
	}
	access := uint32(windows.SYNCHRONIZE | windows.PROCESS_QUERY_LIMITED_INFORMATION |
		windows.PROCESS_TERMINATE | windows.PROCESS_SET_INFORMATION)
	h, err := windows.OpenProcess(access, false, uint32(p.Pid))
	if err != nil {
		_ = p.Kill()
		_ = p.Release()
		return nil, fmt.Errorf("open process %d: %w", p.Pid, err)
	}
	return &winProc{p: p, h: h}, nil
}

func (w *winProc) pid() int { return w.p.Pid }

func (w *winProc) alive() bool { return true }

func (w *winProc) poll() (bool, int, error) {
	ev, err := windows.WaitForSingleObject(w.h, 0)
	if err != nil {
		return false, 0, err
	}
	if ev == waitTimeout {
		return false, 0, nil
	}
	return w.exitCode()
}

func (w *winProc) wait() (int, error) {
	if _, err := windows.WaitForSingleObject(w.h, windows.INFINITE); err != nil {
		return -1, err
	}
	_, code, err := w.exitCode()
	return code, err
}

func (w *winProc) exitCode() (bool, int, error) {
	var code uint32
	if err := windows.GetExitCodeProcess(w.h, &code); err != nil {
		return true, -1, err
	}
	return true, int(code), nil
}

func (w *winProc) terminate() error { return windows.TerminateProcess(w.h, 1) }

func (w *winProc) setPriority(modifier int) error {
	class := uint32(windows.NORMAL_PRIORITY_CLASS)
	switch {
	case modifier <= -2:
		class = windows.IDLE_PRIORITY_CLASS
	case modifier == -1:
		class = windows.BELOW_NORMAL_PRIORITY_CLASS
	case modifier == 1:
		class = windows.ABOVE_NORMAL_PRIORITY_CLASS
	case modifier >= 2:
		class = windows.HIGH_PRIORITY_CLASS
	}
	return windows.SetPriorityClass(w.h, class)
}

func (w *winProc) release() {
	_ = windows.CloseHandle(w.h)
	_ = w.p.Release()
}

// makeExecutable has nothing to fix on Windows; the loader decides.
func makeExecutable(string, fs.FileInfo, *slog.Logger) error { return nil }
