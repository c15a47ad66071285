package crash

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentsh/oslayer/internal/cmdline"
	"github.com/agentsh/oslayer/internal/process"
	"github.com/agentsh/oslayer/internal/telemetry"
)

// ReporterProcess is the part of a process handle the handler needs to
// supervise the reporter.
type ReporterProcess interface {
	PID() int
	IsRunning() bool
	Terminate(killTree bool) error
	Close() error
}

// SpawnFunc starts the reporter.
type SpawnFunc func(path, args string) (ReporterProcess, error)

const reporterPoll = 100 * time.Millisecond

// ReporterArgs renders the reporter command line:
// [prefix...] -Abslog=<log> [-Unattended] <dir>.
func ReporterArgs(prefix []string, logPath string, unattended bool, dir string) string {
	args := append([]string(nil), prefix...)
	if logPath != "" {
		args = append(args, "-"+cmdline.Abslog+"="+logPath)
	}
	if unattended {
		args = append(args, "-"+cmdline.Unattended)
	}
	args = append(args, dir)
	return cmdline.Join(args)
}

func (h *Handler) spawnProcess(path, args string) (ReporterProcess, error) {
	_, span := telemetry.SpawnSpan(context.Background(), path)
	defer span.End()
	hdl, err := process.CreateProc(path, args, process.Options{
		Threads:  h.threads,
		Logger:   h.logger,
		Observer: h.opts.ProcessObserver,
	})
	if err != nil {
		telemetry.RecordSpawn(span, 0, err)
		return nil, err
	}
	telemetry.RecordSpawn(span, hdl.PID(), nil)
	return hdl, nil
}

func (h *Handler) reporterPath() (string, []string, error) {
	if h.opts.ReporterPath != "" {
		return h.opts.ReporterPath, h.opts.ReporterArgs, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", nil, fmt.Errorf("locate reporter: %w", err)
	}
	return exe, h.opts.ReporterArgs, nil
}

// isReporter keeps the reporter from launching reporters for its own
// crashes.
func (h *Handler) isReporter() bool {
	if h.opts.NoReporter {
		return true
	}
	exe, err := os.Executable()
	if err != nil || h.opts.ReporterPath == "" {
		return false
	}
	return strings.EqualFold(filepath.Base(exe), filepath.Base(h.opts.ReporterPath))
}

// launchReporter starts the reporter on dir. With wait set it blocks up
// to WaitTimeout and terminates a reporter that is still running;
// otherwise a goroutine supervises it for up to EnsureTimeout. It returns
// the reporter pid, or 0 when none was started.
func (h *Handler) launchReporter(dir string, wait bool) int {
	if h.isReporter() {
		return 0
	}
	path, prefix, err := h.reporterPath()
	if err != nil {
		h.logger.Error("crash reporter unavailable", "error", err)
		return 0
	}
	args := ReporterArgs(prefix, h.opts.LogPath, h.unattended(), dir)
	proc, err := h.spawn(path, args)
	if err != nil {
		h.logger.Error("launch crash reporter failed", "path", path, "error", err)
		return 0
	}
	h.logger.Info("crash reporter launched", "pid", proc.PID(), "dir", dir)

	if wait {
		h.superviseReporter(proc, h.opts.WaitTimeout)
		return proc.PID()
	}
	h.reporters.Add(1)
	go func() {
		defer h.reporters.Done()
		h.superviseReporter(proc, h.opts.EnsureTimeout)
	}()
	return proc.PID()
}

func (h *Handler) superviseReporter(proc ReporterProcess, timeout time.Duration) {
	deadline := h.now().Add(timeout)
	for proc.IsRunning() {
		if !h.now().Before(deadline) {
			h.logger.Warn("crash reporter timed out", "pid", proc.PID(), "timeout", timeout)
			if err := proc.Terminate(false); err != nil {
				h.logger.Warn("terminate crash reporter failed", "pid", proc.PID(), "error", err)
			}
			break
		}
		time.Sleep(reporterPoll)
	}
	if err := proc.Close(); err != nil {
		h.logger.Warn("close crash reporter failed", "pid", proc.PID(), "error", err)
	}
}

// WaitReporters blocks until every asynchronously supervised reporter
// has exited or timed out.
func (h *Handler) WaitReporters() { h.reporters.Wait() }
