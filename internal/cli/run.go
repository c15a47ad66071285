package cli

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentsh/oslayer/internal/cmdline"
	"github.com/agentsh/oslayer/internal/process"
	"github.com/agentsh/oslayer/internal/thread"
)

const (
	configSwitch  = "Config"
	beatInterval  = time.Second
	childPollTick = 100 * time.Millisecond
)

func newRunCmd(version string) *cobra.Command {
	var (
		hangSeconds float64
		detached    bool
		priority    int
		switches    string
	)

	cmd := &cobra.Command{
		Use:   "run [flags] [-- command [args...]]",
		Short: "Run under the hang watchdog and crash handler",
		Long: `Run installs the crash handler and the hang watchdog, then either
supervises a child command or idles until a termination signal arrives.

Engine-style switches such as -nothreadtimeout, -Unattended and
-CrashGUID=<guid> are passed as one string with --switches.

Examples:
  # Supervise a child, reporting hangs after 30s
  oslayer run --hang-duration=30 -- ./server -port=7777

  # Keep the watchdog off and reuse a crash GUID
  oslayer run --switches="-nothreadtimeout -CrashGUID=0A1B2C" -- ./server

  # Run the layer alone with the diagnostics endpoint from config
  oslayer --config=/etc/oslayer.yaml run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg, cfgPath, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			hang := time.Duration(-1)
			if cmd.Flags().Changed("hang-duration") {
				hang = time.Duration(hangSeconds * float64(time.Second))
			}
			h, err := newHost(ctx, cfg, cfgPath, hostOptions{
				version:      version,
				args:         cmdline.ParseString(switches),
				hangDuration: hang,
			})
			if err != nil {
				return err
			}
			code, err := h.execute(ctx, cmd, args, process.Options{
				Detached:         detached,
				PriorityModifier: priority,
			})
			h.Close()
			if h.crash.RequestingExit() {
				// The crash handler exits with 128+signal once its
				// shutdown hooks return.
				select {}
			}
			if err != nil {
				return err
			}
			if code != 0 {
				return childExit(code)
			}
			return nil
		},
	}

	cmd.Flags().Float64Var(&hangSeconds, "hang-duration", 0, "Override core.system.hang_duration (seconds, 0 disables)")
	cmd.Flags().BoolVar(&detached, "detached", false, "Reap the child on a background waiter thread")
	cmd.Flags().IntVar(&priority, "priority", 0, "Child priority modifier in [-2, 2]")
	cmd.Flags().StringVar(&switches, "switches", getenvDefault("OSLAYER_SWITCHES", ""), "Engine-style switches, e.g. \"-nothreadtimeout -Unattended\"")
	return cmd
}

func (h *host) execute(ctx context.Context, cmd *cobra.Command, args []string, opts process.Options) (int, error) {
	ctx, err := h.start(ctx)
	if err != nil {
		return 0, err
	}
	if h.diag != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "oslayer diagnostics listening on %s\n", h.diag.Addr())
	}
	if len(args) == 0 {
		return 0, h.idle(ctx)
	}
	return h.supervise(ctx, args, opts)
}

// idle beats from a registered main thread until ctx is done.
func (h *host) idle(ctx context.Context) error {
	t, err := h.threads.Create(thread.RunnableFunc(func(stop <-chan struct{}) error {
		tick := time.NewTicker(beatInterval)
		defer tick.Stop()
		defer h.watchdog.KillHeartBeat()
		for {
			h.watchdog.HeartBeat()
			select {
			case <-stop:
				return nil
			case <-ctx.Done():
				return nil
			case <-tick.C:
			}
		}
	}), "MainThread", 0, thread.PriorityNormal, 0)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-t.Done():
	}
	t.Kill(true)
	return t.Err()
}

// supervise starts the child and heartbeats while waiting for it. A
// cancelled context terminates the child.
func (h *host) supervise(ctx context.Context, argv []string, opts process.Options) (int, error) {
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return 0, exitWith(exitNotFound, "%s: command not found", argv[0])
	}
	opts.Threads = h.threads
	opts.Logger = h.logger
	opts.Observer = h.observer

	child, err := process.CreateProc(path, cmdline.Join(argv[1:]), opts)
	if err != nil {
		if errors.Is(err, process.ErrNotExecutable) {
			return 0, exitWith(exitNotExecutable, "%s: %v", argv[0], err)
		}
		return 0, err
	}
	h.logger.Info("child started", "pid", child.PID(), "path", path)

	var (
		code    int
		waitErr error
	)
	t, err := h.threads.Create(thread.RunnableFunc(func(stop <-chan struct{}) error {
		defer h.watchdog.KillHeartBeat()
		tick := time.NewTicker(childPollTick)
		defer tick.Stop()
		cancelled := ctx.Done()
		for child.IsRunning() {
			h.watchdog.HeartBeat()
			select {
			case <-stop:
				return nil
			case <-cancelled:
				if err := child.Terminate(false); err != nil {
					h.logger.Warn("terminate child failed", "pid", child.PID(), "error", err)
				}
				cancelled = nil
			case <-tick.C:
			}
		}
		code, waitErr = child.Wait()
		return nil
	}), "MainThread", 0, thread.PriorityNormal, 0)
	if err != nil {
		_ = child.Close()
		return 0, err
	}
	t.WaitForCompletion()
	if err := child.Close(); err != nil {
		h.logger.Warn("close child handle", "pid", child.PID(), "error", err)
	}
	if waitErr != nil {
		return 0, waitErr
	}
	h.logger.Info("child exited", "pid", child.PID(), "exit_code", code)
	return code, nil
}
