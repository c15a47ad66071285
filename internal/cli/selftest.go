package cli

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentsh/oslayer/internal/cmdline"
	"github.com/agentsh/oslayer/internal/crash"
	"github.com/agentsh/oslayer/internal/heartbeat"
	"github.com/agentsh/oslayer/internal/thread"
)

var selftestKinds = []string{"ensure", "hang", "assert", "crash", "thread-panic"}

func newSelftestCmd(version string) *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Trigger a report to verify the crash pipeline",
		Long: `Selftest drives one report through the same path a real failure takes.
ensure and hang leave the process running and exit 0 once the report is
written. assert, crash and thread-panic terminate the process the way a
real crash would.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(selftestKinds, kind) {
				return exitWith(exitUsage, "selftest: unknown kind %q (want one of %v)", kind, selftestKinds)
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg, cfgPath, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			hang := time.Duration(-1)
			if kind == "hang" {
				hang = heartbeat.MinHangDuration
			}
			h, err := newHost(ctx, cfg, cfgPath, hostOptions{
				version:      version,
				args:         cmdline.Parse(nil),
				hangDuration: hang,
			})
			if err != nil {
				return err
			}
			defer h.Close()
			if _, err := h.start(ctx); err != nil {
				return err
			}

			if err := h.selftest(kind); err != nil {
				return err
			}
			h.crash.WaitReporters()
			if r := h.lastReport.Load(); r != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s report written to %s\n", r.Kind, r.Dir)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "ensure", fmt.Sprintf("Failure to simulate: %v", selftestKinds))
	return cmd
}

var sink any

func (h *host) selftest(kind string) error {
	switch kind {
	case "ensure":
		if !h.crash.Ensure("selftest ensure") {
			return exitWith(exitFailure, "selftest: ensure was not reported")
		}
		return nil
	case "hang":
		return h.selftestHang()
	case "assert":
		defer h.crash.Guard()
		crash.Check(false, "selftest assert")
	case "crash":
		defer h.crash.Guard()
		var p *int
		sink = *p
	case "thread-panic":
		t, err := h.threads.Create(thread.RunnableFunc(func(<-chan struct{}) error {
			panic("selftest thread panic")
		}), "SelftestThread", 0, thread.PriorityNormal, 0)
		if err != nil {
			return err
		}
		t.WaitForCompletion()
	default:
		return exitWith(exitUsage, "selftest: unknown kind %q (want one of %v)", kind, selftestKinds)
	}
	return exitWith(exitFailure, "selftest: %s did not terminate the process", kind)
}

// selftestHang registers a thread that beats once and then stops beating
// until the watchdog reports it.
func (h *host) selftestHang() error {
	if !h.watchdog.Enabled() {
		return exitWith(exitFailure, "selftest: hang detection is disabled")
	}
	before := h.watchdog.Reports()
	deadline := time.Now().Add(h.watchdog.HangDuration() + 3*heartbeat.PollInterval + time.Second)

	t, err := h.threads.Create(thread.RunnableFunc(func(stop <-chan struct{}) error {
		h.watchdog.HeartBeat()
		defer h.watchdog.KillHeartBeat()
		<-stop
		return nil
	}), "SelftestHangThread", 0, thread.PriorityNormal, 0)
	if err != nil {
		return err
	}
	defer t.Kill(true)

	for h.watchdog.Reports() == before {
		if time.Now().After(deadline) {
			return exitWith(exitFailure, "selftest: hang was not reported within %s", h.watchdog.HangDuration())
		}
		time.Sleep(heartbeat.PollInterval)
	}
	return nil
}
