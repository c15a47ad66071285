package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentsh/oslayer/internal/cmdline"
	"github.com/agentsh/oslayer/internal/config"
	"github.com/agentsh/oslayer/internal/crash"
	"github.com/agentsh/oslayer/internal/crashdb"
	"github.com/agentsh/oslayer/internal/locks"
)

const (
	reporterLockName    = "oslayer-crash-reporter"
	reporterLockTimeout = 30 * time.Second
)

func newReporterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reporter -Abslog=<path> [-Unattended] [-Config=<path>] <report-dir>",
		Short: "Process a crash report directory",
		Long: `Reporter is launched by the crash handler on every written report. It
checks the report, bundles it into <report-dir>.tar.zst and records it in
the crash index. With -Unattended nothing is printed.`,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			line := cmdline.Parse(args)
			pos := line.Positional()
			if len(pos) != 1 {
				return exitWith(exitUsage, "reporter: expected exactly one report directory, got %d", len(pos))
			}

			cfg := config.Default()
			if path, ok := line.Value(configSwitch); ok && path != "" {
				c, err := config.Load(path)
				if err != nil {
					return exitWith(exitUsage, "reporter: %v", err)
				}
				cfg = c
			}

			logPath, _ := line.Value(cmdline.Abslog)
			logger, closer := reporterLogger(logPath, cmd.ErrOrStderr())
			defer closer.Close()

			res, err := processReport(cmd.Context(), cfg, pos[0], logger)
			if err != nil {
				logger.Error("crash report rejected", "dir", pos[0], "error", err)
				return exitWith(exitFailure, "reporter: %v", err)
			}
			if !line.Has(cmdline.Unattended) {
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "%s report %s\n", res.report.Kind, res.report.GUID)
				fmt.Fprintf(w, "  %s\n", res.report.Description)
				if res.bundle != "" {
					fmt.Fprintf(w, "  bundle: %s\n", res.bundle)
				}
			}
			return nil
		},
	}
	return cmd
}

// reporterLogger appends to the crashed application's log when one is
// given so the reporter's outcome lands next to the crash.
func reporterLogger(path string, fallback io.Writer) (*slog.Logger, io.Closer) {
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			return slog.New(slog.NewTextHandler(f, nil)).With("component", "reporter"), f
		}
	}
	return slog.New(slog.NewTextHandler(fallback, nil)).With("component", "reporter"), io.NopCloser(nil)
}

type reportResult struct {
	report crash.Report
	bundle string
}

func processReport(ctx context.Context, cfg *config.Config, dir string, logger *slog.Logger) (reportResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return reportResult{}, err
	}
	r, err := crash.ReadReport(dir)
	if err != nil {
		return reportResult{}, err
	}
	if _, err := os.Stat(filepath.Join(dir, crash.MinidumpFile)); err != nil {
		logger.Warn("report has no minidump", "dir", dir, "error", err)
	}
	res := reportResult{report: r}

	// Reporters for concurrent ensures may run at once.
	lock, err := locks.NewSystemWide(reporterLockName, reporterLockTimeout)
	if err != nil {
		return res, err
	}
	defer lock.Release()

	if cfg.Crash.BundleEnabled() {
		out, err := crash.WriteBundle(dir)
		if err != nil {
			logger.Warn("bundle crash report failed", "dir", dir, "error", err)
		} else {
			res.bundle = out
		}
	}

	if cfg.Crash.IndexPath != "" {
		idx, err := crashdb.Open(cfg.Crash.IndexPath)
		if err != nil {
			return res, err
		}
		defer idx.Close()
		if _, err := idx.Get(ctx, r.GUID); err == nil {
			// The host indexed it with the signal we cannot read back.
			logger.Debug("report already indexed", "guid", r.GUID)
		} else if err := idx.Put(ctx, r); err != nil {
			return res, err
		}
		if res.bundle != "" {
			if err := idx.SetBundle(ctx, r.GUID, res.bundle); err != nil {
				return res, err
			}
		}
	}
	logger.Info("crash report processed", "guid", r.GUID, "kind", r.Kind.String(), "bundle", res.bundle)
	return res, nil
}
