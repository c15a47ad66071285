package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentsh/oslayer/internal/cmdline"
	"github.com/agentsh/oslayer/internal/config"
	"github.com/agentsh/oslayer/internal/crash"
	"github.com/agentsh/oslayer/internal/crashdb"
	"github.com/agentsh/oslayer/internal/diag"
	"github.com/agentsh/oslayer/internal/heartbeat"
	"github.com/agentsh/oslayer/internal/metrics"
	"github.com/agentsh/oslayer/internal/process"
	"github.com/agentsh/oslayer/internal/telemetry"
	"github.com/agentsh/oslayer/internal/thread"
)

// host owns everything a supervised run needs: logging, the thread
// manager, the hang watchdog, the crash handler and the optional
// diagnostics, telemetry and report index.
type host struct {
	cfg     *config.Config
	cfgPath string
	logger  *slog.Logger
	logFile io.Closer

	threads  *thread.Manager
	metrics  *metrics.Collector
	spans    *telemetry.Recorder
	exporter *telemetry.Exporter
	index    *crashdb.Store
	watchdog *heartbeat.Watchdog
	crash    *crash.Handler
	observer process.Observer
	diag     *diag.Server
	watcher  *config.Watcher

	lastReport atomic.Pointer[crash.Report]
	fork       cmdline.ForkSettings

	stopTracing func(context.Context) error
	cancel      context.CancelFunc
	closeOnce   sync.Once
}

type hostOptions struct {
	version string
	args    cmdline.CommandLine
	// hangDuration overrides core.system.hang_duration when non-negative.
	hangDuration time.Duration
}

func newHost(ctx context.Context, cfg *config.Config, cfgPath string, opts hostOptions) (*host, error) {
	logger, logFile, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	h := &host{
		cfg:     cfg,
		cfgPath: cfgPath,
		logger:  logger,
		logFile: logFile,
		threads: thread.Default(),
		metrics: metrics.New(),
		spans:   telemetry.NewRecorder(cfg.Telemetry.RecentSpans),
	}
	if h.fork = opts.args.ForkSettings(); h.fork.Enabled() {
		logger.Warn("fork server switches ignored, oslayer runs a single instance",
			"num_forks", h.fork.NumForks, "cmdline_path", h.fork.CmdLinePath, "require_response", h.fork.RequireResponse)
	}
	h.threads.SetLogger(logger)
	h.threads.SetObserver(h.metrics.ThreadAdded, h.metrics.ThreadRemoved)

	res := telemetry.BuildResource(cfg.Telemetry.ServiceName, map[string]string{"service.version": opts.version})
	h.stopTracing = telemetry.InstallTracerProvider(res, h.spans)

	if otlp := cfg.Telemetry.OTLP; otlp.Endpoint != "" {
		exp, err := telemetry.NewExporter(ctx, telemetry.ExportConfig{
			Endpoint:    otlp.Endpoint,
			Protocol:    otlp.Protocol,
			TLSEnabled:  otlp.TLSEnabled,
			TLSCertFile: otlp.TLSCertFile,
			TLSKeyFile:  otlp.TLSKeyFile,
			TLSInsecure: otlp.TLSInsecure,
			Headers:     otlp.Headers,
			Timeout:     otlp.TimeoutValue(),
			Resource:    res,
		})
		if err != nil {
			logger.Warn("otlp export disabled", "endpoint", otlp.Endpoint, "error", err)
		} else {
			h.exporter = exp
		}
	}

	if cfg.Crash.IndexPath != "" {
		idx, err := crashdb.Open(cfg.Crash.IndexPath)
		if err != nil {
			logger.Warn("crash index unavailable", "path", cfg.Crash.IndexPath, "error", err)
		} else {
			h.index = idx
		}
	}

	hang := cfg.Core.System.HangDurationValue()
	if opts.hangDuration >= 0 {
		hang = opts.hangDuration
	}
	h.watchdog = heartbeat.New(heartbeat.Options{
		HangDuration:         hang,
		AssertOnHang:         cfg.Core.System.AssertOnHang,
		AllowThreadHeartBeat: cfg.Core.System.HeartBeatAllowed(),
		Args:                 opts.args,
		Threads:              h.threads,
		Logger:               logger,
	})

	h.observer = metrics.WrapObserver(newExitEmitter(h.exporter), h.metrics)

	reporterPath, reporterArgs := reporterCommand(cfg, cfgPath)
	h.crash = crash.New(crash.Options{
		AppName:         cfg.App.Name,
		Version:         opts.version,
		EngineMode:      cfg.App.EngineMode,
		ReportDir:       cfg.Crash.ReportDir,
		ReporterPath:    reporterPath,
		ReporterArgs:    reporterArgs,
		ReporterConfig:  cfg.Crash.ReporterConfig,
		LogPath:         cfg.Logging.LogFile(),
		Unattended:      cfg.Crash.Unattended,
		WaitTimeout:     cfg.Crash.WaitTimeoutValue(),
		EnsureTimeout:   cfg.Crash.EnsureTimeoutValue(),
		Args:            opts.args,
		Watchdog:        h.watchdog,
		Threads:         h.threads,
		ProcessObserver: h.observer,
		Logger:          logger,
		OnReport:        h.onReport,
	})
	h.watchdog.SetHangHandler(func(r heartbeat.HangReport) {
		h.metrics.IncHang()
		h.crash.HandleHang(r)
	})

	if cfg.Diagnostics.Enabled {
		h.diag = diag.New(diag.Options{
			Addr:     cfg.Diagnostics.Addr,
			Threads:  h.threads,
			Watchdog: h.watchdog,
			Metrics:  h.metrics,
			Spans:    h.spans,
			Index:    h.index,
			Logger:   logger,
		})
	}
	return h, nil
}

// reporterCommand picks the reporter binary. Without reporter_path this
// binary's reporter command is used, with the config passed along.
func reporterCommand(cfg *config.Config, cfgPath string) (string, []string) {
	if cfg.Crash.ReporterPath != "" {
		return cfg.Crash.ReporterPath, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", nil
	}
	args := []string{"reporter"}
	if cfgPath != "" {
		args = append(args, "-"+configSwitch+"="+cfgPath)
	}
	return exe, args
}

// start installs the crash handler and starts background services. The
// returned context is cancelled on a graceful shutdown signal.
func (h *host) start(ctx context.Context) (context.Context, error) {
	ctx, h.cancel = context.WithCancel(ctx)

	h.crash.Install()
	h.crash.OnShutdown(h.Close)

	if err := h.watchdog.Start(); err != nil {
		return ctx, err
	}

	if h.diag != nil {
		if err := h.diag.Listen(); err != nil {
			return ctx, err
		}
		go func() {
			if err := h.diag.Run(ctx); err != nil {
				h.logger.Warn("diagnostics server stopped", "error", err)
			}
		}()
	}

	if h.cfgPath != "" {
		w, err := config.NewWatcher(config.WatcherConfig{
			Path:     h.cfgPath,
			OnChange: h.reload,
		})
		if err != nil {
			return ctx, err
		}
		if err := w.Start(ctx); err != nil {
			h.logger.Warn("config watcher disabled", "path", h.cfgPath, "error", err)
		} else {
			h.watcher = w
		}
	}
	return ctx, nil
}

func (h *host) reload(cfg *config.Config, err error) {
	if err != nil {
		h.logger.Warn("config reload rejected", "path", h.cfgPath, "error", err)
		return
	}
	d := cfg.Core.System.HangDurationValue()
	h.watchdog.SetHangDuration(d)
	h.logger.Info("config reloaded", "path", h.cfgPath, "hang_duration", h.watchdog.HangDuration())
}

func (h *host) onReport(r crash.Report) {
	h.lastReport.Store(&r)
	h.metrics.IncReport(r.Kind.String())

	kind := telemetry.EventEnsure
	switch {
	case r.Kind.Fatal():
		kind = telemetry.EventCrash
	case r.Kind == crash.KindHang:
		kind = telemetry.EventHang
	}
	h.exporter.Emit(context.Background(), telemetry.Event{
		Kind:         kind,
		Time:         r.Time,
		GUID:         r.GUID,
		Signal:       r.Signal,
		Description:  r.Description,
		ThreadID:     r.ThreadID,
		ThreadName:   r.ThreadName,
		CallstackCRC: r.CallstackCRC,
	})

	if h.index != nil {
		if err := h.index.Put(context.Background(), r); err != nil {
			h.logger.Warn("index crash report failed", "guid", r.GUID, "error", err)
		}
	}
}

// Close stops background services and flushes telemetry. It runs at most
// once, either from a shutdown signal or from the command returning.
func (h *host) Close() {
	h.closeOnce.Do(func() {
		if h.cancel != nil {
			h.cancel()
		}
		if h.watcher != nil {
			_ = h.watcher.Stop()
		}
		h.watchdog.Stop()
		h.crash.WaitReporters()
		h.crash.DumpEnsureStacks()
		if err := h.exporter.Close(); err != nil {
			h.logger.Warn("flush otlp exporter", "error", err)
		}
		if err := h.stopTracing(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
			h.logger.Warn("shutdown tracer provider", "error", err)
		}
		if h.index != nil {
			_ = h.index.Close()
		}
		_ = h.logFile.Close()
	})
}

// exitEmitter ships child exits to the OTLP exporter.
type exitEmitter struct {
	exporter *telemetry.Exporter
	paths    sync.Map // pid -> path
}

func newExitEmitter(exp *telemetry.Exporter) process.Observer {
	if exp == nil {
		return nil
	}
	return &exitEmitter{exporter: exp}
}

func (e *exitEmitter) ProcessSpawned(pid int, path string) { e.paths.Store(pid, path) }

func (e *exitEmitter) ProcessReaped(pid int, exitCode int) {
	var path string
	if v, ok := e.paths.LoadAndDelete(pid); ok {
		path = v.(string)
	}
	e.exporter.Emit(context.Background(), telemetry.Event{
		Kind:     telemetry.EventProcessExit,
		Time:     time.Now(),
		PID:      pid,
		ExitCode: exitCode,
		Path:     path,
	})
}

func (e *exitEmitter) WaiterStarted(int) {}
