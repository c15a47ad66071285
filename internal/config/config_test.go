package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ParsesAllSections(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "oslayer.yml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
app:
  name: mygame
core:
  system:
    hang_duration: 12.5
    assert_on_hang: true
    allow_thread_heartbeat: false
crash:
  report_dir: "`+filepath.Join(dir, "crashes")+`"
  reporter_path: /opt/reporter
  unattended: true
  wait_timeout: 1m
  ensure_timeout: 10s
  bundle: false
logging:
  level: debug
  format: json
  output: "`+filepath.Join(dir, "app.log")+`"
diagnostics:
  enabled: true
  addr: 127.0.0.1:9999
telemetry:
  otlp:
    endpoint: collector:4318
    headers:
      x-tenant: abc
`), 0o600))

	cfg, err := Load(cfgPath)
	require.NoError(t, err)

	assert.Equal(t, "mygame", cfg.App.Name)
	assert.Equal(t, 12500*time.Millisecond, cfg.Core.System.HangDurationValue())
	assert.True(t, cfg.Core.System.AssertOnHang)
	assert.False(t, cfg.Core.System.HeartBeatAllowed())
	assert.Equal(t, "/opt/reporter", cfg.Crash.ReporterPath)
	assert.Equal(t, time.Minute, cfg.Crash.WaitTimeoutValue())
	assert.Equal(t, 10*time.Second, cfg.Crash.EnsureTimeoutValue())
	assert.False(t, cfg.Crash.BundleEnabled())
	assert.Equal(t, filepath.Join(dir, "crashes", "index.db"), cfg.Crash.IndexPath)
	assert.Equal(t, filepath.Join(dir, "app.log"), cfg.Logging.LogFile())
	assert.True(t, cfg.Diagnostics.Enabled)
	assert.Equal(t, "mygame", cfg.Telemetry.ServiceName)
	assert.Equal(t, "http", cfg.Telemetry.OTLP.Protocol)
	assert.Equal(t, 10*time.Second, cfg.Telemetry.OTLP.TimeoutValue())
	assert.Equal(t, "abc", cfg.Telemetry.OTLP.Headers["x-tenant"])
}

func TestLoadFromBytes_Defaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(""))
	require.NoError(t, err)

	assert.Equal(t, "oslayer", cfg.App.Name)
	assert.Zero(t, cfg.Core.System.HangDurationValue())
	assert.True(t, cfg.Core.System.HeartBeatAllowed())
	assert.True(t, cfg.Crash.BundleEnabled())
	assert.Equal(t, 5*time.Minute, cfg.Crash.WaitTimeoutValue())
	assert.Equal(t, 30*time.Second, cfg.Crash.EnsureTimeoutValue())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "", cfg.Logging.LogFile())
	assert.Equal(t, "127.0.0.1:6070", cfg.Diagnostics.Addr)
	assert.Equal(t, 256, cfg.Telemetry.RecentSpans)
}

func TestLoadFromBytes_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"negative hang", "core: {system: {hang_duration: -1}}", "hang_duration"},
		{"bad timeout", "crash: {wait_timeout: soon}", "crash.wait_timeout"},
		{"zero timeout", "crash: {ensure_timeout: 0s}", "crash.ensure_timeout"},
		{"bad level", "logging: {level: loud}", "logging.level"},
		{"bad format", "logging: {format: xml}", "logging.format"},
		{"bad protocol", "telemetry: {otlp: {protocol: udp}}", "protocol"},
		{"bad yaml", "core: [", "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("OSLAYER_LOG_LEVEL", "warn")
	t.Setenv("OSLAYER_HANG_DURATION", "42")
	t.Setenv("OSLAYER_DATA_DIR", dir)
	t.Setenv("OSLAYER_OTLP_ENDPOINT", "otel:4317")

	cfg := Default()
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 42*time.Second, cfg.Core.System.HangDurationValue())
	assert.Equal(t, filepath.Join(dir, "crashes"), cfg.Crash.ReportDir)
	assert.Equal(t, filepath.Join(dir, "crashes", "index.db"), cfg.Crash.IndexPath)
	assert.Equal(t, "otel:4317", cfg.Telemetry.OTLP.Endpoint)
}

func TestNewLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	logger, closer, err := NewLogger(LoggingConfig{Level: "warn", Format: "json", Output: path})
	require.NoError(t, err)
	logger.Info("dropped")
	logger.Warn("kept", "k", 1)
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), `"msg":"kept"`)

	_, _, err = NewLogger(LoggingConfig{Level: "nope"})
	assert.Error(t, err)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "oslayer.yml")
	require.NoError(t, os.WriteFile(path, []byte("core: {system: {hang_duration: 10}}\n"), 0o600))

	var (
		mu   sync.Mutex
		got  []*Config
		errs []error
	)
	w, err := NewWatcher(WatcherConfig{
		Path:     path,
		Debounce: 20 * time.Millisecond,
		OnChange: func(cfg *Config, err error) {
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			got = append(got, cfg)
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()
	assert.Error(t, w.Start(ctx))

	require.NoError(t, os.WriteFile(path, []byte("core: {system: {hang_duration: 20}}\n"), 0o600))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1].Core.System.HangDuration == 20
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("core: {system: {hang_duration: -5}}\n"), 0o600))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) > 0
	}, 5*time.Second, 10*time.Millisecond)

	stats := w.Stats()
	assert.GreaterOrEqual(t, stats.ReloadsSuccess, int64(1))
	assert.GreaterOrEqual(t, stats.ReloadsFailed, int64(1))
	assert.Contains(t, stats.LastError, "hang_duration")
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "oslayer.yml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o600))

	calls := make(chan struct{}, 8)
	w, err := NewWatcher(WatcherConfig{Path: path, Debounce: 10 * time.Millisecond, OnChange: func(*Config, error) { calls <- struct{}{} }})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yml"), []byte("x: 1"), 0o600))
	select {
	case <-calls:
		t.Fatal("unexpected reload")
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, w.TriggerReload())
	select {
	case <-calls:
	case <-time.After(5 * time.Second):
		t.Fatal("manual reload not delivered")
	}
}

func TestNewWatcher_Validation(t *testing.T) {
	_, err := NewWatcher(WatcherConfig{OnChange: func(*Config, error) {}})
	assert.Error(t, err)
	_, err = NewWatcher(WatcherConfig{Path: "x.yml"})
	assert.Error(t, err)
}
