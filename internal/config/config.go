package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App         AppConfig         `yaml:"app"`
	Core        CoreConfig        `yaml:"core"`
	Crash       CrashConfig       `yaml:"crash"`
	Logging     LoggingConfig     `yaml:"logging"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// AppConfig names the application in reports.
type AppConfig struct {
	Name       string `yaml:"name"`
	EngineMode string `yaml:"engine_mode"`
}

type CoreConfig struct {
	System SystemConfig `yaml:"system"`
}

// SystemConfig holds the hang watchdog settings.
type SystemConfig struct {
	// HangDuration in seconds; 0 disables hang detection.
	HangDuration         float64 `yaml:"hang_duration"`
	AssertOnHang         bool    `yaml:"assert_on_hang"`
	AllowThreadHeartBeat *bool   `yaml:"allow_thread_heartbeat"`
}

// HangDurationValue converts HangDuration to a time.Duration.
func (s SystemConfig) HangDurationValue() time.Duration {
	return time.Duration(s.HangDuration * float64(time.Second))
}

// HeartBeatAllowed reports the platform gate, defaulting to true.
func (s SystemConfig) HeartBeatAllowed() bool {
	return s.AllowThreadHeartBeat == nil || *s.AllowThreadHeartBeat
}

type CrashConfig struct {
	ReportDir string `yaml:"report_dir"`
	// ReporterPath empty means this binary's "reporter" command.
	ReporterPath   string `yaml:"reporter_path"`
	ReporterConfig string `yaml:"reporter_config"`
	Unattended     bool   `yaml:"unattended"`
	WaitTimeout    string `yaml:"wait_timeout"`
	EnsureTimeout  string `yaml:"ensure_timeout"`
	Bundle         *bool  `yaml:"bundle"`
	IndexPath      string `yaml:"index_path"`
}

// WaitTimeoutValue returns the parsed reporter wait timeout.
func (c CrashConfig) WaitTimeoutValue() time.Duration { return mustDuration(c.WaitTimeout) }

// EnsureTimeoutValue returns the parsed ensure supervision timeout.
func (c CrashConfig) EnsureTimeoutValue() time.Duration { return mustDuration(c.EnsureTimeout) }

// BundleEnabled reports whether the reporter bundles reports, defaulting
// to true.
func (c CrashConfig) BundleEnabled() bool { return c.Bundle == nil || *c.Bundle }

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// Output is stderr, stdout or a file path. Only a file can be copied
	// into crash reports.
	Output string `yaml:"output"`
}

type DiagnosticsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type TelemetryConfig struct {
	ServiceName string     `yaml:"service_name"`
	RecentSpans int        `yaml:"recent_spans"`
	OTLP        OTLPConfig `yaml:"otlp"`
}

// OTLPConfig configures log export. An empty Endpoint disables it.
type OTLPConfig struct {
	Endpoint    string            `yaml:"endpoint"`
	Protocol    string            `yaml:"protocol"`
	TLSEnabled  bool              `yaml:"tls_enabled"`
	TLSCertFile string            `yaml:"tls_cert_file"`
	TLSKeyFile  string            `yaml:"tls_key_file"`
	TLSInsecure bool              `yaml:"tls_insecure"`
	Headers     map[string]string `yaml:"headers"`
	Timeout     string            `yaml:"timeout"`
}

// TimeoutValue returns the parsed export timeout.
func (o OTLPConfig) TimeoutValue() time.Duration { return mustDuration(o.Timeout) }

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromBytes loads configuration from bytes without applying environment
// overrides. This is intended for testing where env vars should not interfere.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given, with
// environment overrides applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "oslayer"
	}
	if cfg.App.EngineMode == "" {
		cfg.App.EngineMode = "Server"
	}
	if cfg.Crash.ReportDir == "" {
		cfg.Crash.ReportDir = filepath.Join(os.TempDir(), "oslayer", "crashes")
	}
	if cfg.Crash.WaitTimeout == "" {
		cfg.Crash.WaitTimeout = "5m"
	}
	if cfg.Crash.EnsureTimeout == "" {
		cfg.Crash.EnsureTimeout = "30s"
	}
	if cfg.Crash.IndexPath == "" {
		cfg.Crash.IndexPath = filepath.Join(cfg.Crash.ReportDir, "index.db")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}
	if cfg.Diagnostics.Addr == "" {
		cfg.Diagnostics.Addr = "127.0.0.1:6070"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.App.Name
	}
	if cfg.Telemetry.RecentSpans <= 0 {
		cfg.Telemetry.RecentSpans = 256
	}
	if cfg.Telemetry.OTLP.Protocol == "" {
		cfg.Telemetry.OTLP.Protocol = "http"
	}
	if cfg.Telemetry.OTLP.Timeout == "" {
		cfg.Telemetry.OTLP.Timeout = "10s"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OSLAYER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("OSLAYER_HANG_DURATION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Core.System.HangDuration = f
		}
	}
	if v := os.Getenv("OSLAYER_DATA_DIR"); v != "" {
		cfg.Crash.ReportDir = filepath.Join(v, "crashes")
		cfg.Crash.IndexPath = filepath.Join(v, "crashes", "index.db")
	}
	if v := os.Getenv("OSLAYER_DIAG_ADDR"); v != "" {
		cfg.Diagnostics.Addr = v
	}
	if v := os.Getenv("OSLAYER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLP.Endpoint = v
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Core.System.HangDuration < 0 {
		return fmt.Errorf("core.system.hang_duration must be >= 0")
	}
	for name, v := range map[string]string{
		"crash.wait_timeout":     cfg.Crash.WaitTimeout,
		"crash.ensure_timeout":   cfg.Crash.EnsureTimeout,
		"telemetry.otlp.timeout": cfg.Telemetry.OTLP.Timeout,
	} {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	switch cfg.Telemetry.OTLP.Protocol {
	case "http", "grpc":
	default:
		return fmt.Errorf("invalid telemetry.otlp.protocol %q", cfg.Telemetry.OTLP.Protocol)
	}
	return nil
}
