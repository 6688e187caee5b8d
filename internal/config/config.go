// Package config loads typed runtime settings from TOML files: the home
// config at ~/.drydock/config.toml overlaid by a project-local
// .drydock/config.toml. Every tunable has a documented default and is
// validated once at load time; components receive the result as an
// immutable snapshot.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultConfidenceThreshold = 0.5
	defaultContextLines        = 100
	defaultCheckInterval       = 1 * time.Second
	defaultBufferLines         = 1000
	defaultStartGrace          = 1 * time.Second
	defaultStopTimeout         = 10 * time.Second
	defaultCooldownHours       = 5.0
	defaultCheckFrequency      = 60 * time.Second
	defaultDriftTolerance      = 30 * time.Second
	defaultBackupCount         = 5
	defaultAutoSaveInterval    = 5 * time.Minute
	defaultLogLevel            = "info"
)

// DetectionConfig tunes the pattern engine.
type DetectionConfig struct {
	Patterns            []string
	FastPhrases         []string
	ConfidenceThreshold float64
	CaseSensitive       bool
	ContextLines        int
}

// MonitoringConfig tunes the control loop and the process supervisor.
type MonitoringConfig struct {
	CheckInterval time.Duration
	BufferLines   int
	StartGrace    time.Duration
	StopTimeout   time.Duration
}

// TimingConfig tunes waiting periods and drift correction.
type TimingConfig struct {
	DefaultCooldownHours float64
	CheckFrequency       time.Duration
	DriftTolerance       time.Duration
}

// PersistenceConfig tunes the state store.
type PersistenceConfig struct {
	StateDir         string
	BackupCount      int
	AutoSaveInterval time.Duration
}

// TelemetryConfig points trace export at a collector.
type TelemetryConfig struct {
	// Endpoint overrides the OTLP collector URL. Empty defers to
	// OTEL_EXPORTER_OTLP_ENDPOINT and then the package default.
	Endpoint string
}

// SecurityConfig holds execution policy flags.
type SecurityConfig struct {
	// AllowSimulation permits simulated sessions when the supervised
	// binary is not on PATH.
	AllowSimulation bool
	// AllowShell is reserved: commands are always parsed into argument
	// vectors, and this flag refuses configs that ask for shell semantics.
	AllowShell bool
}

// Config stores runtime settings loaded from TOML files.
type Config struct {
	Detection   DetectionConfig
	Monitoring  MonitoringConfig
	Timing      TimingConfig
	Persistence PersistenceConfig
	Security    SecurityConfig
	Telemetry   TelemetryConfig
	LogLevel    string
}

type fileConfig struct {
	LogLevel    *string                `toml:"log_level"`
	Detection   *detectionFileConfig   `toml:"detection"`
	Monitoring  *monitoringFileConfig  `toml:"monitoring"`
	Timing      *timingFileConfig      `toml:"timing"`
	Persistence *persistenceFileConfig `toml:"persistence"`
	Security    *securityFileConfig    `toml:"security"`
	OTEL        *otelFileConfig        `toml:"otel"`
}

type otelFileConfig struct {
	Endpoint *string `toml:"endpoint"`
}

type detectionFileConfig struct {
	Patterns            []string `toml:"patterns"`
	FastPhrases         []string `toml:"fast_phrases"`
	ConfidenceThreshold *float64 `toml:"confidence_threshold"`
	CaseSensitive       *bool    `toml:"case_sensitive"`
	ContextLines        *int     `toml:"context_lines"`
}

type monitoringFileConfig struct {
	CheckInterval *string `toml:"check_interval"`
	BufferLines   *int    `toml:"buffer_lines"`
	StartGrace    *string `toml:"start_grace"`
	StopTimeout   *string `toml:"stop_timeout"`
}

type timingFileConfig struct {
	DefaultCooldownHours *float64 `toml:"default_cooldown_hours"`
	CheckFrequency       *string  `toml:"check_frequency"`
	DriftTolerance       *string  `toml:"drift_tolerance"`
}

type persistenceFileConfig struct {
	StateDir         *string `toml:"state_dir"`
	BackupCount      *int    `toml:"backup_count"`
	AutoSaveInterval *string `toml:"auto_save_interval"`
}

type securityFileConfig struct {
	AllowSimulation *bool `toml:"allow_simulation"`
	AllowShell      *bool `toml:"allow_shell"`
}

// Load reads config from ~/.drydock/config.toml and overlays a
// project-local .drydock/config.toml.
func Load(ctx context.Context) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, ".drydock", "config.toml"),
		filepath.Join(workingDir, ".drydock", "config.toml"),
	}

	cfg := Defaults(homeDir)
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	_ = ctx
	return &cfg, nil
}

// LoadFromPaths reads an explicit ordered overlay list. Test support and
// the reload operation use it.
func LoadFromPaths(baseDir string, paths ...string) (*Config, error) {
	cfg := Defaults(baseDir)
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Defaults returns the documented default configuration, with state
// rooted under baseDir.
func Defaults(baseDir string) Config {
	return Config{
		Detection: DetectionConfig{
			ConfidenceThreshold: defaultConfidenceThreshold,
			ContextLines:        defaultContextLines,
		},
		Monitoring: MonitoringConfig{
			CheckInterval: defaultCheckInterval,
			BufferLines:   defaultBufferLines,
			StartGrace:    defaultStartGrace,
			StopTimeout:   defaultStopTimeout,
		},
		Timing: TimingConfig{
			DefaultCooldownHours: defaultCooldownHours,
			CheckFrequency:       defaultCheckFrequency,
			DriftTolerance:       defaultDriftTolerance,
		},
		Persistence: PersistenceConfig{
			StateDir:         filepath.Join(baseDir, ".drydock", "state"),
			BackupCount:      defaultBackupCount,
			AutoSaveInterval: defaultAutoSaveInterval,
		},
		LogLevel: defaultLogLevel,
	}
}

// Validate checks every tunable once, at load time.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	if c.Detection.ConfidenceThreshold <= 0 || c.Detection.ConfidenceThreshold > 1 {
		return fmt.Errorf("detection.confidence_threshold %.3f outside (0,1]", c.Detection.ConfidenceThreshold)
	}
	if c.Detection.ContextLines <= 0 {
		return errors.New("detection.context_lines must be > 0")
	}
	if c.Timing.DefaultCooldownHours <= 0 || c.Timing.DefaultCooldownHours > 24 {
		return fmt.Errorf("timing.default_cooldown_hours %.2f outside (0,24]", c.Timing.DefaultCooldownHours)
	}
	for key, value := range map[string]time.Duration{
		"monitoring.check_interval":    c.Monitoring.CheckInterval,
		"monitoring.start_grace":       c.Monitoring.StartGrace,
		"monitoring.stop_timeout":      c.Monitoring.StopTimeout,
		"timing.check_frequency":       c.Timing.CheckFrequency,
		"timing.drift_tolerance":       c.Timing.DriftTolerance,
		"persistence.auto_save_interval": c.Persistence.AutoSaveInterval,
	} {
		if value <= 0 {
			return fmt.Errorf("%s must be > 0", key)
		}
	}
	if c.Monitoring.BufferLines <= 0 {
		return errors.New("monitoring.buffer_lines must be > 0")
	}
	if c.Persistence.BackupCount <= 0 {
		return errors.New("persistence.backup_count must be > 0")
	}
	if strings.TrimSpace(c.Persistence.StateDir) == "" {
		return errors.New("persistence.state_dir must not be empty")
	}
	if c.Security.AllowShell {
		return errors.New("security.allow_shell is not supported: commands run without a shell")
	}
	return nil
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	if decoded.LogLevel != nil {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(*decoded.LogLevel))
	}
	applyDetection(cfg, decoded.Detection)
	if err := applyMonitoring(cfg, decoded.Monitoring, path); err != nil {
		return err
	}
	if err := applyTiming(cfg, decoded.Timing, path); err != nil {
		return err
	}
	if err := applyPersistence(cfg, decoded.Persistence, path); err != nil {
		return err
	}
	applySecurity(cfg, decoded.Security)
	if decoded.OTEL != nil && decoded.OTEL.Endpoint != nil {
		cfg.Telemetry.Endpoint = strings.TrimSpace(*decoded.OTEL.Endpoint)
	}
	return nil
}

func applyDetection(cfg *Config, decoded *detectionFileConfig) {
	if decoded == nil {
		return
	}
	if decoded.Patterns != nil {
		cfg.Detection.Patterns = append([]string(nil), decoded.Patterns...)
	}
	if decoded.FastPhrases != nil {
		cfg.Detection.FastPhrases = append([]string(nil), decoded.FastPhrases...)
	}
	if decoded.ConfidenceThreshold != nil {
		cfg.Detection.ConfidenceThreshold = *decoded.ConfidenceThreshold
	}
	if decoded.CaseSensitive != nil {
		cfg.Detection.CaseSensitive = *decoded.CaseSensitive
	}
	if decoded.ContextLines != nil {
		cfg.Detection.ContextLines = *decoded.ContextLines
	}
}

func applyMonitoring(cfg *Config, decoded *monitoringFileConfig, path string) error {
	if decoded == nil {
		return nil
	}
	if decoded.CheckInterval != nil {
		value, err := parseDuration(*decoded.CheckInterval, "monitoring.check_interval", path)
		if err != nil {
			return err
		}
		cfg.Monitoring.CheckInterval = value
	}
	if decoded.BufferLines != nil {
		cfg.Monitoring.BufferLines = *decoded.BufferLines
	}
	if decoded.StartGrace != nil {
		value, err := parseDuration(*decoded.StartGrace, "monitoring.start_grace", path)
		if err != nil {
			return err
		}
		cfg.Monitoring.StartGrace = value
	}
	if decoded.StopTimeout != nil {
		value, err := parseDuration(*decoded.StopTimeout, "monitoring.stop_timeout", path)
		if err != nil {
			return err
		}
		cfg.Monitoring.StopTimeout = value
	}
	return nil
}

func applyTiming(cfg *Config, decoded *timingFileConfig, path string) error {
	if decoded == nil {
		return nil
	}
	if decoded.DefaultCooldownHours != nil {
		cfg.Timing.DefaultCooldownHours = *decoded.DefaultCooldownHours
	}
	if decoded.CheckFrequency != nil {
		value, err := parseDuration(*decoded.CheckFrequency, "timing.check_frequency", path)
		if err != nil {
			return err
		}
		cfg.Timing.CheckFrequency = value
	}
	if decoded.DriftTolerance != nil {
		value, err := parseDuration(*decoded.DriftTolerance, "timing.drift_tolerance", path)
		if err != nil {
			return err
		}
		cfg.Timing.DriftTolerance = value
	}
	return nil
}

func applyPersistence(cfg *Config, decoded *persistenceFileConfig, path string) error {
	if decoded == nil {
		return nil
	}
	if decoded.StateDir != nil {
		cfg.Persistence.StateDir = strings.TrimSpace(*decoded.StateDir)
	}
	if decoded.BackupCount != nil {
		cfg.Persistence.BackupCount = *decoded.BackupCount
	}
	if decoded.AutoSaveInterval != nil {
		value, err := parseDuration(*decoded.AutoSaveInterval, "persistence.auto_save_interval", path)
		if err != nil {
			return err
		}
		cfg.Persistence.AutoSaveInterval = value
	}
	return nil
}

func applySecurity(cfg *Config, decoded *securityFileConfig) {
	if decoded == nil {
		return
	}
	if decoded.AllowSimulation != nil {
		cfg.Security.AllowSimulation = *decoded.AllowSimulation
	}
	if decoded.AllowShell != nil {
		cfg.Security.AllowShell = *decoded.AllowShell
	}
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}
