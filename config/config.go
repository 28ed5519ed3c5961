// Package config loads launchpad configuration. Values come from an
// optional config file in the launchpad base directory plus LAUNCHPAD_*
// environment variables; everything has a default so a bare checkout works
// without any configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// AppName is the application name, used for directory naming.
	AppName = "launchpad"

	defaultStopGracePeriod   = 5 * time.Second
	defaultStartSettleDelay  = 250 * time.Millisecond
	defaultProbeTimeout      = 5 * time.Second
	defaultRingCapacity      = 10000
	defaultLogRotateBytes    = 10 * 1024 * 1024
	defaultCrashContextLines = 50
)

// Config holds every policy constant the launcher exposes. The stop grace
// period and log rotation threshold are deliberately configuration, not
// hardcoded values.
type Config struct {
	// BaseDir is the root under which instance data, logs and backups
	// live. Defaults to the current working directory, matching how the
	// launcher is distributed (portable, next to its data).
	BaseDir string `mapstructure:"base_dir"`

	InstancesDir string `mapstructure:"instances_dir"`
	LogsDir      string `mapstructure:"logs_dir"`
	BackupsDir   string `mapstructure:"backups_dir"`

	// DatabasePath is the sqlite file backing the instance registry and
	// the backup index.
	DatabasePath string `mapstructure:"database_path"`

	// StopGracePeriod is how long a stop waits after SIGTERM before
	// escalating to SIGKILL.
	StopGracePeriod time.Duration `mapstructure:"stop_grace_period"`

	// StartSettleDelay is how long a freshly spawned process must stay
	// alive before the instance is considered Running.
	StartSettleDelay time.Duration `mapstructure:"start_settle_delay"`

	// ProbeTimeout bounds each dependency version query. A timeout is
	// reported as "present, version unknown", never as absent.
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`

	// RingCapacity is the per-instance in-memory log ring size.
	RingCapacity int `mapstructure:"ring_capacity"`

	// LogRotateBytes is the on-disk log file size that triggers rotation.
	LogRotateBytes int64 `mapstructure:"log_rotate_bytes"`

	// CrashContextLines is how many trailing log lines are kept as crash
	// context when an instance dies unexpectedly.
	CrashContextLines int `mapstructure:"crash_context_lines"`
}

// Load reads the configuration. configFile forces a specific file when
// non-empty; otherwise config.{toml,yaml,json} is looked up in baseDir.
// baseDir overrides the base directory when non-empty.
func Load(configFile, baseDir string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(strings.ToUpper(AppName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if baseDir == "" {
		baseDir = v.GetString("base_dir")
	}
	if baseDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to determine working directory: %w", err)
		}
		baseDir = wd
	}

	v.SetDefault("base_dir", baseDir)
	v.SetDefault("instances_dir", filepath.Join(baseDir, "instances"))
	v.SetDefault("logs_dir", filepath.Join(baseDir, "logs"))
	v.SetDefault("backups_dir", filepath.Join(baseDir, "backups"))
	v.SetDefault("database_path", filepath.Join(baseDir, "launchpad.db"))
	v.SetDefault("stop_grace_period", defaultStopGracePeriod)
	v.SetDefault("start_settle_delay", defaultStartSettleDelay)
	v.SetDefault("probe_timeout", defaultProbeTimeout)
	v.SetDefault("ring_capacity", defaultRingCapacity)
	v.SetDefault("log_rotate_bytes", defaultLogRotateBytes)
	v.SetDefault("crash_context_lines", defaultCrashContextLines)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(baseDir)
		if err := v.ReadInConfig(); err != nil {
			// A missing config file is fine; everything has defaults.
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyLimits()
	return &cfg, nil
}

// applyLimits clamps nonsense values back to defaults.
func (c *Config) applyLimits() {
	if c.StopGracePeriod <= 0 {
		c.StopGracePeriod = defaultStopGracePeriod
	}
	if c.StartSettleDelay <= 0 {
		c.StartSettleDelay = defaultStartSettleDelay
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	if c.RingCapacity <= 0 {
		c.RingCapacity = defaultRingCapacity
	}
	if c.LogRotateBytes <= 0 {
		c.LogRotateBytes = defaultLogRotateBytes
	}
	if c.CrashContextLines <= 0 {
		c.CrashContextLines = defaultCrashContextLines
	}
}

// EnsureDirs creates the instance, log and backup directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.BaseDir, c.InstancesDir, c.LogsDir, c.BackupsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// InstancePath returns the default data directory for a named instance.
func (c *Config) InstancePath(name string) string {
	return filepath.Join(c.InstancesDir, name)
}
