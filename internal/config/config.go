package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override (MECHAFLT_UUU_PATH, ...).
const EnvPrefix = "MECHAFLT"

// Config holds all application configuration
type Config struct {
	// Flashing engine
	UUUPath           string `mapstructure:"uuu-path"`
	ProgressThreshold uint64 `mapstructure:"progress-threshold"`

	// Flash runs
	WorkDir         string `mapstructure:"work-dir"`
	VerifyIntegrity bool   `mapstructure:"verify-integrity"`
	AssumeYes       bool   `mapstructure:"assume-yes"`

	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// Package cache
	CacheDir string `mapstructure:"cache-dir"`
	S3Bucket string `mapstructure:"s3-bucket"`
	S3Region string `mapstructure:"s3-region"`

	// Security limits
	MaxFileSize         int64   `mapstructure:"max-file-size"`
	MaxTotalSize        int64   `mapstructure:"max-total-size"`
	MaxCompressionRatio float64 `mapstructure:"max-compression-ratio"`

	// FSM configuration
	FSMMaxRetries int `mapstructure:"fsm-max-retries"`

	// Logging
	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`
}

// StateDir is where the database, FSM store and package cache live by default.
func StateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".mechaflt"
	}
	return filepath.Join(home, ".mechaflt")
}

// SetDefaults registers every default with viper
func SetDefaults() {
	state := StateDir()

	viper.SetDefault("uuu-path", "uuu")
	viper.SetDefault("progress-threshold", 100)
	viper.SetDefault("work-dir", os.TempDir())
	viper.SetDefault("verify-integrity", false)
	viper.SetDefault("assume-yes", false)
	viper.SetDefault("sqlite-path", filepath.Join(state, "mechaflt.db"))
	viper.SetDefault("fsm-db-path", filepath.Join(state, "fsm"))
	viper.SetDefault("cache-dir", filepath.Join(state, "packages"))
	viper.SetDefault("s3-bucket", "mecha-flash-packages")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("max-file-size", 8*1024*1024*1024)
	viper.SetDefault("max-total-size", 16*1024*1024*1024)
	viper.SetDefault("max-compression-ratio", 200.0)
	viper.SetDefault("fsm-max-retries", 5)
	viper.SetDefault("log-level", "warn")
	viper.SetDefault("log-format", "text")
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	SetDefaults()

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.mechaflt")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.UUUPath == "" {
		return fmt.Errorf("uuu-path cannot be empty")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work-dir cannot be empty")
	}
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.CacheDir == "" {
		return fmt.Errorf("cache-dir cannot be empty")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max-file-size must be positive")
	}
	if c.MaxTotalSize <= 0 {
		return fmt.Errorf("max-total-size must be positive")
	}
	if c.MaxCompressionRatio <= 0 {
		return fmt.Errorf("max-compression-ratio must be positive")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log-format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// ValidateRemote checks the settings needed to reach the package bucket.
func (c *Config) ValidateRemote() error {
	if c.S3Bucket == "" {
		return fmt.Errorf("s3-bucket cannot be empty")
	}
	if c.S3Region == "" {
		return fmt.Errorf("s3-region cannot be empty")
	}
	return nil
}

// ParseLevel maps a log-level name to its slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log-level %q", name)
	}
}
