package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fly-io/fwupdate/pkg/device"
	"github.com/fly-io/fwupdate/pkg/integrity"
)

// Config holds all application configuration
type Config struct {
	// Database paths
	StateDBPath string `mapstructure:"state-db-path"`
	FSMDBPath   string `mapstructure:"fsm-db-path"`

	// Staging area and boot record
	StagingPath     string `mapstructure:"staging-path"`
	StagingCapacity int64  `mapstructure:"staging-capacity"`
	BootRecordPath  string `mapstructure:"boot-record-path"`
	RebootEnabled   bool   `mapstructure:"reboot-enabled"`

	// Update protocol
	MTU              int    `mapstructure:"mtu"`
	MaxVersionLength int    `mapstructure:"max-version-length"`
	FactoryVersion   string `mapstructure:"factory-version"`
	DigestAlgorithm  string `mapstructure:"digest-algorithm"`

	// S3 configuration
	S3Bucket string `mapstructure:"s3-bucket"`
	S3Region string `mapstructure:"s3-region"`

	// Working directory
	WorkDir string `mapstructure:"work-dir"`

	// Bundle limits
	MaxBundleSize       int64   `mapstructure:"max-bundle-size"`
	MaxCompressionRatio float64 `mapstructure:"max-compression-ratio"`

	// FSM configuration
	FSMMaxRetries   int           `mapstructure:"fsm-max-retries"`
	WriteMaxElapsed time.Duration `mapstructure:"write-max-elapsed"`

	// Server and logging
	ListenAddr string `mapstructure:"listen-addr"`
	LogLevel   string `mapstructure:"log-level"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	viper.SetDefault("state-db-path", ".artifacts/state.db")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm")
	viper.SetDefault("staging-path", ".artifacts/staging.bin")
	viper.SetDefault("staging-capacity", device.DefaultStagingCapacity)
	viper.SetDefault("boot-record-path", ".artifacts/boot.json")
	viper.SetDefault("reboot-enabled", false)
	viper.SetDefault("mtu", device.DefaultMTU)
	viper.SetDefault("max-version-length", 64)
	viper.SetDefault("factory-version", "0.0.0")
	viper.SetDefault("digest-algorithm", string(integrity.SHA256))
	viper.SetDefault("s3-bucket", "")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("work-dir", "/tmp/fwupdate")
	viper.SetDefault("max-bundle-size", 2*device.DefaultStagingCapacity)
	viper.SetDefault("max-compression-ratio", 100.0)
	viper.SetDefault("fsm-max-retries", 5)
	viper.SetDefault("write-max-elapsed", 30*time.Second)
	viper.SetDefault("listen-addr", "127.0.0.1:8686")
	viper.SetDefault("log-level", "info")

	// Environment variables (will be FWUPDATE_STATE_DB_PATH, etc.)
	viper.SetEnvPrefix("FWUPDATE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.fwupdate")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.StateDBPath == "" {
		return fmt.Errorf("state-db-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.StagingPath == "" {
		return fmt.Errorf("staging-path cannot be empty")
	}
	if c.BootRecordPath == "" {
		return fmt.Errorf("boot-record-path cannot be empty")
	}
	if c.StagingCapacity <= 0 {
		return fmt.Errorf("staging-capacity must be positive")
	}
	if c.MTU <= 0 || c.MTU > device.MaxMTU {
		return fmt.Errorf("mtu must be between 1 and %d", device.MaxMTU)
	}
	if int64(c.MTU) > c.StagingCapacity {
		return fmt.Errorf("mtu cannot exceed staging-capacity")
	}
	if c.MaxVersionLength <= 0 {
		return fmt.Errorf("max-version-length must be positive")
	}
	if len(c.FactoryVersion) > c.MaxVersionLength {
		return fmt.Errorf("factory-version is longer than max-version-length")
	}
	if _, err := integrity.ParseAlgorithm(c.DigestAlgorithm); err != nil {
		return err
	}
	if c.MaxBundleSize <= 0 {
		return fmt.Errorf("max-bundle-size must be positive")
	}
	if c.MaxCompressionRatio <= 0 {
		return fmt.Errorf("max-compression-ratio must be positive")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	if c.WriteMaxElapsed < 0 {
		return fmt.Errorf("write-max-elapsed must be non-negative")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return l, fmt.Errorf("invalid log-level %q", c.LogLevel)
	}
	return l, nil
}
