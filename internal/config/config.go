// Package config defines the settlement engine configuration and its
// validation.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/money"
)

// Config is the root configuration. Fields come from the built-in
// defaults, an optional TOML file, and SETTLE_* environment overrides.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	Fees      FeesConfig      `toml:"fees"`
	Escrow    EscrowConfig    `toml:"escrow"`
	Integrity IntegrityConfig `toml:"integrity"`
	S3        S3Config        `toml:"s3"`
	LogLevel  string          `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	IdleTimeout     duration `toml:"idle_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
	CORSOrigins     []string `toml:"cors_origins"`
}

// DatabaseConfig holds the PostgreSQL connection. An empty URL runs the
// engine on the in-memory store.
type DatabaseConfig struct {
	URL           string `toml:"url"`
	RunMigrations bool   `toml:"run_migrations"`
	MaxConns      int    `toml:"max_conns"`
}

// RedisConfig enables the market read cache and the settlement lock.
type RedisConfig struct {
	URL               string   `toml:"url"`
	CacheTTL          duration `toml:"cache_ttl"`
	SettlementLockTTL duration `toml:"settlement_lock_ttl"`
}

// FeesConfig is the fee schedule for markets without explicit fees.
type FeesConfig struct {
	PlatformBps int64 `toml:"platform_bps"`
	CreatorBps  int64 `toml:"creator_bps"`
}

// Schedule returns the fees as a model.FeeSchedule.
func (f FeesConfig) Schedule() model.FeeSchedule {
	return model.FeeSchedule{PlatformBps: f.PlatformBps, CreatorBps: f.CreatorBps}
}

// EscrowConfig controls lock expiry and the reconciliation loop.
type EscrowConfig struct {
	LockTTL           duration `toml:"lock_ttl"`
	ReconcileInterval duration `toml:"reconcile_interval"`
}

// IntegrityConfig controls the ledgercheck job.
type IntegrityConfig struct {
	Interval       duration `toml:"interval"`
	ArchiveEnabled bool     `toml:"archive_enabled"`
	ArchivePrefix  string   `toml:"archive_prefix"`
}

// S3Config is the object store integrity reports are archived to.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     duration{10 * time.Second},
			WriteTimeout:    duration{10 * time.Second},
			IdleTimeout:     duration{60 * time.Second},
			ShutdownTimeout: duration{5 * time.Second},
			CORSOrigins:     []string{"*"},
		},
		Database: DatabaseConfig{
			RunMigrations: true,
			MaxConns:      10,
		},
		Redis: RedisConfig{
			CacheTTL:          duration{30 * time.Second},
			SettlementLockTTL: duration{2 * time.Minute},
		},
		Fees: FeesConfig{PlatformBps: 250, CreatorBps: 100},
		Escrow: EscrowConfig{
			LockTTL:           duration{10 * time.Minute},
			ReconcileInterval: duration{time.Minute},
		},
		Integrity: IntegrityConfig{
			ArchivePrefix: "integrity/",
		},
		S3: S3Config{
			Region: "us-east-1",
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// SlogLevel maps LogLevel to a slog level; unknown values log at Info.
func (c *Config) SlogLevel() slog.Level {
	if level, ok := validLogLevels[strings.ToLower(c.LogLevel)]; ok {
		return level
	}
	return slog.LevelInfo
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []string

	if _, ok := validLogLevels[strings.ToLower(c.LogLevel)]; !ok {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	if c.Database.URL != "" && c.Database.MaxConns < 1 {
		errs = append(errs, "database: max_conns must be >= 1")
	}

	if c.Fees.PlatformBps < 0 || c.Fees.CreatorBps < 0 {
		errs = append(errs, "fees: platform_bps and creator_bps must be >= 0")
	}
	if total := c.Fees.PlatformBps + c.Fees.CreatorBps; total > money.BpsDenominator {
		errs = append(errs, fmt.Sprintf("fees: platform_bps + creator_bps must not exceed %d, got %d", money.BpsDenominator, total))
	}

	if c.Escrow.LockTTL.Duration <= 0 {
		errs = append(errs, "escrow: lock_ttl must be > 0")
	}
	if c.Escrow.ReconcileInterval.Duration <= 0 {
		errs = append(errs, "escrow: reconcile_interval must be > 0")
	}

	if c.Integrity.Interval.Duration < 0 {
		errs = append(errs, "integrity: interval must be >= 0")
	}
	if c.Integrity.ArchiveEnabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must be set when integrity.archive_enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
