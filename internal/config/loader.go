package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges an optional TOML file at path over the defaults, loads .env
// if present, and applies SETTLE_* environment overrides. An empty path
// skips the file. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.Port, "SETTLE_SERVER_PORT")
	setDuration(&cfg.Server.ReadTimeout, "SETTLE_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "SETTLE_SERVER_WRITE_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "SETTLE_SERVER_SHUTDOWN_TIMEOUT")
	setStringSlice(&cfg.Server.CORSOrigins, "SETTLE_SERVER_CORS_ORIGINS")

	setStr(&cfg.Database.URL, "DATABASE_URL")
	setStr(&cfg.Database.URL, "SETTLE_DATABASE_URL")
	setBool(&cfg.Database.RunMigrations, "SETTLE_DATABASE_RUN_MIGRATIONS")
	setInt(&cfg.Database.MaxConns, "SETTLE_DATABASE_MAX_CONNS")

	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.Redis.URL, "SETTLE_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "SETTLE_REDIS_CACHE_TTL")
	setDuration(&cfg.Redis.SettlementLockTTL, "SETTLE_REDIS_SETTLEMENT_LOCK_TTL")

	setInt64(&cfg.Fees.PlatformBps, "SETTLE_FEES_PLATFORM_BPS")
	setInt64(&cfg.Fees.CreatorBps, "SETTLE_FEES_CREATOR_BPS")

	setDuration(&cfg.Escrow.LockTTL, "SETTLE_ESCROW_LOCK_TTL")
	setDuration(&cfg.Escrow.ReconcileInterval, "SETTLE_ESCROW_RECONCILE_INTERVAL")

	setDuration(&cfg.Integrity.Interval, "SETTLE_INTEGRITY_INTERVAL")
	setBool(&cfg.Integrity.ArchiveEnabled, "SETTLE_INTEGRITY_ARCHIVE_ENABLED")
	setStr(&cfg.Integrity.ArchivePrefix, "SETTLE_INTEGRITY_ARCHIVE_PREFIX")

	setStr(&cfg.S3.Endpoint, "SETTLE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SETTLE_S3_REGION")
	setStr(&cfg.S3.Bucket, "SETTLE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SETTLE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SETTLE_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "SETTLE_S3_FORCE_PATH_STYLE")

	setStr(&cfg.LogLevel, "SETTLE_LOG_LEVEL")
}

// Each setter only mutates the target when the variable is set, non-empty
// and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
