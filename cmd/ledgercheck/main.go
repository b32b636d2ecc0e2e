// Command ledgercheck audits the ledger and prints one row per integrity
// check. It exits 2 when any check fails. With -interval (or
// integrity.interval) it keeps running and only exits on a signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/settlement-engine/internal/config"
	"github.com/atmx/settlement-engine/internal/integrity"
	"github.com/atmx/settlement-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	interval := flag.Duration("interval", 0, "re-run every interval (overrides integrity.interval)")
	archive := flag.Bool("archive", false, "upload each report to S3 (overrides integrity.archive_enabled)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *interval > 0 {
		cfg.Integrity.Interval.Duration = *interval
	}
	if *archive {
		cfg.Integrity.ArchiveEnabled = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cfg.Database.URL == "" {
		fmt.Fprintln(os.Stderr, "database url is required (DATABASE_URL or SETTLE_DATABASE_URL)")
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	passed, err := run(ctx, cfg, logger)
	if err != nil {
		slog.Error("ledgercheck failed", "err", err)
		os.Exit(1)
	}
	if !passed {
		os.Exit(2)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) (bool, error) {
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return false, fmt.Errorf("database connection failed: %w", err)
	}
	defer pool.Close()

	checker := integrity.NewChecker(store.NewPostgresStore(pool), integrity.WithLogger(logger))

	var archiver *integrity.Archiver
	if cfg.Integrity.ArchiveEnabled {
		archiver, err = integrity.NewS3Archiver(ctx, integrity.S3Options{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.Integrity.ArchivePrefix,
		})
		if err != nil {
			return false, err
		}
	}

	check := func() (bool, error) {
		report, err := checker.Run(ctx)
		if err != nil {
			return false, err
		}
		if err := integrity.WriteTable(os.Stdout, report); err != nil {
			return false, err
		}
		if archiver != nil {
			key, err := archiver.Archive(ctx, report)
			if err != nil {
				return report.Passed, err
			}
			slog.Info("integrity report archived", "bucket", cfg.S3.Bucket, "key", key)
		}
		return report.Passed, nil
	}

	every := cfg.Integrity.Interval.Duration
	if every <= 0 {
		return check()
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	passed := true
	for {
		ok, err := check()
		if err != nil {
			slog.Error("integrity run failed", "err", err)
		}
		passed = passed && ok
		select {
		case <-ctx.Done():
			return passed, nil
		case <-ticker.C:
		}
	}
}
