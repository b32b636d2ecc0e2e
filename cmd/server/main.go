package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/settlement-engine/internal/api"
	"github.com/atmx/settlement-engine/internal/config"
	"github.com/atmx/settlement-engine/internal/escrow"
	"github.com/atmx/settlement-engine/internal/integrity"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/quote"
	"github.com/atmx/settlement-engine/internal/settlement"
	"github.com/atmx/settlement-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("settlement-engine exited", "err", err)
		os.Exit(1)
	}
	fmt.Println("settlement-engine stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if cfg.Database.URL != "" {
		if cfg.Database.RunMigrations {
			version, err := store.Migrate(cfg.Database.URL)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			slog.Info("database migrated", "version", version)
		}

		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("invalid database url: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Database.MaxConns)
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("database url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	var quoteReader quote.Reader
	st, quoteReader = withQuoteCache(st, rdb, cfg.Redis.CacheTTL.Duration)

	fees := cfg.Fees.Schedule()

	// --- WebSocket hub ---
	hub := api.NewHub()

	// --- Services ---
	quotes := quote.NewService(quoteReader, quote.WithDefaultFees(fees), quote.WithLogger(logger))
	ledger := escrow.NewLedger(st,
		escrow.WithLockTTL(cfg.Escrow.LockTTL.Duration),
		escrow.WithNotifier(hub),
		escrow.WithQuoter(quotes),
		escrow.WithLogger(logger),
	)
	reconciler := escrow.NewReconciler(ledger)

	settleOpts := []settlement.Option{
		settlement.WithDefaultFees(fees),
		settlement.WithLockReleaser(ledger),
		settlement.WithNotifier(hub),
		settlement.WithLogger(logger),
	}
	if rdb != nil {
		settleOpts = append(settleOpts, settlement.WithLocker(store.NewRedisLocker(rdb), cfg.Redis.SettlementLockTTL.Duration))
	}

	handler := api.NewHandler(api.Deps{
		Store:      st,
		Quotes:     quotes,
		Ledger:     ledger,
		Settlement: settlement.NewService(st, settleOpts...),
		Checker:    integrity.NewChecker(st, integrity.WithLogger(logger)),
		Hub:        hub,
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(cors(cfg.Server.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"settlement-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	handler.Mount(r)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		err := reconciler.Loop(gctx, cfg.Escrow.ReconcileInterval.Duration)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		slog.Info("settlement-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()

		slog.Info("shutting down settlement-engine...")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
		return nil
	})

	return g.Wait()
}

// withQuoteCache puts the Redis cache in front of quote reads only. The
// returned store reads from primary and invalidates the cache on writes;
// the ledger, settlement and reconciliation use it.
func withQuoteCache(primary store.Store, rdb *redis.Client, ttl time.Duration) (store.Store, quote.Reader) {
	if rdb == nil {
		return primary, primary
	}
	cached := store.NewCachedStore(primary, rdb, ttl)
	slog.Info("Redis quote cache enabled", "ttl", ttl)
	return cached, cached.Quotes()
}

// cors allows the configured origins; "*" allows any.
func cors(origins []string) func(http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[strings.TrimRight(o, "/")] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
