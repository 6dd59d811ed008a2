package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"researchd/internal/audit"
	"researchd/internal/chatstore"
	"researchd/internal/config"
	"researchd/internal/metrics"
	"researchd/internal/migrate"
	"researchd/internal/ops"
	"researchd/internal/searchcache"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("redis_addr", cfg.Redis.Addr).
		Bool("audit_enabled", cfg.Audit.Enabled).
		Dur("cache_ttl", cfg.Cache.TTL).
		Msg("starting researchd")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	var auditStore *audit.Store
	if cfg.Audit.Enabled {
		auditStore, err = audit.Open(ctx, cfg.Audit.Driver, cfg.Audit.DSN, cfg.Audit.AutoMigrate, cfg.Audit.MigrationsDir)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open audit store")
		}
		defer auditStore.Close()
	}

	m := metrics.Global()
	store := chatstore.New(chatstore.Config{
		Redis:   rdb,
		Logger:  log.Logger,
		Metrics: m,
	})
	cache := searchcache.New(searchcache.Config{
		Redis:         rdb,
		Logger:        log.Logger,
		Metrics:       m,
		TTL:           cfg.Cache.TTL,
		SweepInterval: cfg.Cache.SweepInterval,
	})
	migrator := migrate.New(migrate.Config{
		Redis:     rdb,
		Store:     store,
		Logger:    log.Logger,
		Metrics:   m,
		ScanCount: cfg.Sweep.ScanCount,
	})

	go cache.RunSweeper(ctx)
	log.Info().Dur("interval", cfg.Cache.SweepInterval).Msg("cache sweeper started")

	errCh := make(chan error, 1)
	httpServer := &http.Server{
		Addr: cfg.HTTP.ListenAddr,
		Handler: ops.NewRouter(ops.Config{
			Migrator:    migrator,
			Audit:       auditStore,
			Logger:      log.Logger,
			HealthPath:  cfg.HTTP.HealthPath,
			MetricsPath: cfg.HTTP.MetricsPath,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("ops http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
