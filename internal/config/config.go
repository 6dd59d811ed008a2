package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingRedisAddr = errors.New("REDIS_ADDR is required")
	ErrMissingAuditDSN  = errors.New("AUDIT_DB_DSN is required when the audit store is enabled")
	ErrInvalidAuditDB   = errors.New("AUDIT_DB_DRIVER must be 'sqlite' or 'postgres'")
)

type Config struct {
	Redis Redis
	Audit Audit
	Cache Cache
	Sweep Sweep
	HTTP  HTTP
	Log   Log
}

type Redis struct {
	Addr     string
	Password string
	DB       int
}

type Audit struct {
	Enabled       bool
	Driver        string
	DSN           string
	AutoMigrate   bool
	MigrationsDir string
}

type Cache struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

type Sweep struct {
	ScanCount int64
}

type HTTP struct {
	ListenAddr  string
	HealthPath  string
	MetricsPath string
}

type Log struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		Redis: Redis{
			Addr:     mustEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: mustEnv("REDIS_PASSWORD", ""),
			DB:       mustInt("REDIS_DB", 0),
		},
		Audit: Audit{
			Enabled:       mustBool("AUDIT_ENABLED", true),
			Driver:        strings.ToLower(mustEnv("AUDIT_DB_DRIVER", "sqlite")),
			DSN:           mustEnv("AUDIT_DB_DSN", "file:researchd_audit.db"),
			AutoMigrate:   mustBool("AUDIT_AUTO_MIGRATE", true),
			MigrationsDir: mustEnv("AUDIT_MIGRATIONS_DIR", "migrations"),
		},
		Cache: Cache{
			TTL:           mustDuration("SEARCH_CACHE_TTL", time.Hour),
			SweepInterval: mustDuration("SEARCH_CACHE_SWEEP_INTERVAL", time.Hour),
		},
		Sweep: Sweep{
			ScanCount: int64(mustInt("CLEANUP_SCAN_COUNT", 200)),
		},
		HTTP: HTTP{
			ListenAddr:  mustEnv("HTTP_LISTEN_ADDR", ":8080"),
			HealthPath:  mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath: mustEnv("METRICS_PATH", "/metrics"),
		},
		Log: Log{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if cfg.Redis.Addr == "" {
		return nil, ErrMissingRedisAddr
	}
	if cfg.Audit.Enabled {
		if cfg.Audit.DSN == "" {
			return nil, ErrMissingAuditDSN
		}
		if cfg.Audit.Driver != "sqlite" && cfg.Audit.Driver != "postgres" {
			return nil, ErrInvalidAuditDB
		}
	}
	if cfg.Cache.TTL <= 0 {
		cfg.Cache.TTL = time.Hour
	}
	if cfg.Cache.SweepInterval <= 0 {
		cfg.Cache.SweepInterval = time.Hour
	}

	return cfg, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
