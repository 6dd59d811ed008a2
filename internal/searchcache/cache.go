// Package searchcache is a TTL-bounded cache for expensive search
// queries, keyed by a normalized fingerprint of the request parameters.
package searchcache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"researchd/internal/metrics"
	"researchd/internal/research"
)

const (
	entryPrefix = "search:cache:"
	trackingKey = "search:cache:keys"

	DefaultTTL           = time.Hour
	DefaultSweepInterval = time.Hour
)

type Cache struct {
	rdb           *redis.Client
	logger        zerolog.Logger
	metrics       *metrics.Metrics
	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time
}

type Config struct {
	Redis         *redis.Client
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
	TTL           time.Duration
	SweepInterval time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func New(cfg Config) *Cache {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Cache{
		rdb:           cfg.Redis,
		logger:        cfg.Logger,
		metrics:       m,
		ttl:           cfg.TTL,
		sweepInterval: cfg.SweepInterval,
		now:           now,
	}
}

// NormalizeKey builds the deterministic fingerprint of a search request.
// Query text is case- and surrounding-whitespace-insensitive; domain
// lists are joined in the order given, NOT sorted. Two requests differing
// only in domain order therefore produce distinct keys. That matches the
// behavior existing callers rely on; do not canonicalize here without
// clearing up whether positional semantics matter downstream.
func NormalizeKey(query string, maxResults int, searchDepth string, includeDomains, excludeDomains []string) string {
	if includeDomains == nil {
		includeDomains = []string{}
	}
	if excludeDomains == nil {
		excludeDomains = []string{}
	}
	return strings.Join([]string{
		strings.ToLower(strings.TrimSpace(query)),
		strconv.Itoa(maxResults),
		searchDepth,
		strings.Join(includeDomains, ","),
		strings.Join(excludeDomains, ","),
	}, ":")
}

// Get treats every failure as a miss: a cache is allowed to be
// unreliable, so backend errors and undecodable payloads are logged and
// swallowed, never raised past the caller.
func (c *Cache) Get(ctx context.Context, key string) ([]research.SearchResult, bool) {
	raw, err := c.rdb.Get(ctx, entryPrefix+key).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("cache read failed, treating as miss")
		}
		c.metrics.CacheMisses.Inc()
		return nil, false
	}
	var results []research.SearchResult
	if err := json.Unmarshal([]byte(raw), &results); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache payload undecodable, treating as miss")
		c.metrics.CacheMisses.Inc()
		return nil, false
	}
	c.metrics.CacheHits.Inc()
	return results, true
}

// Set stores the serialized result set with the fixed TTL and records the
// key in the tracking set the sweep walks. The tracking set is
// belt-and-suspenders for backends that do not reliably auto-expire; TTL
// remains the primary expiry path.
func (c *Cache) Set(ctx context.Context, key string, results []research.SearchResult) error {
	payload, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal cached results: %w", err)
	}
	if err := c.rdb.Set(ctx, entryPrefix+key, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("store cache entry: %w", err)
	}
	err = c.rdb.ZAdd(ctx, trackingKey, redis.Z{
		Score:  float64(c.now().UnixMilli()),
		Member: key,
	}).Err()
	if err != nil {
		return fmt.Errorf("track cache key: %w", err)
	}
	return nil
}

// RunSweeper deletes expired entries on a fixed interval for the lifetime
// of ctx. Both sweep deletion and TTL expiry are idempotent no-ops when
// the key is already gone, so racing the backend's own expiry is fine.
func (c *Cache) RunSweeper(ctx context.Context) {
	t := time.NewTicker(c.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			swept, err := c.SweepOnce(ctx)
			if err != nil {
				c.logger.Error().Err(err).Msg("cache sweep failed")
				continue
			}
			c.logger.Info().Int("swept", swept).Msg("cache sweep finished")
		}
	}
}

// SweepOnce walks the tracking set and deletes every entry whose
// remaining TTL is gone. Per-key failures are logged and skipped; the
// sweep keeps going.
func (c *Cache) SweepOnce(ctx context.Context) (int, error) {
	keys, err := c.rdb.ZRange(ctx, trackingKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("read cache tracking set: %w", err)
	}

	swept := 0
	for _, key := range keys {
		ttl, err := c.rdb.TTL(ctx, entryPrefix+key).Result()
		if err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("cache ttl check failed, skipping")
			continue
		}
		// go-redis reports -1ns for no expiry and -2ns for a missing
		// key; both fall through to deletion.
		if ttl > 0 {
			continue
		}
		pipe := c.rdb.TxPipeline()
		pipe.Del(ctx, entryPrefix+key)
		pipe.ZRem(ctx, trackingKey, key)
		if _, err := pipe.Exec(ctx); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("cache entry delete failed, skipping")
			continue
		}
		swept++
		c.metrics.CacheEvictions.Inc()
	}
	return swept, nil
}
