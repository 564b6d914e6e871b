// Package redis implements the Redis result cache for computed aggregations.
// The cache is strictly cache-aside: every failure degrades to a miss or a
// silent skip so that Redis outages never fail a computation or a read.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/edustats-hub/assessment-hub/internal/domain/aggregation"
	"github.com/edustats-hub/assessment-hub/internal/domain/shared"
	"github.com/edustats-hub/assessment-hub/pkg/circuitbreaker"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config holds Redis connection configuration.
type Config struct {
	// Host is the Redis server hostname.
	Host string

	// Port is the Redis server port.
	Port int

	// Password is the Redis authentication password (empty if no auth).
	Password string

	// DB is the Redis database number (0-15).
	DB int

	// PoolSize is the maximum number of socket connections.
	PoolSize int

	// MinIdleConns is the minimum number of idle connections.
	MinIdleConns int

	// DialTimeout is the timeout for establishing new connections.
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads.
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for socket writes.
	WriteTimeout time.Duration
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Port:         6379,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Addr returns the Redis address in "host:port" format.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ══════════════════════════════════════════════════════════════════════════════
// KEYS
// ══════════════════════════════════════════════════════════════════════════════

// prefixAggregation namespaces all aggregation result keys.
const prefixAggregation = "agg:"

// ResultKey generates the cache key for one aggregation result.
func ResultKey(batchCode string, level aggregation.Level, schoolID string) string {
	if level == aggregation.LevelRegional {
		return prefixAggregation + batchCode + ":regional"
	}
	return prefixAggregation + batchCode + ":school:" + schoolID
}

// batchPattern matches every key under a batch, including derived query keys.
func batchPattern(batchCode string) string {
	return prefixAggregation + batchCode + ":*"
}

// ══════════════════════════════════════════════════════════════════════════════
// RESULT CACHE
// ══════════════════════════════════════════════════════════════════════════════

// ResultCache implements aggregation.ResultCache on Redis. All calls run
// through a circuit breaker; while the breaker is open, reads report a miss
// and writes are skipped, so a flapping Redis cannot slow down computations.
type ResultCache struct {
	client  *redis.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewResultCache connects to Redis and verifies connectivity.
func NewResultCache(cfg Config, logger *slog.Logger) (*ResultCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &ResultCache{
		client:  client,
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig("redis-result-cache")),
		logger:  logger,
	}, nil
}

// Close closes the Redis connection.
func (c *ResultCache) Close() error {
	return c.client.Close()
}

// Ping checks if Redis is reachable.
func (c *ResultCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// GetResult returns a cached result or aggregation.ErrCacheMiss. Any Redis
// failure, including an open circuit breaker, is reported as a miss.
func (c *ResultCache) GetResult(ctx context.Context, batchCode string, level aggregation.Level, schoolID string) (*aggregation.AggregationResult, error) {
	key := ResultKey(batchCode, level, schoolID)

	var data []byte
	miss := false
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		b, err := c.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			// An absent key is a healthy response, not a breaker failure.
			miss = true
			return nil
		}
		if err != nil {
			return err
		}
		data = b
		return nil
	})
	if err != nil {
		if !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			c.logger.Warn("cache read failed", "key", key, "error", err)
		}
		return nil, aggregation.ErrCacheMiss
	}
	if miss {
		return nil, aggregation.ErrCacheMiss
	}

	var result aggregation.AggregationResult
	if err := json.Unmarshal(data, &result); err != nil {
		// A corrupt entry is unusable; drop it so the next write heals the key.
		c.logger.Warn("dropping corrupt cache entry", "key", key, "error", err)
		_ = c.client.Del(ctx, key).Err()
		return nil, aggregation.ErrCacheMiss
	}
	return &result, nil
}

// SetResult caches a result under its key. Failures are logged and swallowed.
func (c *ResultCache) SetResult(ctx context.Context, result *aggregation.AggregationResult, ttl time.Duration) error {
	if result == nil || ttl <= 0 {
		return nil
	}
	key := ResultKey(result.BatchCode, result.Level, result.SchoolID)

	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Warn("failed to marshal result for cache", "key", key, "error", err)
		return nil
	}

	err = c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.client.Set(ctx, key, data, ttl).Err()
	})
	if err != nil && !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		c.logger.Warn("cache write failed", "key", key, "error", err)
	}
	return nil
}

// InvalidateBatch synchronously removes every key under a batch. Returns the
// number of keys removed. Unlike reads and writes, an invalidation failure is
// surfaced: callers must know stale entries may remain.
func (c *ResultCache) InvalidateBatch(ctx context.Context, batchCode string) (int, error) {
	removed := 0
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		iter := c.client.Scan(ctx, 0, batchPattern(batchCode), 100).Iterator()
		var keys []string
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
			if len(keys) >= 100 {
				n, err := c.client.Del(ctx, keys...).Result()
				if err != nil {
					return err
				}
				removed += int(n)
				keys = keys[:0]
			}
		}
		if err := iter.Err(); err != nil {
			return err
		}
		if len(keys) > 0 {
			n, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				return err
			}
			removed += int(n)
		}
		return nil
	})
	if err != nil {
		return removed, shared.WrapError("cache", "InvalidateBatch", shared.ErrCache,
			fmt.Sprintf("failed to invalidate batch %s", batchCode), err)
	}
	return removed, nil
}
