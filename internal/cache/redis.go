package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atlaseo/eogrid/internal/metrics"
)

type redisOptions struct {
	redis   redis.Options
	metrics *metrics.Metrics
}

type Option func(*redisOptions)

func WithPoolSize(n int) Option {
	return func(o *redisOptions) { o.redis.PoolSize = n }
}

func WithMinIdleConns(n int) Option {
	return func(o *redisOptions) { o.redis.MinIdleConns = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *redisOptions) { o.redis.DialTimeout = d }
}

func WithReadTimeout(d time.Duration) Option {
	return func(o *redisOptions) { o.redis.ReadTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *redisOptions) { o.redis.WriteTimeout = d }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *redisOptions) { o.metrics = m }
}

// Redis implements Interface on a single Redis instance.
type Redis struct {
	rdb *redis.Client
	obs *metrics.Metrics
}

func NewRedis(ctx context.Context, addr string, opts ...Option) (*Redis, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	ro := redisOptions{
		redis: redis.Options{
			Addr:         addr,
			PoolSize:     64,
			MinIdleConns: 4,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  1 * time.Second,
			WriteTimeout: 1 * time.Second,
		},
	}
	for _, f := range opts {
		f(&ro)
	}

	rdb := redis.NewClient(&ro.redis)

	start := time.Now()
	err := rdb.Ping(ctx).Err()
	ro.metrics.ObserveCacheOp("ping", err, time.Since(start).Seconds())
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{rdb: rdb, obs: ro.metrics}, nil
}

// MGet returns a map of found keys to their values.
func (c *Redis) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	start := time.Now()
	if len(keys) == 0 {
		c.obs.ObserveCacheOp("mget", nil, time.Since(start).Seconds())
		return map[string][]byte{}, nil
	}

	vals, err := c.rdb.MGet(ctx, keys...).Result()
	c.obs.ObserveCacheOp("mget", err, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("redis MGET %d keys: %w", len(keys), err)
	}

	out := make(map[string][]byte, len(vals))
	hits := 0
	for i, v := range vals {
		if v == nil {
			continue // missing key
		}
		hits++
		switch t := v.(type) {
		case string:
			out[keys[i]] = []byte(t)
		case []byte:
			out[keys[i]] = t
		default:
			out[keys[i]] = fmt.Append(nil, t)
		}
	}
	c.obs.AddCacheHits(hits)
	c.obs.AddCacheMisses(len(keys) - hits)
	return out, nil
}

func (c *Redis) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	start := time.Now()
	err := c.rdb.Set(ctx, key, val, ttl).Err()
	c.obs.ObserveCacheOp("set", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis SET %q: %w", key, err)
	}
	return nil
}

func (c *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	start := time.Now()
	err := c.rdb.Del(ctx, keys...).Err()
	c.obs.ObserveCacheOp("del", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis DEL %d keys: %w", len(keys), err)
	}
	return nil
}

func (c *Redis) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}
