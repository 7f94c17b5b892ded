package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// scanBatch is the SCAN COUNT hint and the DEL batch size for pattern deletion.
const scanBatch = 100

// RedisConfig holds the Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// url, e.g. redis://:password@localhost:6379/0.
	URL          string
	KeyPrefix    string
	PoolSize     int
	MinIdleConns int
}

// Redis is a shared cache backed by a Redis server.
type Redis struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedis connects to Redis and verifies the connection with PING.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse redis url")
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdleConns > 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "failed to connect to redis")
	}

	slog.Info("redis cache connected", slog.String("addr", opts.Addr), slog.Int("db", opts.DB))
	return NewRedisFromClient(client, cfg.KeyPrefix), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client redis.UniversalClient, keyPrefix string) *Redis {
	return &Redis{client: client, keyPrefix: keyPrefix}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := r.client.Get(ctx, r.fullKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("failed to get cache value", slog.String("key", key), slog.String("error", err.Error()))
		}
		return nil, false
	}
	return data, true
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	if err := r.client.Set(ctx, r.fullKey(key), value, ttl).Err(); err != nil {
		slog.Warn("failed to set cache value", slog.String("key", key), slog.String("error", err.Error()))
		return false
	}
	return true
}

func (r *Redis) Delete(ctx context.Context, key string) bool {
	n, err := r.client.Del(ctx, r.fullKey(key)).Result()
	if err != nil {
		slog.Warn("failed to delete cache value", slog.String("key", key), slog.String("error", err.Error()))
		return false
	}
	return n > 0
}

func (r *Redis) Exists(ctx context.Context, key string) bool {
	n, err := r.client.Exists(ctx, r.fullKey(key)).Result()
	if err != nil {
		slog.Warn("failed to check cache key", slog.String("key", key), slog.String("error", err.Error()))
		return false
	}
	return n > 0
}

// DeleteByPattern walks the keyspace with SCAN and deletes matches in batches.
func (r *Redis) DeleteByPattern(ctx context.Context, pattern string) bool {
	iter := r.client.Scan(ctx, 0, r.fullKey(pattern), scanBatch).Iterator()

	var deleted int64
	keys := make([]string, 0, scanBatch)
	flush := func() {
		if len(keys) == 0 {
			return
		}
		n, err := r.client.Del(ctx, keys...).Result()
		if err != nil {
			slog.Warn("failed to delete cache keys", slog.String("pattern", pattern), slog.String("error", err.Error()))
		}
		deleted += n
		keys = keys[:0]
	}

	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= scanBatch {
			flush()
		}
	}
	flush()

	if err := iter.Err(); err != nil {
		slog.Warn("failed to scan cache keys", slog.String("pattern", pattern), slog.String("error", err.Error()))
	}
	return deleted > 0
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) fullKey(key string) string {
	return r.keyPrefix + key
}

var _ Store = (*Redis)(nil)
