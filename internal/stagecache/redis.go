package stagecache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// RedisConfig holds connection settings for the Redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	Prefix   string `yaml:"prefix" mapstructure:"prefix"`
}

// RedisBackend stores stage results in Redis with native key expiry.
type RedisBackend struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "stagecache: redis ping")
	}
	return &RedisBackend{rdb: rdb, prefix: cfg.Prefix}, nil
}

// Get implements Backend.
func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := b.rdb.Get(ctx, b.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "stagecache: redis get")
	}
	return data, true, nil
}

// Set implements Backend.
func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return eris.Wrap(b.rdb.Set(ctx, b.prefix+key, value, ttl).Err(), "stagecache: redis set")
}

// Sweep is a no-op; Redis expires keys itself.
func (b *RedisBackend) Sweep(_ context.Context) (int, error) {
	return 0, nil
}

// Close releases the connection pool.
func (b *RedisBackend) Close() error {
	return b.rdb.Close()
}
