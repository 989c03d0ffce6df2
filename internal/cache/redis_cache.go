// Package cache stores encoded variants in Redis keyed by source digest and
// encode settings.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "pixelbatch:variant:"
	defaultTTL       = 24 * time.Hour
)

type RedisVariantCache struct {
	client    redis.UniversalClient
	ttl       time.Duration
	keyPrefix string
	maxBytes  int
}

type Options struct {
	TTL       time.Duration
	KeyPrefix string
	// MaxBytes skips caching variants larger than this. Zero means no limit.
	MaxBytes int
}

func NewRedisVariantCache(client redis.UniversalClient, opts Options) (*RedisVariantCache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	prefix := opts.KeyPrefix
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultKeyPrefix
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}

	return &RedisVariantCache{
		client:    client,
		ttl:       ttl,
		keyPrefix: prefix,
		maxBytes:  opts.MaxBytes,
	}, nil
}

// Dial connects to addr and verifies the server answers.
func Dial(ctx context.Context, addr, password string, db int, opts Options) (*RedisVariantCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisVariantCache(client, opts)
}

func (c *RedisVariantCache) key(k string) string {
	return c.keyPrefix + k
}

func (c *RedisVariantCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get cached variant: %w", err)
	}
	return data, true, nil
}

func (c *RedisVariantCache) Set(ctx context.Context, key string, data []byte) error {
	if c.maxBytes > 0 && len(data) > c.maxBytes {
		return nil
	}
	if err := c.client.Set(ctx, c.key(key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("set cached variant: %w", err)
	}
	return nil
}

func (c *RedisVariantCache) Close() error {
	return c.client.Close()
}
