package cache

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/telhawk-warehouse/internal/metrics"
)

const (
	DefaultRedisKey = "warehouse:events"
	DefaultPageSize = 256
)

// RedisCache keeps payloads in a Redis list, oldest at the head. The list is
// trimmed to maxEntries in the same transaction as every push.
type RedisCache struct {
	client     *redis.Client
	key        string
	maxEntries int64
	pageSize   int64
	codec      *zstdCodec
}

type RedisOption func(*RedisCache)

// WithCompression stores payloads zstd compressed. Entries written without
// compression are still read back unchanged.
func WithCompression() RedisOption {
	return func(c *RedisCache) {
		c.codec = newZstdCodec()
	}
}

// NewRedisCache connects to redisURL and verifies the connection.
func NewRedisCache(redisURL, key string, maxEntries, pageSize int, opts ...RedisOption) (*RedisCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisCacheFromClient(client, key, maxEntries, pageSize, opts...), nil
}

// NewRedisCacheFromClient wraps an existing Redis connection.
func NewRedisCacheFromClient(client *redis.Client, key string, maxEntries, pageSize int, opts ...RedisOption) *RedisCache {
	if key == "" {
		key = DefaultRedisKey
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	c := &RedisCache{
		client:     client,
		key:        key,
		maxEntries: int64(maxEntries),
		pageSize:   int64(pageSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisCache) Put(ctx context.Context, payload []byte) error {
	pipe := c.client.TxPipeline()
	pushed := pipe.RPush(ctx, c.key, c.codec.encode(payload))
	pipe.LTrim(ctx, c.key, -c.maxEntries, -1)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}

	if over := pushed.Val() - c.maxEntries; over > 0 {
		metrics.CacheEvictions.Add(float64(over))
	}
	return nil
}

// All pages through the list with LRANGE. A Drain running at the same time
// shifts the list, so a concurrent iteration may skip payloads.
func (c *RedisCache) All(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for start := int64(0); ; start += c.pageSize {
			page, err := c.client.LRange(ctx, c.key, start, start+c.pageSize-1).Result()
			if err != nil {
				yield(nil, fmt.Errorf("cache range: %w", err))
				return
			}
			for _, stored := range page {
				if !yield(c.codec.decode([]byte(stored)), nil) {
					return
				}
			}
			if int64(len(page)) < c.pageSize {
				return
			}
		}
	}
}

func (c *RedisCache) Len(ctx context.Context) (int, error) {
	n, err := c.client.LLen(ctx, c.key).Result()
	if err != nil {
		return 0, fmt.Errorf("cache len: %w", err)
	}
	return int(n), nil
}

func (c *RedisCache) Drain(ctx context.Context, max int) ([][]byte, error) {
	if max <= 0 {
		return nil, nil
	}

	popped, err := c.client.LPopCount(ctx, c.key, max).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache drain: %w", err)
	}

	out := make([][]byte, len(popped))
	for i, stored := range popped {
		out[i] = c.codec.decode([]byte(stored))
	}
	return out, nil
}

func (c *RedisCache) Capacity() int {
	return int(c.maxEntries)
}

func (c *RedisCache) Close() error {
	if c.codec != nil {
		c.codec.dec.Close()
	}
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
