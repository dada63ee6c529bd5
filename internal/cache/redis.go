package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/regelwerk/internal/domain"
	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces every key so that Regelwerk can share a Redis
// instance.
const redisKeyPrefix = "regelwerk:"

// RedisCache implements Cache using Redis.
// Used as the Pro tier cache and as L2 in two-phase caching.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis. addr is host:port or a redis:// URL;
// password and db override the URL when set.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	opts, err := redisOptions(addr, password, db)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	return &RedisCache{client: client}, nil
}

func redisOptions(addr, password string, db int) (*redis.Options, error) {
	opts := &redis.Options{Addr: "localhost:6379"}

	switch {
	case strings.HasPrefix(addr, "redis://"), strings.HasPrefix(addr, "rediss://"):
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		opts = parsed
	case addr != "":
		opts.Addr = addr
	}

	if password != "" {
		opts.Password = password
	}
	if db != 0 {
		opts.DB = db
	}
	return opts, nil
}

// Get retrieves a value from Redis. A missing key is nil, nil.
func (c *RedisCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	k, err := tenantKey(tenantID, key)
	if err != nil {
		return nil, err
	}

	val, err := c.client.Get(ctx, redisKeyPrefix+k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return val, err
}

// Set stores a value in Redis. Entries always expire; a ttl of zero or
// less uses the default TTL.
func (c *RedisCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	k, err := tenantKey(tenantID, key)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return c.client.Set(ctx, redisKeyPrefix+k, value, ttl).Err()
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, tenantID string, key string) error {
	k, err := tenantKey(tenantID, key)
	if err != nil {
		return err
	}
	return c.client.Del(ctx, redisKeyPrefix+k).Err()
}

// GetCalculation retrieves a cached calculation.
func (c *RedisCache) GetCalculation(ctx context.Context, tenantID string, key string) (*domain.Calculation, error) {
	return getCalculation(ctx, c, tenantID, key)
}

// SetCalculation caches a calculation.
func (c *RedisCache) SetCalculation(ctx context.Context, tenantID string, key string, calc *domain.Calculation, ttl time.Duration) error {
	return setCalculation(ctx, c, tenantID, key, calc, ttl)
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
