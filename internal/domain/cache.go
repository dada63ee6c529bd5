package domain

import (
	"context"
	"io"
	"time"
)

// Cache types.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// ByteCache stores opaque values per tenant. A missing key yields nil, nil.
// A ttl of zero or less uses the implementation's default.
type ByteCache interface {
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, tenantID string, key string) error
}

// CalculationCache stores calculation responses keyed by the digest of the
// request that produced them. A missing key yields nil, nil.
type CalculationCache interface {
	GetCalculation(ctx context.Context, tenantID string, key string) (*Calculation, error)
	SetCalculation(ctx context.Context, tenantID string, key string, calc *Calculation, ttl time.Duration) error
}

// Cache is a tenant-scoped cache: an in-process LRU, Redis, or both in
// front of each other.
type Cache interface {
	ByteCache
	CalculationCache

	Ping(ctx context.Context) error
	io.Closer
}

// CacheConfig selects and tunes the cache.
type CacheConfig struct {
	Type string `json:"type"` // CacheMemory or CacheRedis

	LocalMaxSize int           `json:"localMaxSize"`
	LocalTTL     time.Duration `json:"localTtl"`

	// RedisAddr is host:port or a redis:// or rediss:// URL.
	RedisAddr     string `json:"redisAddr,omitempty"`
	RedisPassword string `json:"-"`
	RedisDB       int    `json:"redisDb,omitempty"`

	// EnableTwoPhase puts the local LRU in front of Redis.
	EnableTwoPhase bool `json:"enableTwoPhase,omitempty"`

	// ResultTTL is how long calculation responses are cached.
	// Zero disables response caching.
	ResultTTL time.Duration `json:"resultTtl"`
}
