package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/regelwerk/internal/domain"
)

// ErrTenantRequired is returned for operations without a tenant.
var ErrTenantRequired = errors.New("tenantID is required")

// New creates a new cache based on configuration.
// For Community tier: returns LRU cache.
// For Pro tier with two-phase: returns TwoPhaseCache wrapping LRU + Redis.
// For Pro tier without two-phase: returns Redis cache.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case domain.CacheMemory:
		lru := NewLRUCache(cfg.LocalMaxSize)
		if cfg.LocalTTL > 0 {
			lru.defaultTTL = cfg.LocalTTL
		}
		return lru, nil

	case domain.CacheRedis:
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// byteStore is the raw key/value half of domain.Cache. The typed calculation
// helpers of every implementation are built on it.
type byteStore interface {
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error
}

func getCalculation(ctx context.Context, s byteStore, tenantID, key string) (*domain.Calculation, error) {
	data, err := s.Get(ctx, tenantID, calculationKey(key))
	if err != nil || data == nil {
		return nil, err
	}

	var calc domain.Calculation
	if err := json.Unmarshal(data, &calc); err != nil {
		return nil, fmt.Errorf("failed to decode cached calculation: %w", err)
	}
	return &calc, nil
}

func setCalculation(ctx context.Context, s byteStore, tenantID, key string, calc *domain.Calculation, ttl time.Duration) error {
	data, err := json.Marshal(calc)
	if err != nil {
		return fmt.Errorf("failed to encode calculation: %w", err)
	}
	return s.Set(ctx, tenantID, calculationKey(key), data, ttl)
}

// calculationKey keeps calculations apart from other entries of a tenant.
func calculationKey(key string) string {
	return "calc:" + key
}

// tenantKey scopes key to tenantID.
func tenantKey(tenantID, key string) (string, error) {
	if tenantID == "" {
		return "", ErrTenantRequired
	}
	return tenantID + ":" + key, nil
}
