package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/regelwerk/internal/domain"
)

// TwoPhaseCache keeps recent calculations in a local LRU (L1) in front of
// Redis (L2), which is shared by every replica.
type TwoPhaseCache struct {
	local  *LRUCache
	remote *RedisCache
	l1TTL  time.Duration
}

// NewTwoPhaseCache creates a two-phase cache with LRU + Redis.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis cache: %w", err)
	}
	return newTwoPhase(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil
}

func newTwoPhase(local *LRUCache, remote *RedisCache, l1TTL time.Duration) *TwoPhaseCache {
	if l1TTL <= 0 {
		l1TTL = defaultTTL
	}
	return &TwoPhaseCache{
		local:  local,
		remote: remote,
		l1TTL:  l1TTL,
	}
}

// Get reads L1 first and falls back to L2. An L2 hit refills L1. L2
// failures degrade to a miss so the caller recalculates.
func (c *TwoPhaseCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if val, err := c.local.Get(ctx, tenantID, key); err != nil || val != nil {
		return val, err
	}

	val, err := c.remote.Get(ctx, tenantID, key)
	switch {
	case err != nil:
		slog.Warn("L2 cache read failed", "tenant_id", tenantID, "error", err)
		return nil, nil
	case val == nil:
		return nil, nil
	}

	_ = c.local.Set(ctx, tenantID, key, val, c.l1TTL)
	return val, nil
}

// Set writes L2 before L1 so no replica sees a value only this one holds.
// L1 never outlives the requested TTL.
func (c *TwoPhaseCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if err := c.remote.Set(ctx, tenantID, key, value, ttl); err != nil {
		return err
	}
	l1 := c.l1TTL
	if ttl > 0 {
		l1 = min(ttl, l1)
	}
	return c.local.Set(ctx, tenantID, key, value, l1)
}

// Delete removes the key from both levels.
func (c *TwoPhaseCache) Delete(ctx context.Context, tenantID string, key string) error {
	return errors.Join(
		c.local.Delete(ctx, tenantID, key),
		c.remote.Delete(ctx, tenantID, key),
	)
}

// GetCalculation retrieves a cached calculation from L1, then L2.
func (c *TwoPhaseCache) GetCalculation(ctx context.Context, tenantID string, key string) (*domain.Calculation, error) {
	return getCalculation(ctx, c, tenantID, key)
}

// SetCalculation caches a calculation in both L1 and L2.
func (c *TwoPhaseCache) SetCalculation(ctx context.Context, tenantID string, key string, calc *domain.Calculation, ttl time.Duration) error {
	return setCalculation(ctx, c, tenantID, key, calc, ttl)
}

// Ping reports L2 health; L1 is in-process and always available.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2: %w", err)
	}
	return nil
}

// Close releases both levels.
func (c *TwoPhaseCache) Close() error {
	return errors.Join(c.local.Close(), c.remote.Close())
}

// Stats returns L1 cache statistics.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.local.Stats()
}
