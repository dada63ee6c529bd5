// Package cache stores calculation results keyed per tenant, in process
// (LRU), in Redis, or in both.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/opensource-finance/regelwerk/internal/domain"
)

// defaultTTL applies to entries stored without a TTL.
const defaultTTL = 5 * time.Minute

// LRUCache is a bounded in-process cache. Entries expire after their TTL and
// the least recently used entry is evicted once maxSize is reached.
type LRUCache struct {
	mu         sync.Mutex
	maxSize    int
	defaultTTL time.Duration
	items      map[string]*list.Element
	order      *list.List // front is most recently used
	hits       uint64
	misses     uint64
	now        func() time.Time
}

type lruEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// NewLRUCache creates a new LRU cache with the specified max size.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &LRUCache{
		maxSize:    maxSize,
		defaultTTL: defaultTTL,
		items:      make(map[string]*list.Element),
		order:      list.New(),
		now:        time.Now,
	}
}

// Get returns the value stored under key, or nil when it is missing or expired.
func (c *LRUCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	k, err := tenantKey(tenantID, key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[k]
	if ok && c.now().After(elem.Value.(*lruEntry).expiresAt) {
		c.remove(elem)
		ok = false
	}
	if !ok {
		c.misses++
		return nil, nil
	}

	c.order.MoveToFront(elem)
	c.hits++
	return elem.Value.(*lruEntry).value, nil
}

// Set stores value under key. A non-positive ttl uses the cache default.
func (c *LRUCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	k, err := tenantKey(tenantID, key)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	expiresAt := c.now().Add(ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[k]; ok {
		entry := elem.Value.(*lruEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		return nil
	}

	c.items[k] = c.order.PushFront(&lruEntry{key: k, value: value, expiresAt: expiresAt})
	for c.order.Len() > c.maxSize {
		c.remove(c.order.Back())
	}
	return nil
}

// Delete removes a value from cache.
func (c *LRUCache) Delete(ctx context.Context, tenantID string, key string) error {
	k, err := tenantKey(tenantID, key)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[k]; ok {
		c.remove(elem)
	}
	return nil
}

// GetCalculation retrieves a cached calculation.
func (c *LRUCache) GetCalculation(ctx context.Context, tenantID string, key string) (*domain.Calculation, error) {
	return getCalculation(ctx, c, tenantID, key)
}

// SetCalculation caches a calculation.
func (c *LRUCache) SetCalculation(ctx context.Context, tenantID string, key string, calc *domain.Calculation, ttl time.Duration) error {
	return setCalculation(ctx, c, tenantID, key, calc, ttl)
}

// Ping always succeeds.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close drops every entry.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	return nil
}

// Stats returns the number of entries and the capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len(), c.maxSize
}

// HitRatio returns hits and misses since creation.
func (c *LRUCache) HitRatio() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *LRUCache) remove(elem *list.Element) {
	if elem == nil {
		return
	}
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*lruEntry).key)
}
