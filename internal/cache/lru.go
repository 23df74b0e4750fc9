package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// LRUCache is a thread-safe LRU cache with TTL support.
// Used as the Community tier cache and as L1 in two-phase caching.
type LRUCache struct {
	mu      sync.RWMutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List
	now     func() time.Time
}

type cacheEntry struct {
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
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// Get retrieves a value from cache.
func (c *LRUCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.live(key)
	if !ok {
		return nil, nil
	}

	// Move to front (most recently used)
	c.order.MoveToFront(elem)
	return elem.Value.(*cacheEntry).value, nil
}

// Set stores a value in cache with TTL.
func (c *LRUCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setLocked(key, value, ttl)
	return nil
}

// SetIfAbsent stores the value only when no live entry exists.
func (c *LRUCache) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.live(key); ok {
		return false, nil
	}
	c.setLocked(key, value, ttl)
	return true, nil
}

// live returns the element for key if present and unexpired, dropping it
// when expired. Caller holds c.mu.
func (c *LRUCache) live(key string) (*list.Element, bool) {
	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if c.now().After(elem.Value.(*cacheEntry).expiresAt) {
		c.removeElement(elem)
		return nil, false
	}
	return elem, true
}

func (c *LRUCache) setLocked(key string, value []byte, ttl time.Duration) {
	expiresAt := c.now().Add(ttl)

	// Update existing entry
	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		return
	}

	elem := c.order.PushFront(&cacheEntry{
		key:       key,
		value:     value,
		expiresAt: expiresAt,
	})
	c.items[key] = elem

	// Evict if over capacity
	for c.order.Len() > c.maxSize {
		c.removeOldest()
	}
}

// Delete removes a value from cache.
func (c *LRUCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
	return nil
}

// GetScoreResult retrieves a cached score result.
func (c *LRUCache) GetScoreResult(ctx context.Context, txID string) (*domain.ScoreResult, error) {
	data, err := c.Get(ctx, scoreKey(txID))
	if err != nil || data == nil {
		return nil, err
	}
	return decodeScoreResult(data)
}

// SetScoreResult caches a score result.
func (c *LRUCache) SetScoreResult(ctx context.Context, txID string, result *domain.ScoreResult, ttl time.Duration) error {
	data, err := encodeScoreResult(result)
	if err != nil {
		return err
	}
	return c.Set(ctx, scoreKey(txID), data, ttl)
}

// Ping checks cache health.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close cleans up the cache.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order = list.New()
	return nil
}

// Stats returns cache statistics.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len(), c.maxSize
}

func (c *LRUCache) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.key)
}

func (c *LRUCache) removeOldest() {
	elem := c.order.Back()
	if elem != nil {
		c.removeElement(elem)
	}
}
