package workflow

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/pkg/errors"
)

type idempotentEntry[V any] struct {
	value      V
	insertedAt time.Time
}

// IdempotentCacheStats 缓存统计
type IdempotentCacheStats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`   // 超过容量被淘汰的条目
	Expirations int64 `json:"expirations"` // 过期后被清理的条目
	Size        int   `json:"size"`
	Capacity    int   `json:"capacity"`
}

// IdempotentCache 有容量上限、按写入时间过期的幂等缓存
// 淘汰顺序按写入时间, 读取不会改变顺序, 覆盖写入会刷新写入时间
type IdempotentCache[V any] struct {
	mu       sync.Mutex
	lru      *simplelru.LRU
	ttl      time.Duration // 0 表示永不过期
	capacity int
	now      func() time.Time
	stats    IdempotentCacheStats
}

func NewIdempotentCache[V any](capacity int, ttl time.Duration) (*IdempotentCache[V], error) {
	if capacity <= 0 {
		return nil, errors.WithMessagef(ErrInvalidArgument, "capacity must be positive, got: %d", capacity)
	}
	if ttl < 0 {
		return nil, errors.WithMessagef(ErrInvalidArgument, "ttl must not be negative, got: %s", ttl)
	}
	lru, err := simplelru.NewLRU(capacity, nil)
	if err != nil {
		return nil, errors.WithMessage(err, "create lru failed")
	}
	return &IdempotentCache[V]{
		lru:      lru,
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
	}, nil
}

func (c *IdempotentCache[V]) Put(key string, value V) error {
	if key == "" {
		return errors.WithMessage(ErrInvalidArgument, "idempotent key is empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := &idempotentEntry[V]{value: value, insertedAt: c.now()}
	// 已存在的key会被移到最新的位置, 不占用额外容量
	if evicted := c.lru.Add(key, entry); evicted {
		c.stats.Evictions++
	}
	return nil
}

// Get 过期的key和不存在的key表现一致
func (c *IdempotentCache[V]) Get(key string) (V, bool) {
	var zero V
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.lru.Peek(key)
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	entry := raw.(*idempotentEntry[V])
	if c.expired(entry) {
		c.lru.Remove(key)
		c.stats.Expirations++
		c.stats.Misses++
		return zero, false
	}
	c.stats.Hits++
	return entry.value, true
}

func (c *IdempotentCache[V]) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// Len 包含已过期但是还没有被清理的条目
func (c *IdempotentCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *IdempotentCache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// CleanUp 清理所有过期条目, 返回清理的数量
func (c *IdempotentCache[V]) CleanUp() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ttl == 0 {
		return 0
	}
	removed := 0
	for _, key := range c.lru.Keys() {
		raw, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		if c.expired(raw.(*idempotentEntry[V])) {
			c.lru.Remove(key)
			removed++
		}
	}
	c.stats.Expirations += int64(removed)
	return removed
}

func (c *IdempotentCache[V]) Stats() IdempotentCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.stats
	stats.Size = c.lru.Len()
	stats.Capacity = c.capacity
	return stats
}

func (c *IdempotentCache[V]) expired(entry *idempotentEntry[V]) bool {
	if c.ttl == 0 {
		return false
	}
	return c.now().Sub(entry.insertedAt) >= c.ttl
}
