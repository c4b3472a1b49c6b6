package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestCache(t *testing.T, capacity int, ttl time.Duration) (*IdempotentCache[string], *fakeClock) {
	cache, err := NewIdempotentCache[string](capacity, ttl)
	require.NoError(t, err)
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cache.now = clock.Now
	return cache, clock
}

func TestIdempotentCache(t *testing.T) {
	t.Run("参数校验", func(t *testing.T) {
		_, err := NewIdempotentCache[string](0, time.Minute)
		assert.ErrorIs(t, err, ErrInvalidArgument)
		_, err = NewIdempotentCache[string](1, -time.Second)
		assert.ErrorIs(t, err, ErrInvalidArgument)

		cache, _ := newTestCache(t, 1, 0)
		assert.ErrorIs(t, cache.Put("", "v"), ErrInvalidArgument)
	})

	t.Run("读写", func(t *testing.T) {
		cache, _ := newTestCache(t, 10, time.Minute)
		require.NoError(t, cache.Put("k1", "v1"))
		v, ok := cache.Get("k1")
		assert.True(t, ok)
		assert.Equal(t, "v1", v)

		_, ok = cache.Get("missing")
		assert.False(t, ok)

		stats := cache.Stats()
		assert.Equal(t, int64(1), stats.Hits)
		assert.Equal(t, int64(1), stats.Misses)
		assert.Equal(t, 1, stats.Size)
		assert.Equal(t, 10, stats.Capacity)
	})

	t.Run("过期", func(t *testing.T) {
		cache, clock := newTestCache(t, 10, time.Minute)
		require.NoError(t, cache.Put("k1", "v1"))
		clock.Advance(59 * time.Second)
		_, ok := cache.Get("k1")
		assert.True(t, ok)

		clock.Advance(time.Second)
		_, ok = cache.Get("k1")
		assert.False(t, ok, "到达ttl即过期")
		assert.Equal(t, 0, cache.Len())
		assert.Equal(t, int64(1), cache.Stats().Expirations)
	})

	t.Run("ttl为0永不过期", func(t *testing.T) {
		cache, clock := newTestCache(t, 10, 0)
		require.NoError(t, cache.Put("k1", "v1"))
		clock.Advance(24 * 365 * time.Hour)
		_, ok := cache.Get("k1")
		assert.True(t, ok)
		assert.Equal(t, 0, cache.CleanUp())
	})

	t.Run("超过容量淘汰最早写入的", func(t *testing.T) {
		cache, _ := newTestCache(t, 2, 0)
		require.NoError(t, cache.Put("k1", "v1"))
		require.NoError(t, cache.Put("k2", "v2"))
		// 读取不改变淘汰顺序
		_, _ = cache.Get("k1")
		require.NoError(t, cache.Put("k3", "v3"))

		_, ok := cache.Get("k1")
		assert.False(t, ok)
		_, ok = cache.Get("k2")
		assert.True(t, ok)
		_, ok = cache.Get("k3")
		assert.True(t, ok)
		assert.Equal(t, 2, cache.Len())
		assert.Equal(t, int64(1), cache.Stats().Evictions)
	})

	t.Run("覆盖写入刷新顺序和时间", func(t *testing.T) {
		cache, clock := newTestCache(t, 2, time.Minute)
		require.NoError(t, cache.Put("k1", "v1"))
		require.NoError(t, cache.Put("k2", "v2"))
		clock.Advance(50 * time.Second)
		require.NoError(t, cache.Put("k1", "v1-new"))
		assert.Equal(t, 2, cache.Len())

		require.NoError(t, cache.Put("k3", "v3"))
		_, ok := cache.Get("k2")
		assert.False(t, ok, "k1被覆盖之后k2是最早写入的")

		clock.Advance(20 * time.Second)
		v, ok := cache.Get("k1")
		assert.True(t, ok)
		assert.Equal(t, "v1-new", v)
	})

	t.Run("批量清理过期", func(t *testing.T) {
		cache, clock := newTestCache(t, 10, time.Minute)
		require.NoError(t, cache.Put("k1", "v1"))
		require.NoError(t, cache.Put("k2", "v2"))
		clock.Advance(30 * time.Second)
		require.NoError(t, cache.Put("k3", "v3"))
		clock.Advance(40 * time.Second)

		assert.Equal(t, 2, cache.CleanUp())
		assert.Equal(t, 1, cache.Len())
		assert.Equal(t, int64(2), cache.Stats().Expirations)
	})

	t.Run("删除和清空", func(t *testing.T) {
		cache, _ := newTestCache(t, 10, 0)
		require.NoError(t, cache.Put("k1", "v1"))
		require.NoError(t, cache.Put("k2", "v2"))
		assert.True(t, cache.Remove("k1"))
		assert.False(t, cache.Remove("k1"))
		cache.Purge()
		assert.Equal(t, 0, cache.Len())
	})
}
