package embedding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vec(v float32) []float32 { return []float32{v, v, v} }

func TestCacheFIFOEviction(t *testing.T) {
	c := NewCache(2, nil)
	c.Put("a", vec(1))
	c.Put("b", vec(2))
	c.Put("c", vec(3))

	_, ok := c.Get("a")
	assert.False(t, ok, "oldest insertion must be evicted first")
	_, ok = c.Get("b")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestCacheReadsDoNotReorder(t *testing.T) {
	c := NewCache(2, nil)
	c.Put("a", vec(1))
	c.Put("b", vec(2))

	// Heavy reads on "a" must not save it: insertion order decides eviction.
	for i := 0; i < 10; i++ {
		_, ok := c.Get("a")
		require.True(t, ok)
	}

	c.Put("c", vec(3))
	_, ok := c.Get("a")
	assert.False(t, ok, "reads must not affect FIFO order")
	_, ok = c.Get("b")
	assert.True(t, ok)
}

func TestCacheRePutIsNoOp(t *testing.T) {
	c := NewCache(2, nil)
	c.Put("a", vec(1))
	c.Put("b", vec(2))
	c.Put("a", vec(9)) // must not refresh "a"'s position or value

	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, vec(1), got)

	c.Put("c", vec(3))
	_, ok = c.Get("a")
	assert.False(t, ok, "re-put must not move an entry to the back")
}

func TestCacheStats(t *testing.T) {
	c := NewCache(10, nil)
	c.Put("a", vec(1))
	c.Get("a")
	c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, 1, stats["size"])
	assert.Equal(t, int64(1), stats["hits"])
	assert.Equal(t, int64(1), stats["misses"])
}

func TestCacheHasDoesNotCount(t *testing.T) {
	c := NewCache(10, nil)
	c.Put("a", vec(1))
	c.Has("a")
	c.Has("missing")

	stats := c.Stats()
	assert.Equal(t, int64(0), stats["hits"])
	assert.Equal(t, int64(0), stats["misses"])
}

func TestCacheKeyIncludesInputType(t *testing.T) {
	assert.NotEqual(t,
		CacheKey("hello", InputTypeDocument),
		CacheKey("hello", InputTypeQuery))
}

func TestValidVector(t *testing.T) {
	dims := 10
	valid := make([]float32, dims)
	for i := range valid {
		valid[i] = 0.3
	}
	assert.True(t, ValidVector(valid, dims))

	assert.False(t, ValidVector(make([]float32, dims), dims), "all-zero vectors are invalid")
	assert.False(t, ValidVector(valid[:5], dims), "wrong width is invalid")

	// Exactly 10% non-zero is still too sparse.
	sparse := make([]float32, dims)
	sparse[0] = 1
	assert.False(t, ValidVector(sparse, dims))
	sparse[1] = 1
	assert.True(t, ValidVector(sparse, dims))
}
