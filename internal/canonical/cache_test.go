package canonical

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyCacheMissThenHit(t *testing.T) {
	c := NewKeyCache(10)

	_, ok := c.Get(`{"a":1}`)
	assert.False(t, ok)

	c.Put(`{"a":1}`, "canon-key")
	got, ok := c.Get(`{"a":1}`)
	require.True(t, ok)
	assert.Equal(t, "canon-key", got)
}

func TestKeyCacheEvictsLRU(t *testing.T) {
	c := NewKeyCache(2)
	c.Put("a", "ka")
	c.Put("b", "kb")
	// Touch "a" so "b" becomes the eldest.
	_, _ = c.Get("a")
	c.Put("c", "kc")

	_, ok := c.Get("b")
	assert.False(t, ok, "b should have been evicted as the least recently used entry")

	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestKeyCacheZeroSizeFallsBackToDefault(t *testing.T) {
	c := NewKeyCache(0)
	for i := 0; i < DefaultCacheSize+10; i++ {
		c.Put(fmt.Sprintf("content-%d", i), fmt.Sprintf("key-%d", i))
	}
	assert.LessOrEqual(t, c.Len(), DefaultCacheSize)
}
