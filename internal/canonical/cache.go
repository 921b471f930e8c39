package canonical

import (
	"hash/fnv"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the bound from spec §4.2.
const DefaultCacheSize = 1000

// KeyCache amortizes repeated canonicalization of identical content. A miss
// always falls through to the caller's compute function. Entries are keyed
// on a 64-bit FNV-1a hash of the content, not the content itself; hashes
// collide only rarely in the target workload (near-identical messages),
// but on a collision Get returns the key computed for the other content,
// and the buffer uses it without re-checking, so the colliding message is
// grouped under that key.
type KeyCache struct {
	cache *lru.Cache[uint64, string]
}

// NewKeyCache builds a KeyCache bounded to size entries with LRU eviction.
func NewKeyCache(size int) *KeyCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, _ := lru.New[uint64, string](size)
	return &KeyCache{cache: c}
}

func hashContent(content string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(content))
	return h.Sum64()
}

// Get returns the cached canonical key for content, if present. Access
// counts as a use for LRU ordering (eldest-on-access eviction).
func (c *KeyCache) Get(content string) (string, bool) {
	return c.cache.Get(hashContent(content))
}

// Put inserts the canonical key computed for content.
func (c *KeyCache) Put(content, key string) {
	c.cache.Add(hashContent(content), key)
}

// Len reports the current number of cached entries.
func (c *KeyCache) Len() int {
	return c.cache.Len()
}
