package translator

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the number of remembered translations.
const DefaultCacheSize = 1024

type cacheKey struct {
	text   string
	source string
	target string
}

// Cache remembers successful translations of a Step. Misses are not
// cached so a recovering backend is retried.
type Cache struct {
	step    Step
	entries *lru.Cache[cacheKey, string]
}

// NewCache wraps step with a bounded LRU. A non-positive size selects
// DefaultCacheSize.
func NewCache(step Step, size int) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	// lru.New only fails for non-positive sizes.
	entries, _ := lru.New[cacheKey, string](size)
	return &Cache{step: step, entries: entries}
}

func (c *Cache) TryTranslate(ctx context.Context, text, source, target string) (string, bool) {
	key := cacheKey{text: text, source: primary(source), target: primary(target)}
	if translated, ok := c.entries.Get(key); ok {
		return translated, true
	}

	translated, ok := c.step.TryTranslate(ctx, text, source, target)
	if ok {
		c.entries.Add(key, translated)
	}
	return translated, ok
}

// Len reports how many translations are cached.
func (c *Cache) Len() int {
	return c.entries.Len()
}
