package forecast

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/lvonguyen/cost-optimizer/internal/normalizer"
)

// CacheKey identifies a cached forecast. Through is the last observed day, so
// forecasts of a truncated history never collide with the full one.
type CacheKey struct {
	Provider normalizer.Provider
	Service  string
	Horizon  int
	Through  time.Time
}

// Cache is a size- and time-bounded forecast cache. A nil Cache is disabled.
type Cache struct {
	lru *expirable.LRU[CacheKey, []Point]
}

// NewCache creates a cache holding at most size entries for ttl each.
// A non-positive size disables caching.
func NewCache(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		return nil
	}
	return &Cache{lru: expirable.NewLRU[CacheKey, []Point](size, nil, ttl)}
}

// Get returns a copy of the cached points
func (c *Cache) Get(key CacheKey) ([]Point, bool) {
	if c == nil {
		return nil, false
	}
	points, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return append([]Point(nil), points...), true
}

// Put stores a copy of points
func (c *Cache) Put(key CacheKey, points []Point) {
	if c == nil {
		return
	}
	c.lru.Add(key, append([]Point(nil), points...))
}

// Invalidate drops every horizon cached for the series and returns how many entries were removed
func (c *Cache) Invalidate(series normalizer.SeriesKey) int {
	if c == nil {
		return 0
	}
	removed := 0
	for _, key := range c.lru.Keys() {
		if key.Provider == series.Provider && key.Service == series.Service {
			if c.lru.Remove(key) {
				removed++
			}
		}
	}
	return removed
}

// Len returns the number of live entries
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}
