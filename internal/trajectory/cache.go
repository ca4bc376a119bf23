package trajectory

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultCacheTTL bounds how long a generated sequence is reused.
const DefaultCacheTTL = time.Hour

// Cache memoises generated waypoint sequences by request. Previews and the
// pattern that is subsequently flown share one generation.
type Cache struct {
	lru *expirable.LRU[Request, []Waypoint]
}

// NewCache returns a cache holding up to size sequences. size <= 0 disables
// caching; Generate then always regenerates.
func NewCache(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		return &Cache{}
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{lru: expirable.NewLRU[Request, []Waypoint](size, nil, ttl)}
}

// Generate returns the waypoint sequence for r, from cache when possible.
// The returned slice is the caller's to modify.
func (c *Cache) Generate(r Request) ([]Waypoint, error) {
	if c == nil || c.lru == nil {
		return Generate(r)
	}
	if wps, ok := c.lru.Get(r); ok {
		return clone(wps), nil
	}
	wps, err := Generate(r)
	if err != nil {
		return nil, err
	}
	c.lru.Add(r, wps)
	return clone(wps), nil
}

// Len reports the number of cached sequences.
func (c *Cache) Len() int {
	if c == nil || c.lru == nil {
		return 0
	}
	return c.lru.Len()
}

func clone(wps []Waypoint) []Waypoint {
	out := make([]Waypoint, len(wps))
	copy(out, wps)
	return out
}
