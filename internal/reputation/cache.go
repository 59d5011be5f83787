package reputation

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedLookup remembers results of a slower Lookup
type CachedLookup struct {
	next  Lookup
	cache *lru.Cache[Indicator, Result]
}

// NewCachedLookup wraps next with an LRU of the given size
func NewCachedLookup(next Lookup, size int) (*CachedLookup, error) {
	cache, err := lru.New[Indicator, Result](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create reputation cache: %w", err)
	}
	return &CachedLookup{next: next, cache: cache}, nil
}

// Lookup answers from the cache and forwards only the misses
func (c *CachedLookup) Lookup(ctx context.Context, indicators []Indicator) ([]Result, error) {
	results := make([]Result, len(indicators))
	var missIdx []int
	var misses []Indicator
	for i, ind := range indicators {
		if r, ok := c.cache.Get(ind); ok {
			results[i] = r
			continue
		}
		missIdx = append(missIdx, i)
		misses = append(misses, ind)
	}
	if len(misses) == 0 {
		return results, nil
	}

	fetched, err := c.next.Lookup(ctx, misses)
	if err != nil {
		return nil, err
	}
	if len(fetched) != len(misses) {
		return nil, fmt.Errorf("reputation source returned %d results for %d indicators", len(fetched), len(misses))
	}
	for j, r := range fetched {
		c.cache.Add(misses[j], r)
		results[missIdx[j]] = r
	}
	return results, nil
}

// Len returns the number of cached results
func (c *CachedLookup) Len() int {
	return c.cache.Len()
}
