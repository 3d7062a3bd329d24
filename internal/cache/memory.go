package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"agent-js-sandbox/internal/sandbox"
)

// MemoryCache is a process-local cache with TTL and a size bound. When full,
// the least recently used entry is evicted.
type MemoryCache struct {
	lru *expirable.LRU[string, *sandbox.Result]
}

func NewMemoryCache(ttl time.Duration, maxEntries int) *MemoryCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if maxEntries < 1 {
		maxEntries = 1024
	}
	return &MemoryCache{lru: expirable.NewLRU[string, *sandbox.Result](maxEntries, nil, ttl)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*sandbox.Result, error) {
	res, ok := c.lru.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	return cloneResult(res), nil
}

func (c *MemoryCache) Set(_ context.Context, key string, res *sandbox.Result) error {
	if !Cacheable(res) {
		return nil
	}
	c.lru.Add(key, cloneResult(res))
	return nil
}

func (c *MemoryCache) Len() int {
	return c.lru.Len()
}

func (c *MemoryCache) Close() error {
	c.lru.Purge()
	return nil
}

func cloneResult(res *sandbox.Result) *sandbox.Result {
	out := *res
	out.ReturnedValue = append([]byte(nil), res.ReturnedValue...)
	out.ConsoleOutput = append([]string(nil), res.ConsoleOutput...)
	if res.Stats != nil {
		stats := *res.Stats
		out.Stats = &stats
	}
	return &out
}
