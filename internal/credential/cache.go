package credential

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roach88/nebula/internal/clock"
)

const cacheShards = 16

type cached struct {
	tok     AccessToken
	expires time.Time
}

type cacheShard struct {
	mu  sync.Mutex
	lru *lru.Cache[string, cached]
}

// MemoryCache is a sharded LRU token cache. An entry lives until its TTL or
// its token's expiry, whichever comes first.
type MemoryCache struct {
	shards [cacheShards]*cacheShard
	clk    clock.Clock

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	expired   atomic.Uint64
}

// NewMemoryCache creates a cache holding up to capacity tokens in total.
func NewMemoryCache(capacity int, clk clock.Clock) *MemoryCache {
	per := capacity / cacheShards
	if per < 1 {
		per = 1
	}
	c := &MemoryCache{clk: clock.OrDefault(clk)}
	for i := range c.shards {
		l, err := lru.New[string, cached](per)
		if err != nil {
			panic(err) // only for non-positive sizes
		}
		c.shards[i] = &cacheShard{lru: l}
	}
	return c
}

func (c *MemoryCache) shard(key string) *cacheShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%cacheShards]
}

// Get implements Cache. The returned token is a copy.
func (c *MemoryCache) Get(_ context.Context, key string) (AccessToken, bool, error) {
	s := c.shard(key)
	now := c.clk.Now()
	s.mu.Lock()
	e, ok := s.lru.Get(key)
	if ok && (!now.Before(e.expires) || e.tok.Expired(now)) {
		s.lru.Remove(key)
		c.expired.Add(1)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		c.misses.Add(1)
		return AccessToken{}, false, nil
	}
	c.hits.Add(1)
	return e.tok.Clone(), true, nil
}

// Put implements Cache. A token that is already expired is not stored.
func (c *MemoryCache) Put(_ context.Context, key string, tok AccessToken, ttl time.Duration) error {
	now := c.clk.Now()
	expires := now.Add(ttl)
	if tok.ExpiresAt != nil && tok.ExpiresAt.Before(expires) {
		expires = *tok.ExpiresAt
	}
	if !now.Before(expires) {
		return nil
	}
	s := c.shard(key)
	s.mu.Lock()
	evicted := s.lru.Add(key, cached{tok: tok.Clone(), expires: expires})
	s.mu.Unlock()
	if evicted {
		c.evictions.Add(1)
	}
	return nil
}

// Delete implements Cache.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	s := c.shard(key)
	s.mu.Lock()
	s.lru.Remove(key)
	s.mu.Unlock()
	return nil
}

// Clear implements Cache.
func (c *MemoryCache) Clear(context.Context) error {
	for _, s := range c.shards {
		s.mu.Lock()
		s.lru.Purge()
		s.mu.Unlock()
	}
	return nil
}

// Stats implements Cache.
func (c *MemoryCache) Stats() CacheStats {
	st := CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Expired:   c.expired.Load(),
	}
	for _, s := range c.shards {
		st.Size += s.lru.Len()
	}
	return st
}
