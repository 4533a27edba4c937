package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"authkernel/internal/db"
)

type memoryEntry struct {
	value     interface{}
	expiresAt time.Time
}

// MemoryCache is a single-process Cache for tests and REDIS_ENABLED=false.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time

	hits   int64
	misses int64
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) get(key string, remove bool) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if ok && !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		ok = false
	}
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	if remove {
		delete(c.entries, key)
	}
	atomic.AddInt64(&c.hits, 1)
	return e.value, true
}

func (c *MemoryCache) set(key string, v interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := memoryEntry{value: v}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.entries[key] = e
}

func (c *MemoryCache) GetClient(_ context.Context, tenantID, clientID string) (*db.Client, error) {
	v, ok := c.get(clientKey(tenantID, clientID), false)
	if !ok {
		return nil, ErrCacheMiss
	}
	cp := v.(db.Client)
	return &cp, nil
}

func (c *MemoryCache) SetClient(_ context.Context, client *db.Client, ttl time.Duration) error {
	c.set(clientKey(client.TenantID, client.ClientID), *client, ttl)
	return nil
}

func (c *MemoryCache) InvalidateClient(_ context.Context, tenantID, clientID string) error {
	c.mu.Lock()
	delete(c.entries, clientKey(tenantID, clientID))
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) PutPendingLogin(_ context.Context, pending *PendingLogin, ttl time.Duration) error {
	c.set(pendingKey(pending.TenantID, pending.ID), *pending, ttl)
	return nil
}

func (c *MemoryCache) TakePendingLogin(_ context.Context, tenantID, id string) (*PendingLogin, error) {
	v, ok := c.get(pendingKey(tenantID, id), true)
	if !ok {
		return nil, ErrCacheMiss
	}
	p := v.(PendingLogin)
	return &p, nil
}

func (c *MemoryCache) Ping(context.Context) error { return nil }
func (c *MemoryCache) Close() error               { return nil }

func (c *MemoryCache) GetStats() CacheStats {
	return CacheStats{
		Hits:   atomic.LoadInt64(&c.hits),
		Misses: atomic.LoadInt64(&c.misses),
	}
}
