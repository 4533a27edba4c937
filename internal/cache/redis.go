package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"authkernel/internal/db"
)

// RedisClient defines the interface for Redis operations needed by the cache
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	GetDel(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisCache implements Cache on Redis.
type RedisCache struct {
	client RedisClient
	hits   int64
	misses int64
	errors int64
}

func NewRedisCache(client RedisClient) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) getJSON(ctx context.Context, cmd *redis.StringCmd, out interface{}, what string) error {
	data, err := cmd.Bytes()
	if err == redis.Nil {
		atomic.AddInt64(&c.misses, 1)
		return ErrCacheMiss
	}
	if err != nil {
		atomic.AddInt64(&c.errors, 1)
		return &CacheError{Message: "failed to get " + what + " from cache", Err: err}
	}
	if err := json.Unmarshal(data, out); err != nil {
		atomic.AddInt64(&c.errors, 1)
		return &CacheError{Message: "failed to unmarshal " + what, Err: err}
	}
	atomic.AddInt64(&c.hits, 1)
	return nil
}

func (c *RedisCache) setJSON(ctx context.Context, key string, v interface{}, ttl time.Duration, what string) error {
	data, err := json.Marshal(v)
	if err != nil {
		atomic.AddInt64(&c.errors, 1)
		return &CacheError{Message: "failed to marshal " + what, Err: err}
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		atomic.AddInt64(&c.errors, 1)
		return &CacheError{Message: "failed to set " + what + " in cache", Err: err}
	}
	return nil
}

func (c *RedisCache) GetClient(ctx context.Context, tenantID, clientID string) (*db.Client, error) {
	entry := clientEntry{Client: &db.Client{}}
	if err := c.getJSON(ctx, c.client.Get(ctx, clientKey(tenantID, clientID)), &entry, "client"); err != nil {
		return nil, err
	}
	entry.Client.SecretHash = entry.SecretHash
	return entry.Client, nil
}

func (c *RedisCache) SetClient(ctx context.Context, client *db.Client, ttl time.Duration) error {
	entry := clientEntry{Client: client, SecretHash: client.SecretHash}
	return c.setJSON(ctx, clientKey(client.TenantID, client.ClientID), entry, ttl, "client")
}

func (c *RedisCache) InvalidateClient(ctx context.Context, tenantID, clientID string) error {
	if err := c.client.Del(ctx, clientKey(tenantID, clientID)).Err(); err != nil {
		atomic.AddInt64(&c.errors, 1)
		return &CacheError{Message: "failed to invalidate client", Err: err}
	}
	return nil
}

func (c *RedisCache) PutPendingLogin(ctx context.Context, pending *PendingLogin, ttl time.Duration) error {
	return c.setJSON(ctx, pendingKey(pending.TenantID, pending.ID), pending, ttl, "pending login")
}

func (c *RedisCache) TakePendingLogin(ctx context.Context, tenantID, id string) (*PendingLogin, error) {
	var pending PendingLogin
	if err := c.getJSON(ctx, c.client.GetDel(ctx, pendingKey(tenantID, id)), &pending, "pending login"); err != nil {
		return nil, err
	}
	return &pending, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return &CacheError{Message: "redis ping failed", Err: err}
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) GetStats() CacheStats {
	return CacheStats{
		Hits:   atomic.LoadInt64(&c.hits),
		Misses: atomic.LoadInt64(&c.misses),
		Errors: atomic.LoadInt64(&c.errors),
	}
}
