package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"authkernel/internal/db"
)

func newTestRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCache(client), mr
}

func testClient() *db.Client {
	return &db.Client{
		ID:             uuid.New(),
		TenantID:       "tenant-1",
		ClientID:       "web-app",
		Name:           "Web",
		SecretHash:     "$2a$04$hash",
		Type:           db.ClientConfidential,
		GrantTypes:     []string{db.GrantAuthorizationCode},
		RedirectURIs:   []string{"https://app.example.com/cb"},
		Scopes:         []string{"read"},
		AccessTokenTTL: 15 * time.Minute,
		Active:         true,
	}
}

func TestRedisCacheClientRoundTrip(t *testing.T) {
	c, _ := newTestRedisCache(t)
	ctx := context.Background()

	if _, err := c.GetClient(ctx, "tenant-1", "web-app"); !IsCacheMiss(err) {
		t.Fatalf("expected miss, got %v", err)
	}
	if err := c.SetClient(ctx, testClient(), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := c.GetClient(ctx, "tenant-1", "web-app")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SecretHash != "$2a$04$hash" {
		t.Errorf("secret hash must survive the cache, got %q", got.SecretHash)
	}
	if got.AccessTokenTTL != 15*time.Minute {
		t.Errorf("unexpected ttl %v", got.AccessTokenTTL)
	}
	if _, err := c.GetClient(ctx, "tenant-2", "web-app"); !IsCacheMiss(err) {
		t.Errorf("client must not leak across tenants, got %v", err)
	}

	if err := c.InvalidateClient(ctx, "tenant-1", "web-app"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := c.GetClient(ctx, "tenant-1", "web-app"); !IsCacheMiss(err) {
		t.Errorf("expected miss after invalidate, got %v", err)
	}

	stats := c.GetStats()
	if stats.Hits != 1 || stats.Misses != 3 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestRedisCachePendingLoginIsSingleUse(t *testing.T) {
	c, mr := newTestRedisCache(t)
	ctx := context.Background()
	pending := &PendingLogin{ID: "p1", TenantID: "tenant-1", UserID: uuid.New(), Username: "alice"}

	if err := c.PutPendingLogin(ctx, pending, 5*time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := c.TakePendingLogin(ctx, "tenant-1", "p1")
	if err != nil || got.UserID != pending.UserID {
		t.Fatalf("take: %v", err)
	}
	if _, err := c.TakePendingLogin(ctx, "tenant-1", "p1"); !IsCacheMiss(err) {
		t.Errorf("second take should miss, got %v", err)
	}

	if err := c.PutPendingLogin(ctx, pending, 5*time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	mr.FastForward(6 * time.Minute)
	if _, err := c.TakePendingLogin(ctx, "tenant-1", "p1"); !IsCacheMiss(err) {
		t.Errorf("expired pending login should miss, got %v", err)
	}
}

func TestRedisCacheUnavailable(t *testing.T) {
	c, mr := newTestRedisCache(t)
	mr.Close()

	_, err := c.GetClient(context.Background(), "tenant-1", "web-app")
	if err == nil || IsCacheMiss(err) {
		t.Errorf("expected a cache error, got %v", err)
	}
	if c.Ping(context.Background()) == nil {
		t.Error("expected ping to fail")
	}
	if c.GetStats().Errors == 0 {
		t.Error("expected error counter to move")
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache()
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	if err := c.SetClient(ctx, testClient(), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := c.GetClient(ctx, "tenant-1", "web-app"); err != nil {
		t.Fatalf("get: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := c.GetClient(ctx, "tenant-1", "web-app"); !IsCacheMiss(err) {
		t.Errorf("expected expiry, got %v", err)
	}

	_ = c.PutPendingLogin(ctx, &PendingLogin{ID: "p", TenantID: "tenant-1"}, time.Minute)
	if _, err := c.TakePendingLogin(ctx, "tenant-1", "p"); err != nil {
		t.Errorf("take: %v", err)
	}
	if _, err := c.TakePendingLogin(ctx, "tenant-1", "p"); !IsCacheMiss(err) {
		t.Errorf("second take should miss, got %v", err)
	}
}
