package db

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestUser(t *testing.T, s *MemoryStore, tenantID, username string) *User {
	t.Helper()
	u := &User{TenantID: tenantID, Username: username, Email: username + "@example.com", PasswordHash: "x", Active: true}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func TestMarkAuthorizationCodeUsedSingleWinner(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	code := &AuthorizationCode{TenantID: "t1", CodeHash: "h", ClientID: "c", ExpiresAt: time.Now().Add(time.Minute)}
	if err := s.CreateAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("create code: %v", err)
	}

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.MarkAuthorizationCodeUsed(ctx, "t1", code.ID, time.Now()); err == nil {
				atomic.AddInt32(&wins, 1)
			} else if err != ErrNotUpdated {
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("expected exactly one winner, got %d", wins)
	}
}

func TestUpdateLockStateRejectsStaleVersion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	u := newTestUser(t, s, "t1", "alice")

	if err := s.UpdateLockState(ctx, "t1", u.ID, u.Version, LockState{FailedLoginCount: 1}); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if err := s.UpdateLockState(ctx, "t1", u.ID, u.Version, LockState{FailedLoginCount: 1}); err != ErrConflict {
		t.Errorf("expected ErrConflict on stale version, got %v", err)
	}
	if err := s.UpdateLockState(ctx, "t2", u.ID, u.Version+1, LockState{}); err != ErrNotFound {
		t.Errorf("expected ErrNotFound across tenants, got %v", err)
	}

	got, _ := s.GetUserByID(ctx, "t1", u.ID)
	if got.FailedLoginCount != 1 || got.Version != u.Version+1 {
		t.Errorf("unexpected state count=%d version=%d", got.FailedLoginCount, got.Version)
	}
}

func TestRotateRefreshTokenOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	access := &AccessToken{TenantID: "t1", TokenHash: "a1", ExpiresAt: time.Now().Add(time.Minute)}
	refresh := &RefreshToken{TenantID: "t1", TokenHash: "r1", ExpiresAt: time.Now().Add(time.Hour)}
	if err := s.CreateTokenPair(ctx, access, refresh); err != nil {
		t.Fatalf("create pair: %v", err)
	}

	newPair := func(n string) (*AccessToken, *RefreshToken) {
		parent := refresh.ID
		return &AccessToken{TenantID: "t1", TokenHash: "a" + n, ExpiresAt: time.Now().Add(time.Minute)},
			&RefreshToken{TenantID: "t1", TokenHash: "r" + n, ParentID: &parent, ExpiresAt: time.Now().Add(time.Hour)}
	}

	a2, r2 := newPair("2")
	if err := s.RotateRefreshToken(ctx, "t1", refresh.ID, a2, r2, time.Now()); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	a3, r3 := newPair("3")
	if err := s.RotateRefreshToken(ctx, "t1", refresh.ID, a3, r3, time.Now()); err != ErrNotUpdated {
		t.Errorf("expected ErrNotUpdated on second rotation, got %v", err)
	}
	if _, err := s.GetRefreshToken(ctx, "t1", "r3"); err != ErrNotFound {
		t.Errorf("failed rotation must not write a pair, got %v", err)
	}

	old, _ := s.GetAccessTokenByID(ctx, "t1", access.ID)
	if !old.Revoked {
		t.Error("expected access sibling to be revoked by rotation")
	}
	children, _ := s.ListRefreshTokensByParent(ctx, "t1", refresh.ID)
	if len(children) != 1 || children[0].ID != r2.ID {
		t.Errorf("expected one child, got %d", len(children))
	}
}

func TestTenantIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newTestUser(t, s, "t1", "alice")

	if _, err := s.GetUserByLogin(ctx, "t2", "alice"); err != ErrNotFound {
		t.Errorf("expected user to be invisible in other tenant, got %v", err)
	}
	if _, err := s.GetUserByLogin(ctx, "t1", "ALICE@example.com"); err != nil {
		t.Errorf("expected case-insensitive email lookup, got %v", err)
	}
	newTestUser(t, s, "t2", "alice")

	if err := s.CreateClient(ctx, &Client{TenantID: "t1", ClientID: "app"}); err != nil {
		t.Fatalf("create client: %v", err)
	}
	if err := s.CreateClient(ctx, &Client{TenantID: "t1", ClientID: "app"}); err != ErrDuplicate {
		t.Errorf("expected duplicate, got %v", err)
	}
	if _, err := s.GetClient(ctx, "t2", "app"); err != ErrNotFound {
		t.Errorf("expected client hidden from t2, got %v", err)
	}
}

func TestRotateSessionRefreshConditional(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sess := &Session{TenantID: "t1", UserID: uuid.New(), RefreshHash: "h1", ExpiresAt: time.Now().Add(time.Hour)}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	if err := s.RotateSessionRefresh(ctx, "t1", sess.ID, "h1", "h2", time.Now()); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if err := s.RotateSessionRefresh(ctx, "t1", sess.ID, "h1", "h3", time.Now()); err != ErrNotUpdated {
		t.Errorf("expected ErrNotUpdated with stale hash, got %v", err)
	}
	if err := s.RotateSessionRefresh(ctx, "t1", sess.ID, "h2", "h3", time.Now()); err != nil {
		t.Fatalf("second rotate: %v", err)
	}
	for _, h := range []string{"h1", "h2"} {
		prev, err := s.GetSessionByRetiredRefreshHash(ctx, "t1", h)
		if err != nil || prev.ID != sess.ID {
			t.Errorf("expected lookup by retired hash %s, got %v", h, err)
		}
	}
	if _, err := s.GetSessionByRetiredRefreshHash(ctx, "t1", "h3"); err != ErrNotFound {
		t.Errorf("current hash must not be retired, got %v", err)
	}
	if _, err := s.GetSessionByRetiredRefreshHash(ctx, "t2", "h1"); err != ErrNotFound {
		t.Errorf("retired hash leaked across tenants, got %v", err)
	}
}

func TestFindLoginLogsFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	uid := uuid.New()
	now := time.Now()

	entries := []*LoginLog{
		{TenantID: "t1", UserID: &uid, IPAddress: "10.0.0.1", DeviceFingerprint: "fp1", Result: LoginSuccess, CreatedAt: now.Add(-3 * time.Hour)},
		{TenantID: "t1", UserID: &uid, IPAddress: "10.0.0.2", DeviceFingerprint: "fp2", Result: LoginFailed, CreatedAt: now.Add(-2 * time.Hour)},
		{TenantID: "t1", UserID: &uid, IPAddress: "10.0.0.2", DeviceFingerprint: "fp1", Result: LoginSuccess, Suspicious: true, CreatedAt: now.Add(-time.Hour)},
		{TenantID: "t2", UserID: &uid, IPAddress: "10.0.0.1", Result: LoginFailed, CreatedAt: now},
	}
	for _, e := range entries {
		if err := s.AppendLoginLog(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	byUser, _ := s.FindLoginLogs(ctx, LoginLogFilter{TenantID: "t1", UserID: &uid})
	if len(byUser) != 3 {
		t.Errorf("expected 3 rows for user in t1, got %d", len(byUser))
	}
	if !byUser[0].CreatedAt.After(byUser[1].CreatedAt) {
		t.Error("expected newest first")
	}

	byIP, _ := s.FindLoginLogs(ctx, LoginLogFilter{TenantID: "t1", UserID: &uid, IPAddress: "10.0.0.2"})
	if len(byIP) != 2 {
		t.Errorf("expected 2 rows by address, got %d", len(byIP))
	}

	byDevice, _ := s.FindLoginLogs(ctx, LoginLogFilter{TenantID: "t1", UserID: &uid, DeviceFingerprint: "fp1"})
	if len(byDevice) != 2 {
		t.Errorf("expected 2 rows by device, got %d", len(byDevice))
	}

	suspicious, _ := s.FindLoginLogs(ctx, LoginLogFilter{TenantID: "t1", SuspiciousOnly: true, Since: now.Add(-90 * time.Minute)})
	if len(suspicious) != 1 {
		t.Errorf("expected 1 suspicious row, got %d", len(suspicious))
	}

	n, _ := s.CountLoginFailuresSince(ctx, "t1", uid, now.Add(-24*time.Hour))
	if n != 1 {
		t.Errorf("expected 1 failure in t1, got %d", n)
	}

	deleted, _ := s.DeleteLoginLogsBefore(ctx, now.Add(-150*time.Minute))
	if deleted != 1 {
		t.Errorf("expected 1 row removed by retention, got %d", deleted)
	}
}

func TestDeleteExpiredTokensKeepsReferencedAccess(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	access := &AccessToken{TenantID: "t1", TokenHash: "a", ExpiresAt: past}
	refresh := &RefreshToken{TenantID: "t1", TokenHash: "r", ExpiresAt: time.Now().Add(time.Hour)}
	if err := s.CreateTokenPair(ctx, access, refresh); err != nil {
		t.Fatalf("create: %v", err)
	}
	orphan := &AccessToken{TenantID: "t1", TokenHash: "o", ExpiresAt: past}
	if err := s.CreateTokenPair(ctx, orphan, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	n, err := s.DeleteExpiredTokens(ctx, time.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("expected only the orphan to be removed, got %d", n)
	}
	if _, err := s.GetAccessTokenByID(ctx, "t1", access.ID); err != nil {
		t.Errorf("referenced access token should survive: %v", err)
	}
}

func TestHealthChecker(t *testing.T) {
	s := NewMemoryStore()
	if got := NewHealthChecker(s).CheckHealth(context.Background()); got.Status != StatusHealthy {
		t.Errorf("expected healthy, got %s", got.Status)
	}
	s.Close()
	if got := NewHealthChecker(s).CheckHealth(context.Background()); got.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy after close, got %s", got.Status)
	}
}
