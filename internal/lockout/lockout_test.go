package lockout

import (
	"context"
	"sync"
	"testing"
	"time"

	"authkernel/internal/apperrors"
	"authkernel/internal/db"
	"authkernel/internal/monitoring"
	"authkernel/internal/tenant"
)

func newTestUser(t *testing.T, store *db.MemoryStore, tenantID string) *db.User {
	t.Helper()
	u := &db.User{TenantID: tenantID, Username: "alice", PasswordHash: "x", Active: true}
	if err := store.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func TestTenFailuresLock(t *testing.T) {
	store := db.NewMemoryStore()
	m := NewManager(store, monitoring.NewService(), DefaultConfig())
	ctx := tenant.WithTenant(context.Background(), "tenant-1")
	u := newTestUser(t, store, "tenant-1")

	var err error
	for i := 1; i <= 10; i++ {
		u, err = m.RecordLoginFailure(ctx, u)
		if err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
		if (i < 10) == m.IsLocked(u) {
			t.Fatalf("failure %d: locked = %v", i, m.IsLocked(u))
		}
	}
	if u.LockReason != ReasonTooManyFailures || !u.LockedUntil.After(time.Now().Add(29*time.Minute)) {
		t.Errorf("expected a 30 minute lock, got %v %q", u.LockedUntil, u.LockReason)
	}
	if r := m.Remaining(u); r <= 0 || r > 30*time.Minute {
		t.Errorf("unexpected remaining %v", r)
	}

	stored, _ := store.GetUserByID(ctx, "tenant-1", u.ID)
	if stored.FailedLoginCount != 10 || stored.Version != u.Version {
		t.Errorf("stored row out of sync: %+v", stored)
	}
}

func TestExpiredLockIsUnlockedWithoutAction(t *testing.T) {
	store := db.NewMemoryStore()
	m := NewManager(store, nil, Config{Threshold: 2, Duration: time.Minute})
	ctx := tenant.WithTenant(context.Background(), "tenant-1")
	u := newTestUser(t, store, "tenant-1")

	u, _ = m.RecordLoginFailure(ctx, u)
	u, _ = m.RecordLoginFailure(ctx, u)
	if !m.IsLocked(u) {
		t.Fatal("expected lock")
	}

	later := time.Now().Add(2 * time.Minute)
	if IsLocked(u, later) || !ShouldAutoUnlock(u, later) {
		t.Error("lock in the past must read as unlocked and be eligible for auto-unlock")
	}

	n, err := m.AutoUnlockSweep(context.Background(), later)
	if err != nil || n != 1 {
		t.Fatalf("expected one auto-unlock, got %d %v", n, err)
	}
	stored, _ := store.GetUserByID(ctx, "tenant-1", u.ID)
	if stored.LockedUntil != nil || stored.LockReason != "" || stored.FailedLoginCount != 0 {
		t.Errorf("sweep must clear lock fields, got %+v", stored)
	}
}

func TestFailureAfterExpiredLockStartsOver(t *testing.T) {
	store := db.NewMemoryStore()
	m := NewManager(store, nil, DefaultConfig())
	ctx := tenant.WithTenant(context.Background(), "tenant-1")
	u := newTestUser(t, store, "tenant-1")

	var err error
	for i := 0; i < 10; i++ {
		if u, err = m.RecordLoginFailure(ctx, u); err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
	}
	if !m.IsLocked(u) {
		t.Fatal("expected lock after ten failures")
	}

	later := time.Now().Add(31 * time.Minute)
	m.now = func() time.Time { return later }
	u, err = m.RecordLoginFailure(ctx, u)
	if err != nil {
		t.Fatalf("failure after expiry: %v", err)
	}
	if m.IsLocked(u) {
		t.Errorf("one failure after an expired lock must not re-lock (count=%d)", u.FailedLoginCount)
	}
	if u.FailedLoginCount != 1 || u.LockReason != "" {
		t.Errorf("expected the counter to start over, got count=%d reason=%q", u.FailedLoginCount, u.LockReason)
	}

	for i := 0; i < 9; i++ {
		if u, err = m.RecordLoginFailure(ctx, u); err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
	}
	if !m.IsLocked(u) {
		t.Error("ten fresh failures must lock again")
	}
}

func TestStaleVersionIsRetried(t *testing.T) {
	store := db.NewMemoryStore()
	metrics := monitoring.NewService()
	m := NewManager(store, metrics, DefaultConfig())
	ctx := tenant.WithTenant(context.Background(), "tenant-1")
	stale := newTestUser(t, store, "tenant-1")

	if _, err := m.RecordLoginFailure(ctx, stale); err != nil {
		t.Fatalf("first: %v", err)
	}
	// same stale copy again: must re-read instead of overwriting
	out, err := m.RecordLoginFailure(ctx, stale)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if out.FailedLoginCount != 2 {
		t.Errorf("expected count 2 after retry, got %d", out.FailedLoginCount)
	}
	if metrics.Value(monitoring.LockoutConflicts) != 1 {
		t.Errorf("expected one recorded conflict, got %d", metrics.Value(monitoring.LockoutConflicts))
	}
}

func TestConcurrentFailuresAreNotLost(t *testing.T) {
	store := db.NewMemoryStore()
	const workers = 8
	m := NewManager(store, nil, Config{Threshold: 100, Duration: time.Minute, MaxRetries: workers})
	ctx := tenant.WithTenant(context.Background(), "tenant-1")
	u := newTestUser(t, store, "tenant-1")

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.RecordLoginFailure(ctx, u); err != nil {
				t.Errorf("record: %v", err)
			}
		}()
	}
	wg.Wait()

	stored, _ := store.GetUserByID(ctx, "tenant-1", u.ID)
	if stored.FailedLoginCount != workers {
		t.Errorf("expected %d failures, got %d", workers, stored.FailedLoginCount)
	}
}

func TestAdminLockAndUnlock(t *testing.T) {
	store := db.NewMemoryStore()
	m := NewManager(store, nil, DefaultConfig())
	ctx := tenant.WithTenant(context.Background(), "tenant-1")
	u := newTestUser(t, store, "tenant-1")

	locked, err := m.Lock(ctx, u.ID, time.Hour, "")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !m.IsLocked(locked) || locked.LockReason != ReasonAdmin {
		t.Errorf("unexpected lock state %+v", locked)
	}
	list, _ := m.ListLocked(ctx)
	if len(list) != 1 {
		t.Errorf("expected one locked user, got %d", len(list))
	}

	unlocked, err := m.Unlock(ctx, u.ID)
	if err != nil || m.IsLocked(unlocked) {
		t.Errorf("unlock failed: %+v %v", unlocked, err)
	}

	if _, err := m.Lock(ctx, u.ID, 0, ""); !apperrors.Is(err, apperrors.KindInvalidArgument) {
		t.Errorf("expected InvalidArgument for zero duration, got %v", err)
	}
	other := tenant.WithTenant(context.Background(), "tenant-2")
	if _, err := m.Unlock(other, u.ID); !apperrors.Is(err, apperrors.KindNotFound) {
		t.Errorf("expected NotFound across tenants, got %v", err)
	}
}

func TestClearLoginFailures(t *testing.T) {
	store := db.NewMemoryStore()
	m := NewManager(store, nil, DefaultConfig())
	ctx := tenant.WithTenant(context.Background(), "tenant-1")
	u := newTestUser(t, store, "tenant-1")

	u, _ = m.RecordLoginFailure(ctx, u)
	u, _ = m.RecordLoginFailure(ctx, u)
	cleared, err := m.ClearLoginFailures(ctx, u)
	if err != nil || cleared.FailedLoginCount != 0 || cleared.LastFailedLoginAt != nil {
		t.Errorf("clear failed: %+v %v", cleared, err)
	}
	again, err := m.ClearLoginFailures(ctx, cleared)
	if err != nil || again.Version != cleared.Version {
		t.Error("clearing a clean row must not write")
	}
}
