package auditlog

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"authkernel/internal/db"
	"authkernel/internal/tenant"
)

func TestAppendAndFind(t *testing.T) {
	store := db.NewMemoryStore()
	log := New(store, 0)
	ctx := tenant.WithTenant(context.Background(), "tenant-1")
	alice, bob := uuid.New(), uuid.New()

	entries := []Entry{
		{UserID: &alice, Username: "alice", IPAddress: "203.0.113.5", DeviceFingerprint: "fp-1", Result: db.LoginSuccess},
		{UserID: &alice, Username: "alice", IPAddress: "198.51.100.7", DeviceFingerprint: "fp-2", Result: db.LoginFailed, FailureReason: "invalid_password"},
		{UserID: &alice, Username: "alice", IPAddress: "198.51.100.7", DeviceFingerprint: "fp-2", Result: db.LoginSuccess, Suspicious: true, SuspiciousReason: "new device"},
		{UserID: &bob, Username: "bob", IPAddress: "203.0.113.5", Result: db.LoginFailed},
	}
	for _, e := range entries {
		if err := log.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	byUser, err := log.FindByUser(ctx, alice, 0)
	if err != nil || len(byUser) != 3 {
		t.Fatalf("expected 3 entries for alice, got %d %v", len(byUser), err)
	}
	byAddr, _ := log.FindByUserAndAddress(ctx, alice, "198.51.100.7", 0)
	if len(byAddr) != 2 {
		t.Errorf("expected 2 entries from address, got %d", len(byAddr))
	}
	byDevice, _ := log.FindByUserAndDeviceFingerprint(ctx, alice, "fp-1", 0)
	if len(byDevice) != 1 {
		t.Errorf("expected 1 entry for device, got %d", len(byDevice))
	}
	history, _ := log.SuccessHistory(ctx, alice, time.Now().Add(-time.Hour), 0)
	if len(history) != 2 {
		t.Errorf("expected 2 successful logins, got %d", len(history))
	}
	suspicious, _ := log.FindSuspiciousSince(ctx, time.Now().Add(-time.Hour), 0)
	if len(suspicious) != 1 || suspicious[0].SuspiciousReason != "new device" {
		t.Errorf("unexpected suspicious entries %+v", suspicious)
	}
	failures, _ := log.CountFailuresSince(ctx, alice, time.Now().Add(-time.Hour))
	if failures != 1 {
		t.Errorf("expected 1 failure, got %d", failures)
	}

	other := tenant.WithTenant(context.Background(), "tenant-2")
	if got, _ := log.FindByUser(other, alice, 0); len(got) != 0 {
		t.Error("entries leaked across tenants")
	}
}

func TestSweepRetention(t *testing.T) {
	store := db.NewMemoryStore()
	log := New(store, 90*24*time.Hour)
	ctx := tenant.WithTenant(context.Background(), "tenant-1")
	user := uuid.New()

	log.now = func() time.Time { return time.Now().Add(-100 * 24 * time.Hour) }
	if err := log.Append(ctx, Entry{UserID: &user, Result: db.LoginSuccess}); err != nil {
		t.Fatalf("append: %v", err)
	}
	log.now = time.Now
	if err := log.Append(ctx, Entry{UserID: &user, Result: db.LoginSuccess}); err != nil {
		t.Fatalf("append: %v", err)
	}

	n, err := log.Sweep(ctx, time.Now())
	if err != nil || n != 1 {
		t.Errorf("expected one entry removed, got %d %v", n, err)
	}
	if got, _ := log.FindByUser(ctx, user, 0); len(got) != 1 {
		t.Errorf("expected the recent entry to survive, got %d", len(got))
	}
}

func TestAppendRequiresTenant(t *testing.T) {
	log := New(db.NewMemoryStore(), 0)
	if err := log.Append(context.Background(), Entry{Result: db.LoginFailed}); err == nil {
		t.Error("expected missing tenant to be rejected")
	}
}
