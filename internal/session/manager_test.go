package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"authkernel/internal/apperrors"
	"authkernel/internal/auditlog"
	"authkernel/internal/db"
	"authkernel/internal/tenant"
)

func newTestManager(t *testing.T) (*Manager, *auditlog.Log, context.Context) {
	t.Helper()
	store := db.NewMemoryStore()
	audit := auditlog.New(store, 0)
	return NewManager(store, audit, nil, time.Hour), audit, tenant.WithTenant(context.Background(), "tenant-1")
}

func TestCreateValidateRotate(t *testing.T) {
	m, _, ctx := newTestManager(t)
	user := uuid.New()

	created, err := m.Create(ctx, user, DeviceInfo{Name: "laptop", UserAgent: "Mozilla/5.0", IPAddress: "203.0.113.5"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Session.RefreshHash == created.RefreshToken {
		t.Fatal("refresh credential must be stored hashed")
	}
	if _, err := m.Validate(ctx, created.RefreshToken); err != nil {
		t.Fatalf("validate: %v", err)
	}

	rotated, err := m.Rotate(ctx, created.RefreshToken)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.Session.ID != created.Session.ID {
		t.Error("rotation keeps the session")
	}
	if _, err := m.Validate(ctx, created.RefreshToken); !apperrors.Is(err, apperrors.KindUnauthenticated) {
		t.Errorf("old credential must stop validating, got %v", err)
	}
	if _, err := m.Validate(ctx, rotated.RefreshToken); err != nil {
		t.Errorf("new credential should validate: %v", err)
	}
}

func TestRotateReplayRevokesSession(t *testing.T) {
	m, audit, ctx := newTestManager(t)
	user := uuid.New()
	created, _ := m.Create(ctx, user, DeviceInfo{})
	rotated, err := m.Rotate(ctx, created.RefreshToken)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}

	if _, err := m.Rotate(ctx, created.RefreshToken); !apperrors.Is(err, apperrors.KindUnauthenticated) {
		t.Errorf("expected Unauthenticated on replay, got %v", err)
	}
	if _, err := m.Validate(ctx, rotated.RefreshToken); err == nil {
		t.Error("replay must revoke the session")
	}
	entries, _ := audit.FindByUser(ctx, user, 0)
	if len(entries) != 1 || entries[0].Result != db.SessionRevoked || entries[0].FailureReason != ReasonReplay {
		t.Errorf("expected a replay audit entry, got %+v", entries)
	}
}

func TestReplayOfOlderRotationRevokesSession(t *testing.T) {
	m, _, ctx := newTestManager(t)
	created, _ := m.Create(ctx, uuid.New(), DeviceInfo{})

	credentials := []string{created.RefreshToken}
	current := created.RefreshToken
	for i := 0; i < 3; i++ {
		rotated, err := m.Rotate(ctx, current)
		if err != nil {
			t.Fatalf("rotate %d: %v", i, err)
		}
		current = rotated.RefreshToken
		credentials = append(credentials, current)
	}

	if _, err := m.Rotate(ctx, credentials[0]); !apperrors.Is(err, apperrors.KindUnauthenticated) {
		t.Errorf("expected Unauthenticated on replay, got %v", err)
	}
	if _, err := m.Validate(ctx, current); err == nil {
		t.Error("replaying a credential three rotations old must revoke the session")
	}
	s, err := m.Get(ctx, created.Session.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !s.Revoked || s.RevokeReason != ReasonReplay {
		t.Errorf("expected revoked with %q, got revoked=%v reason=%q", ReasonReplay, s.Revoked, s.RevokeReason)
	}
}

func TestConcurrentRotateSingleWinner(t *testing.T) {
	m, _, ctx := newTestManager(t)
	created, _ := m.Create(ctx, uuid.New(), DeviceInfo{})

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Rotate(ctx, created.RefreshToken); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one rotation, got %d", wins)
	}
	s, _ := m.Get(ctx, created.Session.ID)
	if !s.Revoked {
		t.Error("the losing rotations present a retired credential and must revoke the session")
	}
}

func TestRevokeOneAndAll(t *testing.T) {
	m, audit, ctx := newTestManager(t)
	alice, mallory := uuid.New(), uuid.New()
	s1, _ := m.Create(ctx, alice, DeviceInfo{Name: "phone"})
	s2, _ := m.Create(ctx, alice, DeviceInfo{Name: "laptop"})
	s3, _ := m.Create(ctx, alice, DeviceInfo{Name: "tablet"})

	if err := m.RevokeOne(ctx, mallory, s1.Session.ID, ReasonUserRevoked); !apperrors.Is(err, apperrors.KindNotFound) {
		t.Errorf("revoking another user's session must look like NotFound, got %v", err)
	}
	if err := m.RevokeOne(ctx, alice, s1.Session.ID, ReasonUserRevoked); err != nil {
		t.Fatalf("revoke one: %v", err)
	}
	active, _ := m.ListActive(ctx, alice)
	if len(active) != 2 {
		t.Errorf("expected 2 active sessions, got %d", len(active))
	}

	n, err := m.RevokeAll(ctx, alice, ReasonLogoutAll)
	if err != nil || n != 2 {
		t.Errorf("expected 2 revoked, got %d %v", n, err)
	}
	for _, c := range []*Created{s2, s3} {
		if _, err := m.Validate(ctx, c.RefreshToken); err == nil {
			t.Error("session still valid after revoke all")
		}
	}

	entries, _ := audit.FindByUser(ctx, alice, 0)
	if len(entries) != 2 {
		t.Errorf("expected audit entries for both revocations, got %d", len(entries))
	}
}

func TestExpiryAndSweep(t *testing.T) {
	m, _, ctx := newTestManager(t)
	created, _ := m.Create(ctx, uuid.New(), DeviceInfo{})

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := m.Validate(ctx, created.RefreshToken); !apperrors.Is(err, apperrors.KindUnauthenticated) {
		t.Errorf("expired session must not validate, got %v", err)
	}
	if _, err := m.Rotate(ctx, created.RefreshToken); err == nil {
		t.Error("expired session must not rotate")
	}
	n, err := m.Sweep(ctx, time.Now().Add(2*time.Hour))
	if err != nil || n != 1 {
		t.Errorf("expected one swept session, got %d %v", n, err)
	}
}

func TestSessionsAreTenantScoped(t *testing.T) {
	m, _, ctx := newTestManager(t)
	created, _ := m.Create(ctx, uuid.New(), DeviceInfo{})
	other := tenant.WithTenant(context.Background(), "tenant-2")
	if _, err := m.Validate(other, created.RefreshToken); err == nil {
		t.Error("session must not validate in another tenant")
	}
	if _, err := m.Get(other, created.Session.ID); !apperrors.Is(err, apperrors.KindNotFound) {
		t.Errorf("expected NotFound across tenants, got %v", err)
	}
}
