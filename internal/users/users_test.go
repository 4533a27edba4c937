package users

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"authkernel/internal/apperrors"
	"authkernel/internal/db"
	isecurity "authkernel/internal/security"
	"authkernel/internal/tenant"
	"authkernel/pkg/security"
)

func newService(t *testing.T, pwned *isecurity.PwnedPasswordChecker) (*Service, context.Context) {
	t.Helper()
	return NewService(db.NewMemoryStore(), security.NewHasher(4), pwned, DefaultPasswordPolicy()),
		tenant.WithTenant(context.Background(), "tenant-1")
}

func TestPasswordPolicy(t *testing.T) {
	p := DefaultPasswordPolicy()
	tests := []struct {
		password string
		ok       bool
	}{
		{"Sh0rt!", false},
		{"alllowercaseletters", false},
		{"Alice-Password-2026", false},
		{"Blue-Otter-Rides-42", true},
		{"correct horse Battery", true},
		{string(make([]byte, 80)), false},
	}
	for _, tt := range tests {
		err := p.Validate("alice", tt.password)
		if (err == nil) != tt.ok {
			t.Errorf("%q: ok=%v err=%v", tt.password, tt.ok, err)
		}
	}
}

func TestCreateAndGet(t *testing.T) {
	svc, ctx := newService(t, nil)

	u, err := svc.Create(ctx, CreateRequest{Username: "alice", Email: "alice@example.com", Password: "Blue-Otter-Rides-42"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if u.PasswordHash == "Blue-Otter-Rides-42" || !u.Active || u.TenantID != "tenant-1" {
		t.Errorf("unexpected user: %+v", u)
	}
	got, err := svc.Get(ctx, u.ID)
	if err != nil || got.Username != "alice" {
		t.Fatalf("get: %+v %v", got, err)
	}

	if _, err := svc.Create(ctx, CreateRequest{Username: "ALICE", Password: "Blue-Otter-Rides-42"}); !apperrors.Is(err, apperrors.KindAlreadyExists) {
		t.Errorf("expected AlreadyExists, got %v", err)
	}
	other := tenant.WithTenant(context.Background(), "tenant-2")
	if _, err := svc.Get(other, u.ID); !apperrors.Is(err, apperrors.KindNotFound) {
		t.Errorf("user must be invisible to other tenants, got %v", err)
	}
	if _, err := svc.Get(ctx, uuid.New()); !apperrors.Is(err, apperrors.KindNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, ctx := newService(t, nil)
	for _, req := range []CreateRequest{
		{Username: "", Password: "Blue-Otter-Rides-42"},
		{Username: "a b", Password: "Blue-Otter-Rides-42"},
		{Username: "bob", Email: "not-an-email", Password: "Blue-Otter-Rides-42"},
		{Username: "bob", Password: "weak"},
	} {
		if _, err := svc.Create(ctx, req); !apperrors.Is(err, apperrors.KindInvalidArgument) {
			t.Errorf("%+v: expected InvalidArgument, got %v", req, err)
		}
	}
}

func TestCreateRejectsBreachedPassword(t *testing.T) {
	breached := "Summer-Holiday-2024"
	sum := sha1.Sum([]byte(breached))
	suffix := strings.ToUpper(hex.EncodeToString(sum[:]))[5:]
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(suffix + ":52\r\n"))
	}))
	defer srv.Close()

	checker := isecurity.NewPwnedPasswordChecker(true, time.Second, true).WithBaseURL(srv.URL)
	svc, ctx := newService(t, checker)
	if _, err := svc.Create(ctx, CreateRequest{Username: "bob", Password: breached}); !apperrors.Is(err, apperrors.KindInvalidArgument) {
		t.Fatalf("breached password accepted: %v", err)
	}
	if _, err := svc.Create(ctx, CreateRequest{Username: "bob", Password: "Blue-Otter-Rides-42"}); err != nil {
		t.Fatalf("clean password rejected: %v", err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()
	closed := isecurity.NewPwnedPasswordChecker(true, time.Second, false).WithBaseURL(down.URL)
	svc, ctx = newService(t, closed)
	if _, err := svc.Create(ctx, CreateRequest{Username: "carol", Password: "Blue-Otter-Rides-42"}); !apperrors.Is(err, apperrors.KindInternal) {
		t.Errorf("fail-closed checker must refuse, got %v", err)
	}
}
