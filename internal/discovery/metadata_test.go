package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"authkernel/internal/scopes"
	"authkernel/internal/tenant"
)

func TestDocumentUsesTenantScopes(t *testing.T) {
	reg := scopes.NewRegistry([]string{"openid", "read"})
	if err := reg.SetTenantScopes("tenant-b", []string{"openid", "billing"}); err != nil {
		t.Fatalf("set scopes: %v", err)
	}
	svc := NewService("authkernel", "https://auth.example.com/", reg)

	a := svc.Document("tenant-a")
	b := svc.Document("tenant-b")
	if a.TokenEndpoint != "https://auth.example.com/token" {
		t.Errorf("token endpoint %q", a.TokenEndpoint)
	}
	if len(a.ScopesSupported) != 2 || a.ScopesSupported[1] != "read" {
		t.Errorf("tenant-a scopes %v", a.ScopesSupported)
	}
	if len(b.ScopesSupported) != 2 || b.ScopesSupported[0] != "billing" {
		t.Errorf("tenant-b scopes %v", b.ScopesSupported)
	}
}

func TestServeRequiresTenant(t *testing.T) {
	svc := NewService("authkernel", "https://auth.example.com", scopes.NewRegistry([]string{"openid"}))

	rec := httptest.NewRecorder()
	svc.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))
	if rec.Code == http.StatusOK {
		t.Fatal("expected an error without a tenant")
	}

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	req = req.WithContext(tenant.WithTenant(context.Background(), "tenant-a"))
	rec = httptest.NewRecorder()
	svc.ServeHTTP(rec, req)
	var doc Metadata
	if err := json.NewDecoder(rec.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Issuer != "authkernel" || len(doc.CodeChallengeMethodsSupported) == 0 {
		t.Errorf("unexpected document %+v", doc)
	}
}
