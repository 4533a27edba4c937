package scopes

import (
	"errors"
	"reflect"
	"testing"
)

func TestRegistryTenantAllowList(t *testing.T) {
	r := NewRegistry([]string{"openid", "read"})
	if err := r.SetTenantScopes("tenant-2", []string{"read", "write"}); err != nil {
		t.Fatalf("set: %v", err)
	}

	if err := r.Check("tenant-1", []string{"openid", "read"}); err != nil {
		t.Errorf("default list should allow openid read: %v", err)
	}
	if err := r.Check("tenant-1", []string{"write"}); !errors.Is(err, ErrScopeNotAllowed) {
		t.Errorf("expected write to be rejected for tenant-1, got %v", err)
	}
	if err := r.Check("tenant-2", []string{"openid"}); err == nil {
		t.Error("tenant override should replace the default list")
	}

	result := r.Validate("tenant-2", []string{"read", "admin"})
	if !reflect.DeepEqual(result.Valid, []string{"read"}) || !reflect.DeepEqual(result.Invalid, []string{"admin"}) {
		t.Errorf("unexpected result %+v", result)
	}
	if got := r.Allowed("tenant-2"); !reflect.DeepEqual(got, []string{"read", "write"}) {
		t.Errorf("unexpected allowed list %v", got)
	}
}

func TestValidateScopeName(t *testing.T) {
	for _, name := range []string{"read", "api:write", "https://api.example.com/x"} {
		if err := ValidateScopeName(name); err != nil {
			t.Errorf("%q should be valid: %v", name, err)
		}
	}
	for _, name := range []string{"", "has space", `quote"`, "tab\t"} {
		if err := ValidateScopeName(name); err == nil {
			t.Errorf("%q should be invalid", name)
		}
	}
}

func TestParseAndNarrow(t *testing.T) {
	if got := Parse("  read write read "); !reflect.DeepEqual(got, []string{"read", "write"}) {
		t.Errorf("unexpected parse %v", got)
	}

	granted := []string{"read", "write"}
	got, err := Narrow(nil, granted)
	if err != nil || !reflect.DeepEqual(got, granted) {
		t.Errorf("empty request should inherit granted scopes, got %v %v", got, err)
	}
	got, err = Narrow([]string{"read"}, granted)
	if err != nil || !reflect.DeepEqual(got, []string{"read"}) {
		t.Errorf("unexpected narrow %v %v", got, err)
	}
	if _, err := Narrow([]string{"admin"}, granted); err == nil {
		t.Error("broader request must fail")
	}
}
