package security

import "testing"

func TestGetSecurityPolicy(t *testing.T) {
	tests := []struct {
		path  string
		want  SecurityPolicy
		cache string
	}{
		{"/token", DefaultPolicy, noStore},
		{"/login", DefaultPolicy, noStore},
		{"/api/admin/clients", DefaultPolicy, noStore},
		{"/health", monitoringPolicy, "no-store, no-cache"},
		{"/metrics", monitoringPolicy, "no-store, no-cache"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := GetSecurityPolicy(tt.path)
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
			if got.CacheControl != tt.cache {
				t.Errorf("cache-control %q, want %q", got.CacheControl, tt.cache)
			}
		})
	}
}

func TestAuthorizePolicyAllowsFormPost(t *testing.T) {
	p := GetSecurityPolicy("/authorize")
	if p.FrameOptions != "DENY" || p.CacheControl != noStore {
		t.Errorf("unexpected policy: %+v", p)
	}
	if p.CSP == DefaultPolicy.CSP {
		t.Error("authorize should allow form-action 'self'")
	}
}

func TestPrefixPolicy(t *testing.T) {
	EndpointPolicies["/static/"] = monitoringPolicy
	defer delete(EndpointPolicies, "/static/")

	if got := GetSecurityPolicy("/static/app.css"); got != monitoringPolicy {
		t.Errorf("prefix match failed: %+v", got)
	}
}
