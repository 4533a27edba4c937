package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"authkernel/internal/apperrors"
	"authkernel/internal/monitoring"
	"authkernel/internal/ratelimit"
	"authkernel/internal/tenant"
)

func newTestMiddleware(limit int) (*Middleware, *monitoring.Service) {
	metrics := monitoring.NewService()
	limiter := ratelimit.NewMemoryRateLimiter(&ratelimit.Config{MaxRequests: limit, Window: time.Minute})
	resolver := tenant.NewResolver(tenant.NewStaticDirectory([]string{"tenant-1"}, map[string]string{"auth.example.com": "tenant-1"}))
	return NewMiddleware(nil, metrics, limiter, resolver, nil, Config{AdminAPIKey: "admin-key"}), metrics
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	id, err := tenant.FromContext(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusTeapot)
		return
	}
	w.Write([]byte(id))
})

func TestTenantResolution(t *testing.T) {
	m, _ := newTestMiddleware(10)
	h := m.Tenant(okHandler)

	tests := []struct {
		name, header, host string
		status             int
	}{
		{"header", "tenant-1", "localhost", http.StatusOK},
		{"host", "", "auth.example.com:8443", http.StatusOK},
		{"unknown header", "tenant-9", "auth.example.com", http.StatusBadRequest},
		{"unknown host", "", "evil.example.com", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
			req.Host = tt.host
			if tt.header != "" {
				req.Header.Set(tenant.HeaderName, tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("status %d, want %d", rec.Code, tt.status)
			}
			if tt.status == http.StatusOK && rec.Body.String() != "tenant-1" {
				t.Errorf("wrong tenant %q", rec.Body.String())
			}
		})
	}
}

func TestRateLimitReturns429(t *testing.T) {
	m, metrics := newTestMiddleware(2)
	h := m.Logger(m.Tenant(m.RateLimit(okHandler)))

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/token", nil)
		req.Header.Set(tenant.HeaderName, "tenant-1")
		req.RemoteAddr = "198.51.100.7:5555"
		last = httptest.NewRecorder()
		h.ServeHTTP(last, req)
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	var body ErrorResponse
	if err := json.NewDecoder(last.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "resource_exhausted" || body.RetryAfter <= 0 {
		t.Errorf("unexpected body %+v", body)
	}
	if metrics.Value(monitoring.RateLimited) != 1 {
		t.Error("rate limit metric not incremented")
	}
}

func TestRequireAdmin(t *testing.T) {
	m, _ := newTestMiddleware(10)
	h := m.RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	for key, want := range map[string]int{"": 401, "wrong": 401, "admin-key": 204} {
		req := httptest.NewRequest(http.MethodGet, "/api/admin/clients", nil)
		if key != "" {
			req.Header.Set("X-Admin-Key", key)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Errorf("key %q: status %d, want %d", key, rec.Code, want)
		}
	}

	unset := NewMiddleware(nil, nil, nil, nil, nil, Config{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/admin/clients", nil)
	req.Header.Set("X-Admin-Key", "")
	unset.RequireAdmin(okHandler).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no configured key must refuse, got %d", rec.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	m, _ := newTestMiddleware(10)
	rec := httptest.NewRecorder()
	m.SecurityHeaders(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/token", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store, no-cache, must-revalidate, private",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s=%q, want %q", header, got, want)
		}
	}
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS must not be sent over plain http")
	}
}

func TestPanicRecovery(t *testing.T) {
	m, _ := newTestMiddleware(10)
	rec := httptest.NewRecorder()
	m.PanicRecovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestWriteErrorCarriesDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	err := apperrors.FailedPrecondition("captcha required").WithDetail("requires_captcha", true)
	WriteError(rec, httptest.NewRequest(http.MethodPost, "/login", nil), err)

	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("status %d", rec.Code)
	}
	var body ErrorResponse
	json.NewDecoder(rec.Body).Decode(&body)
	if body.Details["requires_captcha"] != true {
		t.Errorf("details lost: %+v", body)
	}

	rec = httptest.NewRecorder()
	WriteError(rec, httptest.NewRequest(http.MethodPost, "/login", nil), apperrors.Internal("db", errSecret{}))
	json.NewDecoder(rec.Body).Decode(&body)
	if body.ErrorDescription != "internal server error" {
		t.Errorf("internal cause leaked: %+v", body)
	}
}

type errSecret struct{}

func (errSecret) Error() string { return "password=hunter2" }
