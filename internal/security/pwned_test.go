package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// SHA-1 of "password" is 5BAA61E4C9B93F3F0682250B6CF8331B7EE68FD8
const passwordSuffix = "1E4C9B93F3F0682250B6CF8331B7EE68FD8"

func rangeServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/5BAA6" {
			t.Errorf("only the hash prefix may be sent, got %s", r.URL.Path)
		}
		if r.Header.Get("Add-Padding") != "true" {
			t.Error("missing Add-Padding header")
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPwnedPasswordChecker_Breached(t *testing.T) {
	srv := rangeServer(t, http.StatusOK, "0018A45C4D1DEF81644B54AB7F969B88D65:1\r\n"+passwordSuffix+":3861493\r\n")
	checker := NewPwnedPasswordChecker(true, time.Second, true).WithBaseURL(srv.URL)

	result := checker.CheckPassword(context.Background(), "password")
	if !result.IsBreached || result.Count != 3861493 || result.Error != nil {
		t.Fatalf("unexpected result: %+v", result)
	}
	if !result.Rejected(true) {
		t.Error("breached password must be rejected")
	}
}

func TestPwnedPasswordChecker_PaddingIsClean(t *testing.T) {
	srv := rangeServer(t, http.StatusOK, passwordSuffix+":0\r\n")
	checker := NewPwnedPasswordChecker(true, time.Second, true).WithBaseURL(srv.URL)

	if result := checker.CheckPassword(context.Background(), "password"); result.IsBreached {
		t.Errorf("padding entries must not count: %+v", result)
	}
}

func TestPwnedPasswordChecker_Disabled(t *testing.T) {
	checker := NewPwnedPasswordChecker(false, time.Second, true)
	if result := checker.CheckPassword(context.Background(), "password"); result.IsBreached || result.Error != nil {
		t.Errorf("disabled checker must be a no-op: %+v", result)
	}
	if checker.IsEnabled() {
		t.Error("checker should be disabled")
	}
}

func TestPwnedPasswordChecker_FailOpenAndClosed(t *testing.T) {
	srv := rangeServer(t, http.StatusServiceUnavailable, "")

	open := NewPwnedPasswordChecker(true, time.Second, true).WithBaseURL(srv.URL)
	result := open.CheckPassword(context.Background(), "password")
	if result.Error == nil {
		t.Fatal("expected an error from a failing API")
	}
	if result.Rejected(open.FailOpen()) {
		t.Error("fail-open must accept when the API is down")
	}

	closed := NewPwnedPasswordChecker(true, time.Second, false).WithBaseURL(srv.URL)
	if !closed.CheckPassword(context.Background(), "password").Rejected(closed.FailOpen()) {
		t.Error("fail-closed must reject when the API is down")
	}
}
