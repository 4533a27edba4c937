package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"
)

func TestCountersAccumulate(t *testing.T) {
	s := NewService()
	s.Inc(BruteForceFailOpen)
	s.Inc(BruteForceFailOpen)
	s.Add(TokensIssued, 3)

	if got := s.Value(BruteForceFailOpen); got != 2 {
		t.Errorf("expected 2 fail-open events, got %d", got)
	}
	snapshot := s.GetMetrics()
	snapshot.Counters[TokensIssued] = 100
	if s.Value(TokensIssued) != 3 {
		t.Error("snapshot must be a copy")
	}
}

func TestNilServiceIsNoop(t *testing.T) {
	var s *Service
	s.Inc(LoginFailures)
	s.IncrementRequests()
	if s.Value(LoginFailures) != 0 {
		t.Error("nil service should report zero")
	}
}

func TestHealthCheckReportsFailingDependency(t *testing.T) {
	s := NewService()
	s.AddHealthCheck("database", func(context.Context) error { return nil })
	s.AddHealthCheck("redis", func(context.Context) error { return errors.New("connection refused") })

	rec := httptest.NewRecorder()
	s.ServeHealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "unhealthy" || body.Checks["database"] != "ok" {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestRegisterOTel(t *testing.T) {
	s := NewService()
	reg, err := s.RegisterOTel(noop.NewMeterProvider().Meter("authkernel"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Unregister(); err != nil {
		t.Errorf("unregister: %v", err)
	}
	if _, err := s.RegisterOTel(nil); err == nil {
		t.Error("expected error for nil meter")
	}
}
