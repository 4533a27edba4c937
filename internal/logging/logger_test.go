package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "info", Format: "json", Output: &buf})

	l.WithTenantID("tenant-1").WithUserID("u-1").Info("login succeeded")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected json line, got %q: %v", buf.String(), err)
	}
	if line["tenant_id"] != "tenant-1" {
		t.Errorf("expected tenant_id field, got %v", line["tenant_id"])
	}
	if line["user_id"] != "u-1" {
		t.Errorf("expected user_id field, got %v", line["user_id"])
	}
	if line["message"] != "login succeeded" {
		t.Errorf("unexpected message %v", line["message"])
	}
}

func TestCallerPointsAtCallSite(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "info", Format: "json", Output: &buf, Caller: true})

	l.Info("plain")
	l.WithTenantID("tenant-1").Warnf("formatted %d", 1)
	l.InfoEvent().Str("k", "v").Msg("event")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), buf.String())
	}
	for _, raw := range lines {
		var line map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			t.Fatalf("bad json %q: %v", raw, err)
		}
		caller, _ := line["caller"].(string)
		if !strings.Contains(caller, "logger_test.go") {
			t.Errorf("caller should be the test file, got %q for %v", caller, line["message"])
		}
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "warn", Output: &buf})

	l.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info line should be filtered at warn level, got %q", buf.String())
	}
	l.WarnEvent().Str("reason", "redis down").Msg("fail open")
	if !strings.Contains(buf.String(), "redis down") {
		t.Errorf("warn event missing field: %q", buf.String())
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "info", Output: &buf})
	ctx := WithLogger(context.Background(), l)

	FromContext(ctx).Info("hello")
	if !strings.Contains(buf.String(), "hello") {
		t.Errorf("expected context logger to be used")
	}
	if FromContext(context.Background()) == nil {
		t.Error("expected default logger")
	}
}

func TestGenerateRequestIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateRequestID()
		if !strings.HasPrefix(id, "req-") {
			t.Fatalf("unexpected request id format %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate request id %q", id)
		}
		seen[id] = true
	}
}
