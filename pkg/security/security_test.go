package security

import (
	"errors"
	"testing"
)

func TestValidateRedirectURI(t *testing.T) {
	tests := []struct {
		uri   string
		valid bool
	}{
		{"https://app.example.com/cb", true},
		{"http://localhost:3000/cb", true},
		{"http://127.0.0.1:8080/cb", true},
		{"http://[::1]/cb", true},
		{"http://app.example.com/cb", false},
		{"https://app.example.com/cb#frag", false},
		{"/relative/cb", false},
		{"ftp://app.example.com/cb", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			err := ValidateRedirectURI(tt.uri)
			if tt.valid && err != nil {
				t.Errorf("expected %q to be valid, got %v", tt.uri, err)
			}
			if !tt.valid && !errors.Is(err, ErrInvalidRedirectURI) {
				t.Errorf("expected %q to be rejected, got %v", tt.uri, err)
			}
		})
	}
}

func TestMatchRedirectURIIsExact(t *testing.T) {
	registered := []string{"https://app.example.com/cb"}

	if err := MatchRedirectURI("https://app.example.com/cb", registered); err != nil {
		t.Errorf("exact match should pass: %v", err)
	}
	for _, presented := range []string{
		"https://app.example.com/cb/",
		"https://app.example.com/cb?x=1",
		"https://APP.example.com/cb",
		"https://app.example.com/c",
		"",
	} {
		if err := MatchRedirectURI(presented, registered); err != ErrRedirectURIMismatch {
			t.Errorf("expected %q to mismatch, got %v", presented, err)
		}
	}
}

func TestHashTokenStable(t *testing.T) {
	if HashToken("abc") != HashToken("abc") {
		t.Error("hash should be deterministic")
	}
	if HashToken("abc") == HashToken("abd") {
		t.Error("different inputs should not collide")
	}
	if len(HashToken("abc")) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(HashToken("abc")))
	}
}

func TestNormalizeIP(t *testing.T) {
	cases := map[string]string{
		"10.0.0.1:5555":        "10.0.0.1",
		" 192.168.1.1 ":        "192.168.1.1",
		"[2001:db8::1]:443":    "2001:db8::1",
		"2001:0db8:0000::0001": "2001:db8::1",
		"garbage":              "garbage",
	}
	for in, want := range cases {
		if got := NormalizeIP(in); got != want {
			t.Errorf("NormalizeIP(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSanitizeInput(t *testing.T) {
	if got := SanitizeInput("al\nice\t", 0); got != "alice" {
		t.Errorf("unexpected %q", got)
	}
	if got := SanitizeInput("abcdef", 3); got != "abc" {
		t.Errorf("expected truncation, got %q", got)
	}
}

func TestHasher(t *testing.T) {
	h := NewHasher(4)
	hash, err := h.Hash("s3cret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !h.Compare(hash, "s3cret") {
		t.Error("expected match")
	}
	if h.Compare(hash, "wrong") {
		t.Error("expected mismatch")
	}
	if h.Compare("", "s3cret") {
		t.Error("empty hash never matches")
	}
}
