package crypto

import (
	"strings"
	"testing"
)

func TestVerifyS256RoundTrip(t *testing.T) {
	verifier, err := GenerateCodeVerifier()
	if err != nil {
		t.Fatalf("generate verifier: %v", err)
	}
	challenge, err := ChallengeFor(verifier, MethodS256)
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	if err := VerifyCodeChallenge(verifier, challenge, MethodS256); err != nil {
		t.Errorf("expected verifier to match, got %v", err)
	}
}

func TestVerifyRFC7636Vector(t *testing.T) {
	// Appendix B of RFC 7636.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	challenge := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	if err := VerifyCodeChallenge(verifier, challenge, MethodS256); err != nil {
		t.Errorf("rfc vector should verify: %v", err)
	}
}

func TestVerifyRejectsWrongVerifier(t *testing.T) {
	verifier, _ := GenerateCodeVerifier()
	other, _ := GenerateCodeVerifier()
	challenge, _ := ChallengeFor(verifier, MethodS256)

	if err := VerifyCodeChallenge(other, challenge, MethodS256); err != ErrCodeChallengeMismatch {
		t.Errorf("expected mismatch, got %v", err)
	}
	if err := VerifyCodeChallenge(verifier, challenge, MethodPlain); err != ErrCodeChallengeMismatch {
		t.Errorf("method swap should not verify, got %v", err)
	}
}

func TestPlainMethod(t *testing.T) {
	verifier := strings.Repeat("a", 43)
	if err := VerifyCodeChallenge(verifier, verifier, MethodPlain); err != nil {
		t.Errorf("plain should verify: %v", err)
	}
}

func TestVerifierValidation(t *testing.T) {
	tests := []struct {
		name     string
		verifier string
		valid    bool
	}{
		{"too short", strings.Repeat("a", 42), false},
		{"min length", strings.Repeat("a", 43), true},
		{"max length", strings.Repeat("a", 128), true},
		{"too long", strings.Repeat("a", 129), false},
		{"reserved char", strings.Repeat("a", 42) + "+", false},
		{"unreserved specials", strings.Repeat("a", 39) + "-._~", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidCodeVerifier(tt.verifier); got != tt.valid {
				t.Errorf("IsValidCodeVerifier() = %v, want %v", got, tt.valid)
			}
		})
	}
}

func TestUnsupportedMethod(t *testing.T) {
	verifier, _ := GenerateCodeVerifier()
	if _, err := ChallengeFor(verifier, "S512"); err != ErrUnsupportedMethod {
		t.Errorf("expected unsupported method, got %v", err)
	}
}
