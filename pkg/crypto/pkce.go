package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
)

const (
	MethodPlain = "plain"
	MethodS256  = "S256"
)

var (
	ErrInvalidCodeVerifier   = errors.New("invalid code verifier")
	ErrInvalidCodeChallenge  = errors.New("invalid code challenge")
	ErrUnsupportedMethod     = errors.New("unsupported code challenge method")
	ErrCodeChallengeMismatch = errors.New("code challenge verification failed")
)

var rawURL = base64.URLEncoding.WithPadding(base64.NoPadding)

// GenerateCodeVerifier returns a 43 character verifier, the shortest
// RFC 7636 allows.
func GenerateCodeVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return rawURL.EncodeToString(b), nil
}

// ChallengeFor derives the challenge a client sends for verifier.
func ChallengeFor(verifier, method string) (string, error) {
	if !IsValidCodeVerifier(verifier) {
		return "", ErrInvalidCodeVerifier
	}
	switch method {
	case MethodPlain:
		return verifier, nil
	case MethodS256:
		sum := sha256.Sum256([]byte(verifier))
		return rawURL.EncodeToString(sum[:]), nil
	default:
		return "", ErrUnsupportedMethod
	}
}

// VerifyCodeChallenge recomputes the challenge for verifier and compares
// it to the stored one in constant time.
func VerifyCodeChallenge(verifier, challenge, method string) error {
	expected, err := ChallengeFor(verifier, method)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(challenge)) != 1 {
		return ErrCodeChallengeMismatch
	}
	return nil
}

func IsValidCodeVerifier(verifier string) bool {
	return isUnreservedString(verifier, 43, 128)
}

func IsValidCodeChallenge(challenge string) bool {
	return isUnreservedString(challenge, 43, 128)
}

func IsSupportedMethod(method string) bool {
	return method == MethodPlain || method == MethodS256
}

func isUnreservedString(s string, min, max int) bool {
	if len(s) < min || len(s) > max {
		return false
	}
	for _, c := range s {
		if !isUnreservedChar(c) {
			return false
		}
	}
	return true
}

func isUnreservedChar(c rune) bool {
	return (c >= 'A' && c <= 'Z') ||
		(c >= 'a' && c <= 'z') ||
		(c >= '0' && c <= '9') ||
		c == '-' || c == '.' || c == '_' || c == '~'
}
