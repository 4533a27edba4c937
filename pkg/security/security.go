package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var (
	ErrInvalidRedirectURI  = errors.New("invalid redirect URI")
	ErrRedirectURIMismatch = errors.New("redirect URI not registered")
)

// ValidateRedirectURI checks a redirect URI at registration time. It must be
// absolute, carry no fragment and use https unless it targets a loopback
// host.
func ValidateRedirectURI(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: empty", ErrInvalidRedirectURI)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidRedirectURI, raw)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: must be absolute: %s", ErrInvalidRedirectURI, raw)
	}
	if u.Fragment != "" || strings.Contains(raw, "#") {
		return fmt.Errorf("%w: must not contain a fragment: %s", ErrInvalidRedirectURI, raw)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if IsLoopbackHost(u.Hostname()) {
			return nil
		}
		return fmt.Errorf("%w: http is only allowed for loopback hosts: %s", ErrInvalidRedirectURI, raw)
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidRedirectURI, u.Scheme)
	}
}

// IsLoopbackHost reports whether host is localhost or a loopback IP.
func IsLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// MatchRedirectURI requires an exact string match against one registered
// URI. No prefix, trailing slash or query tolerance.
func MatchRedirectURI(presented string, registered []string) error {
	if presented == "" {
		return ErrRedirectURIMismatch
	}
	for _, r := range registered {
		if presented == r {
			return nil
		}
	}
	return ErrRedirectURIMismatch
}

// HashToken returns the hex SHA-256 of a bearer value. Tokens, codes and
// session credentials are stored only in this form.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// GenerateSecureToken returns length random bytes, base64url encoded.
func GenerateSecureToken(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// SanitizeInput strips control whitespace and truncates to max bytes. Used
// on caller-supplied strings that end up in audit rows.
func SanitizeInput(input string, max int) string {
	input = strings.NewReplacer("\n", "", "\r", "", "\t", "").Replace(input)
	if max > 0 && len(input) > max {
		input = input[:max]
	}
	return input
}

// NormalizeIP returns the canonical textual form of addr, dropping any port.
// Unparseable input is returned trimmed.
func NormalizeIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	if ip := net.ParseIP(addr); ip != nil {
		return ip.String()
	}
	return addr
}
