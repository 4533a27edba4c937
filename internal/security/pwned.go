package security

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"authkernel/internal/logging"
)

const DefaultPwnedAPI = "https://api.pwnedpasswords.com/range/"

// PwnedPasswordChecker checks passwords against the HaveIBeenPwned range
// API. Only the first five hex characters of the SHA-1 leave the process.
type PwnedPasswordChecker struct {
	client   *http.Client
	baseURL  string
	enabled  bool
	failOpen bool
}

type PwnedCheckResult struct {
	IsBreached bool
	Count      int
	// Error is set when the API could not be consulted.
	Error error
}

// Rejected reports whether the password must be refused. With fail-open
// an unreachable API does not reject.
func (r PwnedCheckResult) Rejected(failOpen bool) bool {
	if r.IsBreached {
		return true
	}
	return r.Error != nil && !failOpen
}

func NewPwnedPasswordChecker(enabled bool, timeout time.Duration, failOpen bool) *PwnedPasswordChecker {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &PwnedPasswordChecker{
		client:   &http.Client{Timeout: timeout},
		baseURL:  DefaultPwnedAPI,
		enabled:  enabled,
		failOpen: failOpen,
	}
}

// WithBaseURL points the checker at another range API, e.g. a mirror.
func (p *PwnedPasswordChecker) WithBaseURL(u string) *PwnedPasswordChecker {
	if u != "" && !strings.HasSuffix(u, "/") {
		u += "/"
	}
	if u != "" {
		p.baseURL = u
	}
	return p
}

func (p *PwnedPasswordChecker) CheckPassword(ctx context.Context, password string) PwnedCheckResult {
	if p == nil || !p.enabled {
		return PwnedCheckResult{}
	}

	sum := sha1.Sum([]byte(password))
	hash := strings.ToUpper(hex.EncodeToString(sum[:]))
	prefix, suffix := hash[:5], hash[5:]

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+prefix, nil)
	if err != nil {
		return p.handleError(ctx, err)
	}
	req.Header.Set("User-Agent", "authkernel-password-check")
	req.Header.Set("Add-Padding", "true")

	resp, err := p.client.Do(req)
	if err != nil {
		return p.handleError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return p.handleError(ctx, fmt.Errorf("range API returned status %d", resp.StatusCode))
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		hashSuffix, countStr, ok := strings.Cut(strings.TrimSpace(scanner.Text()), ":")
		if !ok || hashSuffix != suffix {
			continue
		}
		count, err := strconv.Atoi(strings.TrimSpace(countStr))
		if err != nil {
			count = 1
		}
		// padding entries carry a zero count
		if count == 0 {
			break
		}
		return PwnedCheckResult{IsBreached: true, Count: count}
	}
	if err := scanner.Err(); err != nil {
		return p.handleError(ctx, err)
	}
	return PwnedCheckResult{}
}

func (p *PwnedPasswordChecker) handleError(ctx context.Context, err error) PwnedCheckResult {
	logging.FromContext(ctx).WarnEvent().
		Bool("fail_open", p.failOpen).
		Err(err).
		Msg("breached password check unavailable")
	return PwnedCheckResult{Error: err}
}

func (p *PwnedPasswordChecker) IsEnabled() bool { return p != nil && p.enabled }

func (p *PwnedPasswordChecker) FailOpen() bool { return p == nil || p.failOpen }
