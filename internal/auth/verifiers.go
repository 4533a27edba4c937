package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CaptchaVerifier checks a CAPTCHA response token.
type CaptchaVerifier interface {
	Verify(ctx context.Context, token, remoteAddr string) (bool, error)
}

// DevCaptchaVerifier accepts any non-empty token. Development only.
type DevCaptchaVerifier struct{}

func (DevCaptchaVerifier) Verify(_ context.Context, token, _ string) (bool, error) {
	return strings.TrimSpace(token) != "", nil
}

// SiteVerifyCaptchaVerifier posts the token to a siteverify endpoint
// (reCAPTCHA, hCaptcha and Turnstile share the form) and accepts it when
// the provider answers success. Provider errors reject the token.
type SiteVerifyCaptchaVerifier struct {
	client *http.Client
	url    string
	secret string
}

func NewSiteVerifyCaptchaVerifier(verifyURL, secret string, timeout time.Duration) *SiteVerifyCaptchaVerifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SiteVerifyCaptchaVerifier{
		client: &http.Client{Timeout: timeout},
		url:    verifyURL,
		secret: secret,
	}
}

type siteVerifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

func (v *SiteVerifyCaptchaVerifier) Verify(ctx context.Context, token, remoteAddr string) (bool, error) {
	if strings.TrimSpace(token) == "" {
		return false, nil
	}
	form := url.Values{"secret": {v.secret}, "response": {token}}
	if remoteAddr != "" {
		form.Set("remoteip", remoteAddr)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("failed to build captcha request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("captcha provider unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("captcha provider returned status %d", resp.StatusCode)
	}
	var out siteVerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("failed to decode captcha response: %w", err)
	}
	return out.Success, nil
}

// DenyCaptchaVerifier rejects every token. Used when no CAPTCHA provider
// is configured, so a captcha-gated login waits for the counter to decay.
type DenyCaptchaVerifier struct{}

func (DenyCaptchaVerifier) Verify(context.Context, string, string) (bool, error) {
	return false, nil
}

// SecondFactorVerifier checks a second-factor or passkey assertion and
// reports which user it vouches for.
type SecondFactorVerifier interface {
	Verify(ctx context.Context, tenantID string, assertion string) (userID uuid.UUID, ok bool, err error)
}

// DenySecondFactorVerifier rejects every assertion.
type DenySecondFactorVerifier struct{}

func (DenySecondFactorVerifier) Verify(context.Context, string, string) (uuid.UUID, bool, error) {
	return uuid.Nil, false, nil
}
