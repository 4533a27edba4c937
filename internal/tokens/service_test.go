package tokens

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"authkernel/internal/apperrors"
	"authkernel/internal/authcode"
	"authkernel/internal/cache"
	"authkernel/internal/clients"
	"authkernel/internal/db"
	"authkernel/internal/monitoring"
	"authkernel/internal/scopes"
	"authkernel/internal/tenant"
	"authkernel/pkg/crypto"
	jwtpkg "authkernel/pkg/jwt"
	"authkernel/pkg/security"
)

const (
	testRedirect = "https://app.example.com/cb"
	testSecret   = "a-very-long-client-secret"
)

type fixture struct {
	svc     *Service
	codes   *authcode.Issuer
	store   *db.MemoryStore
	metrics *monitoring.Service
	ctx     context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := db.NewMemoryStore()
	reg := clients.NewRegistry(store, cache.NewMemoryCache(), scopes.NewRegistry([]string{"openid", "read", "write"}),
		security.NewHasher(4), clients.Config{AccessTokenTTL: 15 * time.Minute, RefreshTokenTTL: 24 * time.Hour})
	ctx := tenant.WithTenant(context.Background(), "tenant-1")

	if _, err := reg.Register(ctx, clients.RegisterRequest{
		ClientID:     "backend",
		Name:         "Backend",
		Type:         db.ClientConfidential,
		Secret:       testSecret,
		GrantTypes:   []string{db.GrantAuthorizationCode, db.GrantRefreshToken, db.GrantClientCredentials},
		RedirectURIs: []string{testRedirect},
		Scopes:       []string{"read", "write"},
	}); err != nil {
		t.Fatalf("register backend: %v", err)
	}
	if _, err := reg.Register(ctx, clients.RegisterRequest{
		ClientID:     "spa",
		Name:         "SPA",
		Type:         db.ClientPublic,
		RedirectURIs: []string{testRedirect},
		Scopes:       []string{"read"},
	}); err != nil {
		t.Fatalf("register spa: %v", err)
	}

	metrics := monitoring.NewService()
	codes := authcode.NewIssuer(store, reg, metrics, time.Minute)
	svc := NewService(store, reg, codes, jwtpkg.NewManager("test-secret-key-for-token-tests-only", "authkernel-test"), metrics,
		Config{AccessTokenTTL: 15 * time.Minute, RefreshTokenTTL: 24 * time.Hour})
	return &fixture{svc: svc, codes: codes, store: store, metrics: metrics, ctx: ctx}
}

func (f *fixture) exchange(t *testing.T) (*Pair, ExchangeRequest) {
	t.Helper()
	verifier, err := crypto.GenerateCodeVerifier()
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	challenge, _ := crypto.ChallengeFor(verifier, crypto.MethodS256)
	code, err := f.codes.Issue(f.ctx, authcode.IssueRequest{
		ClientID:            "backend",
		UserID:              uuid.New(),
		RedirectURI:         testRedirect,
		Scopes:              []string{"read", "write"},
		CodeChallenge:       challenge,
		CodeChallengeMethod: crypto.MethodS256,
	})
	if err != nil {
		t.Fatalf("issue code: %v", err)
	}
	req := ExchangeRequest{
		Code:         code,
		ClientID:     "backend",
		ClientSecret: testSecret,
		RedirectURI:  testRedirect,
		CodeVerifier: verifier,
	}
	pair, err := f.svc.ExchangeCode(f.ctx, req)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	return pair, req
}

func (f *fixture) active(t *testing.T, token string) bool {
	t.Helper()
	out, err := f.svc.Introspect(f.ctx, token)
	if err != nil {
		t.Fatalf("introspect: %v", err)
	}
	return out.Active
}

func TestExchangeCodeAndReplay(t *testing.T) {
	f := newFixture(t)
	pair, req := f.exchange(t)

	if pair.TokenType != TokenTypeBearer || pair.RefreshToken == "" || pair.Scope != "read write" {
		t.Errorf("unexpected pair %+v", pair)
	}
	if pair.ExpiresIn != int64((15 * time.Minute).Seconds()) {
		t.Errorf("unexpected expires_in %d", pair.ExpiresIn)
	}
	if !f.active(t, pair.AccessToken) || !f.active(t, pair.RefreshToken) {
		t.Fatal("fresh tokens must be active")
	}

	if _, err := f.svc.ExchangeCode(f.ctx, req); !apperrors.Is(err, apperrors.KindUnauthenticated) {
		t.Errorf("expected Unauthenticated on code replay, got %v", err)
	}
	if f.active(t, pair.AccessToken) || f.active(t, pair.RefreshToken) {
		t.Error("code replay must revoke tokens issued from the code")
	}
}

func TestExchangeRejectsWrongSecret(t *testing.T) {
	f := newFixture(t)
	_, req := f.exchange(t)
	req.ClientSecret = "not-the-right-secret"
	if _, err := f.svc.ExchangeCode(f.ctx, req); !apperrors.Is(err, apperrors.KindUnauthenticated) {
		t.Errorf("expected Unauthenticated, got %v", err)
	}
}

func TestRefreshRotationAndReplay(t *testing.T) {
	f := newFixture(t)
	first, _ := f.exchange(t)

	second, err := f.svc.Refresh(f.ctx, RefreshRequest{RefreshToken: first.RefreshToken, ClientID: "backend", ClientSecret: testSecret})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken || second.AccessToken == first.AccessToken {
		t.Fatal("rotation must issue new tokens")
	}
	if f.active(t, first.RefreshToken) || f.active(t, first.AccessToken) {
		t.Error("rotated pair must be revoked")
	}
	if !f.active(t, second.AccessToken) {
		t.Error("new access token must be active")
	}

	third, err := f.svc.Refresh(f.ctx, RefreshRequest{RefreshToken: second.RefreshToken, ClientID: "backend", ClientSecret: testSecret, Scopes: []string{"read"}})
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if third.Scope != "read" {
		t.Errorf("expected narrowed scope, got %q", third.Scope)
	}

	// replaying the first token revokes everything descended from it
	if _, err := f.svc.Refresh(f.ctx, RefreshRequest{RefreshToken: first.RefreshToken, ClientID: "backend", ClientSecret: testSecret}); !apperrors.Is(err, apperrors.KindUnauthenticated) {
		t.Errorf("expected Unauthenticated on replay, got %v", err)
	}
	for _, tok := range []string{second.RefreshToken, second.AccessToken, third.RefreshToken, third.AccessToken} {
		if f.active(t, tok) {
			t.Error("descendant token still active after replay")
		}
	}
	if f.metrics.Value(monitoring.RefreshTokenReplays) != 1 {
		t.Error("replay metric not recorded")
	}
}

func TestRefreshValidation(t *testing.T) {
	f := newFixture(t)
	pair, _ := f.exchange(t)

	if _, err := f.svc.Refresh(f.ctx, RefreshRequest{RefreshToken: pair.RefreshToken, ClientID: "backend", ClientSecret: testSecret, Scopes: []string{"openid"}}); !apperrors.Is(err, apperrors.KindInvalidArgument) {
		t.Errorf("broader scope must be rejected, got %v", err)
	}
	if _, err := f.svc.Refresh(f.ctx, RefreshRequest{RefreshToken: "unknown", ClientID: "backend", ClientSecret: testSecret}); !apperrors.Is(err, apperrors.KindUnauthenticated) {
		t.Errorf("unknown token must be Unauthenticated, got %v", err)
	}

	f.svc.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	if _, err := f.svc.Refresh(f.ctx, RefreshRequest{RefreshToken: pair.RefreshToken, ClientID: "backend", ClientSecret: testSecret}); !apperrors.Is(err, apperrors.KindUnauthenticated) {
		t.Errorf("expired token must be Unauthenticated, got %v", err)
	}
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	f := newFixture(t)
	pair, _ := f.exchange(t)

	const workers = 6
	var wins int32
	var mu sync.Mutex
	var winner *Pair
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next, err := f.svc.Refresh(f.ctx, RefreshRequest{RefreshToken: pair.RefreshToken, ClientID: "backend", ClientSecret: testSecret})
			if err == nil {
				atomic.AddInt32(&wins, 1)
				mu.Lock()
				winner = next
				mu.Unlock()
			} else if !apperrors.Is(err, apperrors.KindUnauthenticated) {
				t.Errorf("losing rotation: expected Unauthenticated, got %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one rotation to succeed, got %d", wins)
	}

	// the losers count as reuse, so the winner's pair is revoked too
	if _, err := f.svc.Refresh(f.ctx, RefreshRequest{RefreshToken: winner.RefreshToken, ClientID: "backend", ClientSecret: testSecret}); err == nil {
		t.Error("refresh token issued to the winner must be revoked after reuse")
	}
	if info, err := f.svc.Introspect(f.ctx, winner.AccessToken); err != nil || info.Active {
		t.Errorf("access token issued to the winner must be inactive, got %+v %v", info, err)
	}
}

func TestClientCredentials(t *testing.T) {
	f := newFixture(t)

	pair, err := f.svc.ClientCredentials(f.ctx, ClientCredentialsRequest{ClientID: "backend", ClientSecret: testSecret, Scopes: []string{"read"}})
	if err != nil {
		t.Fatalf("client credentials: %v", err)
	}
	if pair.RefreshToken != "" {
		t.Error("client_credentials must not issue a refresh token")
	}
	info, err := f.svc.Introspect(f.ctx, pair.AccessToken)
	if err != nil || !info.Active || info.UserID != "" || info.ClientID != "backend" {
		t.Errorf("unexpected introspection %+v %v", info, err)
	}

	if _, err := f.svc.ClientCredentials(f.ctx, ClientCredentialsRequest{ClientID: "spa"}); !apperrors.Is(err, apperrors.KindUnauthenticated) {
		t.Errorf("public client must be rejected, got %v", err)
	}
}

func TestRevokeCascadesToAccessToken(t *testing.T) {
	f := newFixture(t)
	pair, _ := f.exchange(t)

	if err := f.svc.Revoke(f.ctx, RevokeRequest{Token: pair.RefreshToken, TokenTypeHint: HintRefreshToken}); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if f.active(t, pair.RefreshToken) || f.active(t, pair.AccessToken) {
		t.Error("revoking a refresh token must revoke its access token")
	}

	if err := f.svc.Revoke(f.ctx, RevokeRequest{Token: "never-issued"}); err != nil {
		t.Errorf("unknown token should revoke silently, got %v", err)
	}
	if err := f.svc.Revoke(f.ctx, RevokeRequest{}); !apperrors.Is(err, apperrors.KindInvalidArgument) {
		t.Errorf("empty token must be rejected, got %v", err)
	}
}

func TestRevokeAccessTokenOnly(t *testing.T) {
	f := newFixture(t)
	pair, _ := f.exchange(t)

	// wrong hint still finds the token
	if err := f.svc.Revoke(f.ctx, RevokeRequest{Token: pair.AccessToken, TokenTypeHint: HintRefreshToken}); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if f.active(t, pair.AccessToken) {
		t.Error("access token should be revoked")
	}
	if !f.active(t, pair.RefreshToken) {
		t.Error("revoking an access token leaves the refresh token alone")
	}
	if _, err := f.svc.ValidateAccessToken(f.ctx, pair.AccessToken); !apperrors.Is(err, apperrors.KindUnauthenticated) {
		t.Errorf("revoked access token must fail validation, got %v", err)
	}
}

func TestIntrospectInactiveIsUniform(t *testing.T) {
	f := newFixture(t)
	revoked, _ := f.exchange(t)
	expired, _ := f.exchange(t)
	if err := f.svc.Revoke(f.ctx, RevokeRequest{Token: revoked.AccessToken}); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	unknown, _ := f.svc.Introspect(f.ctx, "never-issued")
	gotRevoked, _ := f.svc.Introspect(f.ctx, revoked.AccessToken)
	f.svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	gotExpired, _ := f.svc.Introspect(f.ctx, expired.AccessToken)

	for name, got := range map[string]*Introspection{"unknown": unknown, "revoked": gotRevoked, "expired": gotExpired} {
		if *got != (Introspection{}) {
			t.Errorf("%s: expected a bare inactive response, got %+v", name, got)
		}
	}

	other := tenant.WithTenant(context.Background(), "tenant-2")
	f.svc.now = time.Now
	live, _ := f.exchange(t)
	got, err := f.svc.Introspect(other, live.AccessToken)
	if err != nil || got.Active {
		t.Errorf("token must be inactive in another tenant, got %+v %v", got, err)
	}
}

func TestSessionAccessTokens(t *testing.T) {
	f := newFixture(t)
	userID, sessionID := uuid.New(), uuid.New()

	tok, err := f.svc.IssueSessionAccessToken(f.ctx, userID, sessionID, []string{"openid"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	v, err := f.svc.ValidateAccessToken(f.ctx, tok.Token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if v.Claims.SessionID != sessionID.String() || v.Claims.UserID != userID.String() {
		t.Errorf("unexpected claims %+v", v.Claims)
	}

	if err := f.svc.RevokeSessionTokens(f.ctx, sessionID); err != nil {
		t.Fatalf("revoke session tokens: %v", err)
	}
	if _, err := f.svc.ValidateAccessToken(f.ctx, tok.Token); err == nil {
		t.Error("session token must be revoked with its session")
	}
	if _, err := f.svc.ValidateAccessToken(tenant.WithTenant(context.Background(), "tenant-2"), tok.Token); err == nil {
		t.Error("token must not validate in another tenant")
	}
}

func TestRevokeAllForUserAndSweep(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	if _, err := f.svc.IssueSessionAccessToken(f.ctx, userID, uuid.New(), nil); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := f.svc.IssueSessionAccessToken(f.ctx, userID, uuid.New(), nil); err != nil {
		t.Fatalf("issue: %v", err)
	}
	n, err := f.svc.RevokeAllForUser(f.ctx, userID)
	if err != nil || n != 2 {
		t.Errorf("expected two revoked tokens, got %d %v", n, err)
	}

	swept, err := f.svc.Sweep(f.ctx, time.Now().Add(time.Hour))
	if err != nil || swept != 2 {
		t.Errorf("expected two swept tokens, got %d %v", swept, err)
	}
}
