package tokens

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"authkernel/internal/apperrors"
	"authkernel/internal/authcode"
	"authkernel/internal/clients"
	"authkernel/internal/db"
	"authkernel/internal/logging"
	"authkernel/internal/monitoring"
	"authkernel/internal/scopes"
	"authkernel/internal/tenant"
	jwtpkg "authkernel/pkg/jwt"
	"authkernel/pkg/security"
)

const (
	TokenTypeBearer = "Bearer"

	HintAccessToken  = "access_token"
	HintRefreshToken = "refresh_token"
)

type Config struct {
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// Service issues, rotates, revokes and introspects token pairs. Only the
// SHA-256 of a token is ever stored.
type Service struct {
	store   db.TokenStore
	clients *clients.Registry
	codes   *authcode.Issuer
	jwt     *jwtpkg.Manager
	metrics *monitoring.Service
	config  Config
	now     func() time.Time
}

// NewService wires the service as the code issuer's replay revoker.
func NewService(store db.TokenStore, registry *clients.Registry, codes *authcode.Issuer, jwtManager *jwtpkg.Manager, metrics *monitoring.Service, cfg Config) *Service {
	s := &Service{
		store:   store,
		clients: registry,
		codes:   codes,
		jwt:     jwtManager,
		metrics: metrics,
		config:  cfg,
		now:     time.Now,
	}
	if codes != nil {
		codes.SetRevoker(s)
	}
	return s
}

// Pair is the token endpoint response body.
type Pair struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

type ExchangeRequest struct {
	Code         string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	CodeVerifier string
	Scopes       []string
}

// ExchangeCode redeems an authorization code for a token pair.
func (s *Service) ExchangeCode(ctx context.Context, req ExchangeRequest) (*Pair, error) {
	client, err := s.clients.ValidateCredentials(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrant(db.GrantAuthorizationCode) {
		return nil, apperrors.PermissionDenied("client may not use authorization_code")
	}

	grant, err := s.codes.Redeem(ctx, authcode.RedeemRequest{
		Code:         req.Code,
		ClientID:     client.ClientID,
		RedirectURI:  req.RedirectURI,
		CodeVerifier: req.CodeVerifier,
	})
	if err != nil {
		return nil, err
	}

	granted, err := scopes.Narrow(req.Scopes, grant.Scopes)
	if err != nil {
		return nil, apperrors.InvalidArgument("requested scope exceeds granted scope")
	}

	userID := grant.UserID
	codeID := grant.CodeID
	access, refresh, pair, err := s.newPair(client, grant.TenantID, &userID, granted, client.AllowsGrant(db.GrantRefreshToken))
	if err != nil {
		return nil, err
	}
	access.CodeID = &codeID
	if refresh != nil {
		refresh.CodeID = &codeID
	}
	if err := s.store.CreateTokenPair(ctx, access, refresh); err != nil {
		return nil, apperrors.Internal("failed to store tokens", err)
	}

	s.metrics.Inc(monitoring.TokensIssued)
	logging.FromContext(ctx).InfoEvent().
		Str("tenant_id", grant.TenantID).
		Str("client_id", client.ClientID).
		Str("user_id", userID.String()).
		Str("grant_type", db.GrantAuthorizationCode).
		Msg("token pair issued")
	return pair, nil
}

type ClientCredentialsRequest struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// ClientCredentials issues an access token with no user and no refresh
// token. Only confidential clients qualify.
func (s *Service) ClientCredentials(ctx context.Context, req ClientCredentialsRequest) (*Pair, error) {
	client, err := s.clients.ValidateCredentials(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if client.IsPublic() {
		return nil, apperrors.Unauthenticated("public clients cannot use client_credentials")
	}
	if !client.AllowsGrant(db.GrantClientCredentials) {
		return nil, apperrors.PermissionDenied("client may not use client_credentials")
	}
	granted, err := scopes.Narrow(req.Scopes, client.Scopes)
	if err != nil {
		return nil, apperrors.InvalidArgument("requested scope exceeds client scopes")
	}

	access, _, pair, err := s.newPair(client, client.TenantID, nil, granted, false)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateTokenPair(ctx, access, nil); err != nil {
		return nil, apperrors.Internal("failed to store token", err)
	}

	s.metrics.Inc(monitoring.TokensIssued)
	logging.FromContext(ctx).InfoEvent().
		Str("tenant_id", client.TenantID).
		Str("client_id", client.ClientID).
		Str("grant_type", db.GrantClientCredentials).
		Msg("access token issued")
	return pair, nil
}

type RefreshRequest struct {
	RefreshToken string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Refresh rotates a refresh token. The presented token and its access
// sibling are revoked in the same store operation that writes the new
// pair. Presenting an already revoked token revokes its whole descendant
// chain.
func (s *Service) Refresh(ctx context.Context, req RefreshRequest) (*Pair, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	client, err := s.clients.ValidateCredentials(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrant(db.GrantRefreshToken) {
		return nil, apperrors.PermissionDenied("client may not use refresh_token")
	}
	if req.RefreshToken == "" {
		return nil, apperrors.InvalidArgument("refresh_token is required")
	}
	invalid := apperrors.Unauthenticated("invalid refresh token")

	current, err := s.store.GetRefreshToken(ctx, tenantID, security.HashToken(req.RefreshToken))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, invalid
		}
		return nil, apperrors.Internal("failed to load refresh token", err)
	}
	if current.ClientID != client.ClientID {
		return nil, invalid
	}
	if current.Revoked {
		s.reuseDetected(ctx, tenantID, client.ClientID, current)
		return nil, invalid
	}
	if !s.now().Before(current.ExpiresAt) {
		return nil, invalid
	}

	granted, err := scopes.Narrow(req.Scopes, current.Scopes)
	if err != nil {
		return nil, apperrors.InvalidArgument("requested scope exceeds granted scope")
	}

	access, refresh, pair, err := s.newPair(client, tenantID, current.UserID, granted, true)
	if err != nil {
		return nil, err
	}
	parentID := current.ID
	refresh.ParentID = &parentID
	access.CodeID, refresh.CodeID = current.CodeID, current.CodeID

	if err := s.store.RotateRefreshToken(ctx, tenantID, current.ID, access, refresh, s.now()); err != nil {
		if errors.Is(err, db.ErrNotUpdated) {
			// another presentation rotated it first
			s.reuseDetected(ctx, tenantID, client.ClientID, current)
			return nil, invalid
		}
		return nil, apperrors.Internal("failed to rotate refresh token", err)
	}

	s.metrics.Inc(monitoring.TokensIssued)
	s.metrics.Add(monitoring.TokensRevoked, 2)
	logging.FromContext(ctx).InfoEvent().
		Str("tenant_id", tenantID).
		Str("client_id", client.ClientID).
		Str("parent_id", parentID.String()).
		Msg("refresh token rotated")
	return pair, nil
}

// revokeChain revokes root's access sibling and walks the parent links
// forward, revoking every rotated descendant and its access sibling.
// reuseDetected handles a refresh token presented after it was rotated
// away: everything issued from it is revoked.
func (s *Service) reuseDetected(ctx context.Context, tenantID, clientID string, current *db.RefreshToken) {
	s.metrics.Inc(monitoring.RefreshTokenReplays)
	logging.FromContext(ctx).WarnEvent().
		Str("tenant_id", tenantID).
		Str("client_id", clientID).
		Str("refresh_token_id", current.ID.String()).
		Msg("revoked refresh token presented; revoking descendants")
	if err := s.revokeChain(ctx, tenantID, current); err != nil {
		logging.FromContext(ctx).WithError(err).Error("failed to revoke refresh token chain")
	}
}

func (s *Service) revokeChain(ctx context.Context, tenantID string, root *db.RefreshToken) error {
	at := s.now()
	var firstErr error
	record := func(err error) {
		if err != nil && !errors.Is(err, db.ErrNotFound) && firstErr == nil {
			firstErr = err
		}
	}

	record(s.store.RevokeAccessToken(ctx, tenantID, root.AccessTokenID, at))
	visited := map[uuid.UUID]bool{root.ID: true}
	queue := []uuid.UUID{root.ID}
	var revoked int64
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]

		children, err := s.store.ListRefreshTokensByParent(ctx, tenantID, parent)
		if err != nil {
			record(err)
			continue
		}
		for _, child := range children {
			if visited[child.ID] {
				continue
			}
			visited[child.ID] = true
			record(s.store.RevokeRefreshToken(ctx, tenantID, child.ID, at))
			record(s.store.RevokeAccessToken(ctx, tenantID, child.AccessTokenID, at))
			revoked += 2
			queue = append(queue, child.ID)
		}
	}
	s.metrics.Add(monitoring.TokensRevoked, revoked)
	return firstErr
}

type RevokeRequest struct {
	Token         string
	TokenTypeHint string
	// ClientID, when set, restricts revocation to tokens of that client.
	ClientID string
}

// Revoke revokes an access or refresh token. Unknown tokens succeed
// silently. Revoking a refresh token also revokes its access sibling.
func (s *Service) Revoke(ctx context.Context, req RevokeRequest) error {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	if req.Token == "" {
		return apperrors.InvalidArgument("token is required")
	}
	hash := security.HashToken(req.Token)

	tryRefresh := func() (bool, error) {
		rt, err := s.store.GetRefreshToken(ctx, tenantID, hash)
		if errors.Is(err, db.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if req.ClientID != "" && rt.ClientID != req.ClientID {
			return true, nil
		}
		at := s.now()
		if err := s.store.RevokeRefreshToken(ctx, tenantID, rt.ID, at); err != nil && !errors.Is(err, db.ErrNotFound) {
			return true, err
		}
		if err := s.store.RevokeAccessToken(ctx, tenantID, rt.AccessTokenID, at); err != nil && !errors.Is(err, db.ErrNotFound) {
			return true, err
		}
		s.metrics.Add(monitoring.TokensRevoked, 2)
		return true, nil
	}
	tryAccess := func() (bool, error) {
		at, err := s.store.GetAccessToken(ctx, tenantID, hash)
		if errors.Is(err, db.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if req.ClientID != "" && at.ClientID != req.ClientID {
			return true, nil
		}
		if err := s.store.RevokeAccessToken(ctx, tenantID, at.ID, s.now()); err != nil && !errors.Is(err, db.ErrNotFound) {
			return true, err
		}
		s.metrics.Inc(monitoring.TokensRevoked)
		return true, nil
	}

	order := []func() (bool, error){tryAccess, tryRefresh}
	if req.TokenTypeHint == HintRefreshToken {
		order = []func() (bool, error){tryRefresh, tryAccess}
	}
	for _, try := range order {
		found, err := try()
		if err != nil {
			return apperrors.Internal("failed to revoke token", err)
		}
		if found {
			return nil
		}
	}
	return nil
}

// Introspection is the RFC 7662 response. Inactive tokens carry only
// Active=false, whatever the reason.
type Introspection struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	UserID    string `json:"sub,omitempty"`
	TenantID  string `json:"tenant_id,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

// Introspect always hashes the input and queries both token tables, so
// unknown, expired and revoked tokens take the same path.
func (s *Service) Introspect(ctx context.Context, token string) (*Introspection, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	hash := security.HashToken(token)
	now := s.now()

	access, accessErr := s.store.GetAccessToken(ctx, tenantID, hash)
	refresh, refreshErr := s.store.GetRefreshToken(ctx, tenantID, hash)
	for _, err := range []error{accessErr, refreshErr} {
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, apperrors.Internal("failed to introspect token", err)
		}
	}

	inactive := &Introspection{Active: false}
	switch {
	case accessErr == nil:
		if access.Revoked || !now.Before(access.ExpiresAt) {
			return inactive, nil
		}
		return &Introspection{
			Active:    true,
			Scope:     scopes.Join(access.Scopes),
			ClientID:  access.ClientID,
			UserID:    uuidString(access.UserID),
			TenantID:  access.TenantID,
			TokenType: HintAccessToken,
			ExpiresAt: access.ExpiresAt.Unix(),
		}, nil
	case refreshErr == nil:
		if refresh.Revoked || !now.Before(refresh.ExpiresAt) {
			return inactive, nil
		}
		return &Introspection{
			Active:    true,
			Scope:     scopes.Join(refresh.Scopes),
			ClientID:  refresh.ClientID,
			UserID:    uuidString(refresh.UserID),
			TenantID:  refresh.TenantID,
			TokenType: HintRefreshToken,
			ExpiresAt: refresh.ExpiresAt.Unix(),
		}, nil
	default:
		return inactive, nil
	}
}

// RevokeByCode revokes every token issued from codeID, including tokens
// rotated forward from it, which inherit the code id.
func (s *Service) RevokeByCode(ctx context.Context, codeID uuid.UUID) error {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	access, refresh, err := s.store.ListTokensByCode(ctx, tenantID, codeID)
	if err != nil {
		return apperrors.Internal("failed to list tokens for code", err)
	}

	at := s.now()
	var revoked int64
	for _, t := range access {
		if t.Revoked {
			continue
		}
		if err := s.store.RevokeAccessToken(ctx, tenantID, t.ID, at); err != nil && !errors.Is(err, db.ErrNotFound) {
			return apperrors.Internal("failed to revoke access token", err)
		}
		revoked++
	}
	for _, t := range refresh {
		if t.Revoked {
			continue
		}
		if err := s.store.RevokeRefreshToken(ctx, tenantID, t.ID, at); err != nil && !errors.Is(err, db.ErrNotFound) {
			return apperrors.Internal("failed to revoke refresh token", err)
		}
		revoked++
	}
	s.metrics.Add(monitoring.TokensRevoked, revoked)
	logging.FromContext(ctx).WarnEvent().
		Str("tenant_id", tenantID).
		Str("code_id", codeID.String()).
		Int64("revoked", revoked).
		Msg("revoked tokens issued from code")
	return nil
}

// RevokeAllForUser revokes every live token of a user in the current tenant.
func (s *Service) RevokeAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return 0, err
	}
	n, err := s.store.RevokeTokensForUser(ctx, tenantID, userID, s.now())
	if err != nil {
		return 0, apperrors.Internal("failed to revoke user tokens", err)
	}
	s.metrics.Add(monitoring.TokensRevoked, n)
	return n, nil
}

// SessionToken is an access token bound to an interactive session.
type SessionToken struct {
	Token     string
	ExpiresAt time.Time
}

// IssueSessionAccessToken signs a short-lived access token for a logged in
// user. It carries the session id and no client.
func (s *Service) IssueSessionAccessToken(ctx context.Context, userID, sessionID uuid.UUID, granted []string) (*SessionToken, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	ttl := s.config.AccessTokenTTL
	uid, sid := userID, sessionID
	access := &db.AccessToken{
		ID:        uuid.New(),
		TenantID:  tenantID,
		UserID:    &uid,
		SessionID: &sid,
		Scopes:    granted,
		ExpiresAt: now.Add(ttl),
	}
	signed, err := s.jwt.GenerateAccessToken(jwtpkg.AccessTokenInput{
		TokenID:   access.ID,
		TenantID:  tenantID,
		UserID:    userID.String(),
		SessionID: sessionID.String(),
		Scopes:    granted,
		IssuedAt:  now,
		TTL:       ttl,
	})
	if err != nil {
		return nil, apperrors.Internal("failed to sign access token", err)
	}
	access.TokenHash = security.HashToken(signed)
	if err := s.store.CreateTokenPair(ctx, access, nil); err != nil {
		return nil, apperrors.Internal("failed to store access token", err)
	}
	s.metrics.Inc(monitoring.TokensIssued)
	return &SessionToken{Token: signed, ExpiresAt: access.ExpiresAt}, nil
}

// RevokeSessionTokens revokes the access tokens bound to a session.
func (s *Service) RevokeSessionTokens(ctx context.Context, sessionID uuid.UUID) error {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	n, err := s.store.RevokeAccessTokensBySession(ctx, tenantID, sessionID, s.now())
	if err != nil {
		return apperrors.Internal("failed to revoke session tokens", err)
	}
	s.metrics.Add(monitoring.TokensRevoked, n)
	return nil
}

// Validated is a verified, live access token.
type Validated struct {
	Claims *jwtpkg.Claims
	Token  *db.AccessToken
}

// ValidateAccessToken checks the signature, the tenant and the stored row.
// Revoked tokens fail even while their JWT is still within its lifetime.
func (s *Service) ValidateAccessToken(ctx context.Context, token string) (*Validated, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	invalid := apperrors.Unauthenticated("invalid access token")

	claims, err := s.jwt.ValidateAccessToken(token)
	if err != nil {
		if errors.Is(err, jwtpkg.ErrExpiredToken) {
			return nil, apperrors.Unauthenticated("access token expired")
		}
		return nil, invalid
	}
	if claims.TenantID != tenantID {
		return nil, invalid
	}
	record, err := s.store.GetAccessToken(ctx, tenantID, security.HashToken(token))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, invalid
		}
		return nil, apperrors.Internal("failed to load access token", err)
	}
	if record.Revoked || !s.now().Before(record.ExpiresAt) {
		return nil, invalid
	}
	return &Validated{Claims: claims, Token: record}, nil
}

// Sweep deletes tokens that expired before now.
func (s *Service) Sweep(ctx context.Context, now time.Time) (int64, error) {
	return s.store.DeleteExpiredTokens(ctx, now)
}

func (s *Service) newPair(client *db.Client, tenantID string, userID *uuid.UUID, granted []string, withRefresh bool) (*db.AccessToken, *db.RefreshToken, *Pair, error) {
	now := s.now()
	accessTTL := client.AccessTokenTTL
	if accessTTL <= 0 {
		accessTTL = s.config.AccessTokenTTL
	}
	refreshTTL := client.RefreshTokenTTL
	if refreshTTL <= 0 {
		refreshTTL = s.config.RefreshTokenTTL
	}

	access := &db.AccessToken{
		ID:        uuid.New(),
		TenantID:  tenantID,
		ClientID:  client.ClientID,
		UserID:    userID,
		Scopes:    granted,
		ExpiresAt: now.Add(accessTTL),
	}
	signed, err := s.jwt.GenerateAccessToken(jwtpkg.AccessTokenInput{
		TokenID:  access.ID,
		TenantID: tenantID,
		ClientID: client.ClientID,
		UserID:   uuidString(userID),
		Scopes:   granted,
		IssuedAt: now,
		TTL:      accessTTL,
	})
	if err != nil {
		return nil, nil, nil, apperrors.Internal("failed to sign access token", err)
	}
	access.TokenHash = security.HashToken(signed)

	pair := &Pair{
		AccessToken: signed,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   int64(accessTTL.Seconds()),
		Scope:       scopes.Join(granted),
	}
	if !withRefresh {
		return access, nil, pair, nil
	}

	raw, err := jwtpkg.GenerateOpaqueToken()
	if err != nil {
		return nil, nil, nil, apperrors.Internal("failed to generate refresh token", err)
	}
	refresh := &db.RefreshToken{
		ID:            uuid.New(),
		TenantID:      tenantID,
		TokenHash:     security.HashToken(raw),
		AccessTokenID: access.ID,
		ClientID:      client.ClientID,
		UserID:        userID,
		Scopes:        granted,
		ExpiresAt:     now.Add(refreshTTL),
	}
	pair.RefreshToken = raw
	return access, refresh, pair, nil
}

func uuidString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
