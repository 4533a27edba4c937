package authcode

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"authkernel/internal/apperrors"
	"authkernel/internal/clients"
	"authkernel/internal/db"
	"authkernel/internal/logging"
	"authkernel/internal/monitoring"
	"authkernel/internal/scopes"
	"authkernel/internal/tenant"
	"authkernel/pkg/crypto"
	jwtpkg "authkernel/pkg/jwt"
	"authkernel/pkg/security"
)

// Revoker revokes every token descended from an authorization code.
type Revoker interface {
	RevokeByCode(ctx context.Context, codeID uuid.UUID) error
}

// Issuer creates and redeems single-use authorization codes.
//
// A code is Issued until it is either Redeemed, by exactly one
// MarkAuthorizationCodeUsed winner, or Expired by TTL.
type Issuer struct {
	store   db.CodeStore
	clients *clients.Registry
	metrics *monitoring.Service
	ttl     time.Duration
	now     func() time.Time

	revoker Revoker
}

func NewIssuer(store db.CodeStore, registry *clients.Registry, metrics *monitoring.Service, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Issuer{
		store:   store,
		clients: registry,
		metrics: metrics,
		ttl:     ttl,
		now:     time.Now,
	}
}

// SetRevoker installs the collaborator used to cascade a replayed code.
func (i *Issuer) SetRevoker(r Revoker) {
	i.revoker = r
}

type IssueRequest struct {
	ClientID            string
	UserID              uuid.UUID
	RedirectURI         string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
}

// Issue returns a new plaintext code. Only its hash is stored.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (string, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return "", err
	}
	if req.UserID == uuid.Nil {
		return "", apperrors.InvalidArgument("user is required")
	}

	client, err := i.clients.RequireActive(ctx, req.ClientID)
	if err != nil {
		if apperrors.Is(err, apperrors.KindNotFound) {
			return "", apperrors.InvalidArgument("unknown client")
		}
		return "", err
	}
	if !client.AllowsGrant(db.GrantAuthorizationCode) {
		return "", apperrors.InvalidArgument("client may not use authorization_code")
	}
	if err := security.MatchRedirectURI(req.RedirectURI, client.RedirectURIs); err != nil {
		return "", apperrors.InvalidArgument("redirect_uri does not match a registered URI")
	}

	granted := req.Scopes
	if len(granted) == 0 {
		granted = client.Scopes
	}
	if !scopes.IsSubset(granted, client.Scopes) {
		return "", apperrors.InvalidArgument("requested scope exceeds client scopes")
	}

	method := req.CodeChallengeMethod
	if req.CodeChallenge != "" {
		if method == "" {
			method = crypto.MethodPlain
		}
		if !crypto.IsSupportedMethod(method) {
			return "", apperrors.InvalidArgument("unsupported code_challenge_method")
		}
		if !crypto.IsValidCodeChallenge(req.CodeChallenge) {
			return "", apperrors.InvalidArgument("malformed code_challenge")
		}
	} else {
		if method != "" {
			return "", apperrors.InvalidArgument("code_challenge_method without code_challenge")
		}
		if client.RequirePKCE || client.IsPublic() {
			return "", apperrors.InvalidArgument("client requires PKCE")
		}
	}

	code, err := jwtpkg.GenerateOpaqueToken()
	if err != nil {
		return "", apperrors.Internal("failed to generate authorization code", err)
	}
	record := &db.AuthorizationCode{
		TenantID:            tenantID,
		CodeHash:            security.HashToken(code),
		ClientID:            client.ClientID,
		UserID:              req.UserID,
		RedirectURI:         req.RedirectURI,
		Scopes:              granted,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		ExpiresAt:           i.now().Add(i.ttl),
	}
	if err := i.store.CreateAuthorizationCode(ctx, record); err != nil {
		return "", apperrors.Internal("failed to store authorization code", err)
	}

	i.metrics.Inc(monitoring.AuthorizationCodesIssued)
	logging.FromContext(ctx).DebugEvent().
		Str("tenant_id", tenantID).
		Str("client_id", client.ClientID).
		Str("code_id", record.ID.String()).
		Bool("pkce", record.CodeChallenge != "").
		Msg("authorization code issued")
	return code, nil
}

type RedeemRequest struct {
	Code         string
	ClientID     string
	RedirectURI  string
	CodeVerifier string
}

// Grant is what a redeemed code vouches for.
type Grant struct {
	CodeID      uuid.UUID
	TenantID    string
	ClientID    string
	UserID      uuid.UUID
	RedirectURI string
	Scopes      []string
}

// Redeem consumes a code. Every check runs before the single conditional
// write, so at most one caller ever observes success. A second redemption
// revokes whatever was issued from the code.
func (i *Issuer) Redeem(ctx context.Context, req RedeemRequest) (*Grant, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if req.Code == "" {
		return nil, apperrors.InvalidArgument("code is required")
	}
	invalid := apperrors.Unauthenticated("invalid authorization code")

	client, err := i.clients.RequireActive(ctx, req.ClientID)
	if err != nil {
		if apperrors.Is(err, apperrors.KindNotFound) {
			return nil, invalid
		}
		return nil, err
	}

	record, err := i.store.GetAuthorizationCode(ctx, tenantID, security.HashToken(req.Code))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, invalid
		}
		return nil, apperrors.Internal("failed to load authorization code", err)
	}
	if record.ClientID != client.ClientID {
		return nil, invalid
	}
	if record.Used {
		i.handleReplay(ctx, record)
		return nil, invalid
	}
	if !i.now().Before(record.ExpiresAt) {
		return nil, invalid
	}
	if record.RedirectURI != req.RedirectURI {
		return nil, invalid
	}

	if record.CodeChallenge != "" {
		if req.CodeVerifier == "" {
			return nil, invalid
		}
		if !crypto.IsValidCodeVerifier(req.CodeVerifier) {
			return nil, apperrors.InvalidArgument("malformed code_verifier")
		}
		if err := crypto.VerifyCodeChallenge(req.CodeVerifier, record.CodeChallenge, record.CodeChallengeMethod); err != nil {
			return nil, invalid
		}
	} else if client.RequirePKCE || client.IsPublic() {
		return nil, invalid
	}

	if err := i.store.MarkAuthorizationCodeUsed(ctx, tenantID, record.ID, i.now()); err != nil {
		if errors.Is(err, db.ErrNotUpdated) {
			i.handleReplay(ctx, record)
			return nil, invalid
		}
		return nil, apperrors.Internal("failed to redeem authorization code", err)
	}

	return &Grant{
		CodeID:      record.ID,
		TenantID:    tenantID,
		ClientID:    record.ClientID,
		UserID:      record.UserID,
		RedirectURI: record.RedirectURI,
		Scopes:      record.Scopes,
	}, nil
}

func (i *Issuer) handleReplay(ctx context.Context, record *db.AuthorizationCode) {
	i.metrics.Inc(monitoring.AuthorizationCodeReplays)
	logger := logging.FromContext(ctx)
	logger.WarnEvent().
		Str("tenant_id", record.TenantID).
		Str("client_id", record.ClientID).
		Str("code_id", record.ID.String()).
		Msg("authorization code replayed; revoking issued tokens")

	if i.revoker == nil {
		return
	}
	if err := i.revoker.RevokeByCode(ctx, record.ID); err != nil {
		logger.WithError(err).Error("failed to revoke tokens of replayed code")
	}
}

// Sweep deletes codes that expired before now.
func (i *Issuer) Sweep(ctx context.Context, now time.Time) (int64, error) {
	return i.store.DeleteExpiredAuthorizationCodes(ctx, now)
}
