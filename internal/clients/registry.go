package clients

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"authkernel/internal/apperrors"
	"authkernel/internal/cache"
	"authkernel/internal/db"
	"authkernel/internal/logging"
	"authkernel/internal/scopes"
	"authkernel/internal/tenant"
	jwtpkg "authkernel/pkg/jwt"
	"authkernel/pkg/security"
)

const minSecretLength = 16

const invalidClientMessage = "invalid client credentials"

// IsInvalidClient reports whether err is a failed client authentication,
// as opposed to a failure of the grant itself.
func IsInvalidClient(err error) bool {
	e, ok := apperrors.As(err)
	return ok && e.Kind == apperrors.KindUnauthenticated && e.Message == invalidClientMessage
}

var knownGrants = map[string]bool{
	db.GrantAuthorizationCode: true,
	db.GrantClientCredentials: true,
	db.GrantRefreshToken:      true,
}

type Config struct {
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	CacheTTL        time.Duration
}

// Registry owns OAuth client records. Reads go through the cache; every
// write invalidates it.
type Registry struct {
	store  db.ClientStore
	cache  cache.Cache
	scopes *scopes.Registry
	hasher *security.Hasher
	config Config
}

func NewRegistry(store db.ClientStore, c cache.Cache, scopeRegistry *scopes.Registry, hasher *security.Hasher, cfg Config) *Registry {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Registry{
		store:  store,
		cache:  c,
		scopes: scopeRegistry,
		hasher: hasher,
		config: cfg,
	}
}

type RegisterRequest struct {
	ClientID string        `json:"client_id,omitempty"`
	OwnerID  string        `json:"owner_id"`
	Name     string        `json:"name"`
	Type     db.ClientType `json:"client_type"`
	// Secret is required for confidential clients unless GenerateSecret
	// is set.
	Secret          string        `json:"client_secret,omitempty"`
	GenerateSecret  bool          `json:"generate_secret,omitempty"`
	GrantTypes      []string      `json:"grant_types"`
	RedirectURIs    []string      `json:"redirect_uris"`
	Scopes          []string      `json:"scopes"`
	AccessTokenTTL  time.Duration `json:"access_token_ttl,omitempty"`
	RefreshTokenTTL time.Duration `json:"refresh_token_ttl,omitempty"`
	RequirePKCE     bool          `json:"require_pkce"`
	RequireConsent  bool          `json:"require_consent"`
}

// Registered is returned once at registration. Secret is the only copy of
// the plaintext secret.
type Registered struct {
	Client *db.Client `json:"client"`
	Secret string     `json:"client_secret,omitempty"`
}

func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*Registered, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}

	if req.Type != db.ClientConfidential && req.Type != db.ClientPublic {
		return nil, apperrors.InvalidArgument("client_type must be confidential or public")
	}
	if req.Name == "" {
		return nil, apperrors.InvalidArgument("name is required")
	}
	if len(req.GrantTypes) == 0 {
		req.GrantTypes = []string{db.GrantAuthorizationCode, db.GrantRefreshToken}
	}

	client := &db.Client{
		TenantID:        tenantID,
		ClientID:        req.ClientID,
		OwnerID:         req.OwnerID,
		Name:            security.SanitizeInput(req.Name, 200),
		Type:            req.Type,
		GrantTypes:      req.GrantTypes,
		RedirectURIs:    req.RedirectURIs,
		Scopes:          req.Scopes,
		AccessTokenTTL:  req.AccessTokenTTL,
		RefreshTokenTTL: req.RefreshTokenTTL,
		RequirePKCE:     req.RequirePKCE || req.Type == db.ClientPublic,
		RequireConsent:  req.RequireConsent,
		Active:          true,
	}
	if client.ClientID == "" {
		client.ClientID = uuid.NewString()
	}
	if client.AccessTokenTTL <= 0 {
		client.AccessTokenTTL = r.config.AccessTokenTTL
	}
	if client.RefreshTokenTTL <= 0 {
		client.RefreshTokenTTL = r.config.RefreshTokenTTL
	}
	if err := r.validate(tenantID, client); err != nil {
		return nil, err
	}

	var secret string
	if client.IsPublic() {
		if req.Secret != "" {
			return nil, apperrors.InvalidArgument("public clients cannot hold a secret")
		}
	} else {
		secret = req.Secret
		if secret == "" {
			if !req.GenerateSecret {
				return nil, apperrors.InvalidArgument("confidential clients require a secret")
			}
			if secret, err = jwtpkg.GenerateOpaqueToken(); err != nil {
				return nil, apperrors.Internal("failed to generate client secret", err)
			}
		}
		if len(secret) < minSecretLength {
			return nil, apperrors.InvalidArgument(fmt.Sprintf("client secret must be at least %d characters", minSecretLength))
		}
		if client.SecretHash, err = r.hasher.Hash(secret); err != nil {
			return nil, apperrors.Internal("failed to hash client secret", err)
		}
	}

	if err := r.store.CreateClient(ctx, client); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return nil, apperrors.AlreadyExists("client already registered")
		}
		return nil, apperrors.Internal("failed to register client", err)
	}

	logging.FromContext(ctx).InfoEvent().
		Str("tenant_id", tenantID).
		Str("client_id", client.ClientID).
		Str("client_type", string(client.Type)).
		Msg("client registered")

	out := *client
	out.SecretHash = ""
	return &Registered{Client: &out, Secret: secret}, nil
}

func (r *Registry) validate(tenantID string, client *db.Client) error {
	for _, g := range client.GrantTypes {
		if !knownGrants[g] {
			return apperrors.InvalidArgument("unsupported grant type " + g)
		}
	}
	if client.IsPublic() && client.AllowsGrant(db.GrantClientCredentials) {
		return apperrors.InvalidArgument("public clients cannot use client_credentials")
	}
	if client.AllowsGrant(db.GrantAuthorizationCode) && len(client.RedirectURIs) == 0 {
		return apperrors.InvalidArgument("authorization_code clients need at least one redirect URI")
	}
	for _, uri := range client.RedirectURIs {
		if err := security.ValidateRedirectURI(uri); err != nil {
			return apperrors.Wrap(apperrors.KindInvalidArgument, "invalid redirect URI", err)
		}
	}
	for _, s := range client.Scopes {
		if err := scopes.ValidateScopeName(s); err != nil {
			return apperrors.Wrap(apperrors.KindInvalidArgument, "invalid scope", err)
		}
	}
	if err := r.scopes.Check(tenantID, client.Scopes); err != nil {
		return apperrors.Wrap(apperrors.KindInvalidArgument, "scope outside tenant allow-list", err)
	}
	if client.IsPublic() && !client.RequirePKCE {
		return apperrors.InvalidArgument("public clients always require PKCE")
	}
	return nil
}

// Get returns a client of the current tenant, from cache when possible.
func (r *Registry) Get(ctx context.Context, clientID string) (*db.Client, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	logger := logging.FromContext(ctx)

	if r.cache != nil {
		client, err := r.cache.GetClient(ctx, tenantID, clientID)
		if err == nil {
			return client, nil
		}
		if !cache.IsCacheMiss(err) {
			logger.WithError(err).Warn("client cache read failed")
		}
	}

	client, err := r.store.GetClient(ctx, tenantID, clientID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperrors.NotFound("client not found")
		}
		return nil, apperrors.Internal("failed to load client", err)
	}

	if r.cache != nil {
		if err := r.cache.SetClient(ctx, client, r.config.CacheTTL); err != nil {
			logger.WithError(err).Warn("client cache write failed")
		}
	}
	return client, nil
}

// RequireActive returns the client or FailedPrecondition when it has been
// deactivated.
func (r *Registry) RequireActive(ctx context.Context, clientID string) (*db.Client, error) {
	client, err := r.Get(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !client.Active {
		return nil, apperrors.FailedPrecondition("client is inactive")
	}
	return client, nil
}

func (r *Registry) List(ctx context.Context) ([]*db.Client, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	list, err := r.store.ListClients(ctx, tenantID)
	if err != nil {
		return nil, apperrors.Internal("failed to list clients", err)
	}
	return list, nil
}

// ValidateCredentials authenticates a client at the token endpoint.
// Confidential clients must present their secret; public clients must
// present none and prove possession with PKCE instead.
func (r *Registry) ValidateCredentials(ctx context.Context, clientID, secret string) (*db.Client, error) {
	invalid := apperrors.Unauthenticated(invalidClientMessage)

	client, err := r.Get(ctx, clientID)
	if err != nil {
		if apperrors.Is(err, apperrors.KindNotFound) {
			r.hasher.CompareDummy(secret)
			return nil, invalid
		}
		return nil, err
	}

	if client.IsPublic() {
		if secret != "" {
			return nil, invalid
		}
	} else if secret == "" || !r.hasher.Compare(client.SecretHash, secret) {
		return nil, invalid
	}

	if !client.Active {
		return nil, apperrors.FailedPrecondition("client is inactive")
	}
	return client, nil
}

// RotateSecret replaces the secret of a confidential client. Tokens issued
// under the old secret stay valid.
func (r *Registry) RotateSecret(ctx context.Context, clientID string) (string, error) {
	client, err := r.Get(ctx, clientID)
	if err != nil {
		return "", err
	}
	if client.IsPublic() {
		return "", apperrors.FailedPrecondition("public clients have no secret")
	}

	secret, err := jwtpkg.GenerateOpaqueToken()
	if err != nil {
		return "", apperrors.Internal("failed to generate client secret", err)
	}
	hash, err := r.hasher.Hash(secret)
	if err != nil {
		return "", apperrors.Internal("failed to hash client secret", err)
	}
	if err := r.store.UpdateClientSecret(ctx, client.TenantID, clientID, hash); err != nil {
		return "", r.writeError(err)
	}
	r.invalidate(ctx, client.TenantID, clientID)

	logging.FromContext(ctx).InfoEvent().
		Str("tenant_id", client.TenantID).
		Str("client_id", clientID).
		Msg("client secret rotated")
	return secret, nil
}

// Deactivate disables a client. Issuance and redemption for it then fail
// with FailedPrecondition.
func (r *Registry) Deactivate(ctx context.Context, clientID string) error {
	return r.setActive(ctx, clientID, false)
}

func (r *Registry) Activate(ctx context.Context, clientID string) error {
	return r.setActive(ctx, clientID, true)
}

func (r *Registry) setActive(ctx context.Context, clientID string, active bool) error {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	if err := r.store.SetClientActive(ctx, tenantID, clientID, active); err != nil {
		return r.writeError(err)
	}
	r.invalidate(ctx, tenantID, clientID)

	logging.FromContext(ctx).InfoEvent().
		Str("tenant_id", tenantID).
		Str("client_id", clientID).
		Bool("active", active).
		Msg("client active flag changed")
	return nil
}

// UpdateRequest carries the mutable client fields. Nil fields are left
// unchanged.
type UpdateRequest struct {
	Name            *string        `json:"name,omitempty"`
	GrantTypes      []string       `json:"grant_types,omitempty"`
	RedirectURIs    []string       `json:"redirect_uris,omitempty"`
	Scopes          []string       `json:"scopes,omitempty"`
	AccessTokenTTL  *time.Duration `json:"access_token_ttl,omitempty"`
	RefreshTokenTTL *time.Duration `json:"refresh_token_ttl,omitempty"`
	RequirePKCE     *bool          `json:"require_pkce,omitempty"`
	RequireConsent  *bool          `json:"require_consent,omitempty"`
}

func (r *Registry) Update(ctx context.Context, clientID string, req UpdateRequest) (*db.Client, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	client, err := r.store.GetClient(ctx, tenantID, clientID)
	if err != nil {
		return nil, r.writeError(err)
	}

	if req.Name != nil {
		client.Name = security.SanitizeInput(*req.Name, 200)
	}
	if req.GrantTypes != nil {
		client.GrantTypes = req.GrantTypes
	}
	if req.RedirectURIs != nil {
		client.RedirectURIs = req.RedirectURIs
	}
	if req.Scopes != nil {
		client.Scopes = req.Scopes
	}
	if req.AccessTokenTTL != nil && *req.AccessTokenTTL > 0 {
		client.AccessTokenTTL = *req.AccessTokenTTL
	}
	if req.RefreshTokenTTL != nil && *req.RefreshTokenTTL > 0 {
		client.RefreshTokenTTL = *req.RefreshTokenTTL
	}
	if req.RequirePKCE != nil {
		client.RequirePKCE = *req.RequirePKCE
	}
	if req.RequireConsent != nil {
		client.RequireConsent = *req.RequireConsent
	}
	if err := r.validate(tenantID, client); err != nil {
		return nil, err
	}

	if err := r.store.UpdateClient(ctx, client); err != nil {
		return nil, r.writeError(err)
	}
	r.invalidate(ctx, tenantID, clientID)
	client.SecretHash = ""
	return client, nil
}

func (r *Registry) invalidate(ctx context.Context, tenantID, clientID string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.InvalidateClient(ctx, tenantID, clientID); err != nil {
		logging.FromContext(ctx).WithError(err).WithClientID(clientID).Warn("client cache invalidation failed")
	}
}

func (r *Registry) writeError(err error) error {
	if errors.Is(err, db.ErrNotFound) {
		return apperrors.NotFound("client not found")
	}
	return apperrors.Internal("failed to update client", err)
}
