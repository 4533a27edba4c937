package discovery

import (
	"net/http"
	"strings"

	"authkernel/internal/db"
	"authkernel/internal/middleware"
	"authkernel/internal/scopes"
	"authkernel/internal/tenant"
	"authkernel/pkg/crypto"
)

// Metadata is the RFC 8414 authorization server metadata document.
type Metadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

type Service struct {
	issuer  string
	baseURL string
	scopes  *scopes.Registry
}

func NewService(issuer, baseURL string, scopeRegistry *scopes.Registry) *Service {
	return &Service{
		issuer:  issuer,
		baseURL: strings.TrimRight(baseURL, "/"),
		scopes:  scopeRegistry,
	}
}

// Document builds the metadata for one tenant. Only the scope list
// differs between tenants.
func (s *Service) Document(tenantID string) *Metadata {
	return &Metadata{
		Issuer:                s.issuer,
		AuthorizationEndpoint: s.baseURL + "/authorize",
		TokenEndpoint:         s.baseURL + "/token",
		RevocationEndpoint:    s.baseURL + "/revoke",
		IntrospectionEndpoint: s.baseURL + "/introspect",
		ScopesSupported:       s.scopes.Allowed(tenantID),
		ResponseTypesSupported: []string{"code"},
		GrantTypesSupported: []string{
			db.GrantAuthorizationCode,
			db.GrantRefreshToken,
			db.GrantClientCredentials,
		},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		CodeChallengeMethodsSupported:     []string{crypto.MethodS256, crypto.MethodPlain},
	}
}

// ServeHTTP answers /.well-known/oauth-authorization-server. It must run
// behind the tenant middleware.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.FromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	middleware.WriteJSON(w, http.StatusOK, s.Document(tenantID))
}
