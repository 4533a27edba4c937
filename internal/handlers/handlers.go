package handlers

import (
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"authkernel/internal/apperrors"
	"authkernel/internal/auth"
	"authkernel/internal/authcode"
	"authkernel/internal/clients"
	"authkernel/internal/db"
	"authkernel/internal/middleware"
	"authkernel/internal/scopes"
	"authkernel/internal/tokens"
	"authkernel/pkg/security"
)

type Handler struct {
	auth    *auth.Service
	tokens  *tokens.Service
	codes   *authcode.Issuer
	clients *clients.Registry
	mw      *middleware.Middleware
}

func NewHandler(authService *auth.Service, tokenService *tokens.Service, codes *authcode.Issuer,
	registry *clients.Registry, mw *middleware.Middleware) *Handler {
	return &Handler{
		auth:    authService,
		tokens:  tokenService,
		codes:   codes,
		clients: registry,
		mw:      mw,
	}
}

// RegisterRoutes mounts the OAuth and session endpoints on r. r must
// already carry the tenant middleware.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.Handle("/authorize", h.mw.RequireAuth(http.HandlerFunc(h.Authorize))).Methods(http.MethodGet)
	r.HandleFunc("/token", h.Token).Methods(http.MethodPost)
	r.HandleFunc("/revoke", h.Revoke).Methods(http.MethodPost)
	r.HandleFunc("/introspect", h.Introspect).Methods(http.MethodPost)

	r.HandleFunc("/login", h.Login).Methods(http.MethodPost)
	r.HandleFunc("/login/second-factor", h.CompleteSecondFactor).Methods(http.MethodPost)
	r.HandleFunc("/refresh", h.Refresh).Methods(http.MethodPost)
	r.HandleFunc("/validate", h.Validate).Methods(http.MethodPost)

	authed := r.NewRoute().Subrouter()
	authed.Use(h.mw.RequireAuth)
	authed.HandleFunc("/logout", h.Logout).Methods(http.MethodPost)
	authed.HandleFunc("/sessions", h.ListSessions).Methods(http.MethodGet)
	authed.HandleFunc("/sessions/{id}", h.RevokeSession).Methods(http.MethodDelete)
}

// Authorize issues an authorization code to the logged-in caller and
// redirects back to the client. Errors before the redirect URI is known
// to be registered are rendered, never redirected.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := strings.TrimSpace(q.Get("client_id"))
	redirectURI := strings.TrimSpace(q.Get("redirect_uri"))
	state := q.Get("state")

	if clientID == "" || redirectURI == "" {
		h.sendError(w, "invalid_request", "client_id and redirect_uri are required", http.StatusBadRequest)
		return
	}
	client, err := h.clients.RequireActive(r.Context(), clientID)
	if err != nil {
		h.sendError(w, "invalid_client", "unknown or inactive client", http.StatusBadRequest)
		return
	}
	if err := security.MatchRedirectURI(redirectURI, client.RedirectURIs); err != nil {
		h.sendError(w, "invalid_request", "redirect_uri does not match a registered URI", http.StatusBadRequest)
		return
	}

	if q.Get("response_type") != "code" {
		redirectError(w, r, redirectURI, "unsupported_response_type", "only response_type=code is supported", state)
		return
	}
	p, _ := middleware.PrincipalFromContext(r.Context())
	userID, err := uuid.Parse(p.UserID)
	if err != nil {
		redirectError(w, r, redirectURI, "access_denied", "a user session is required", state)
		return
	}

	code, err := h.codes.Issue(r.Context(), authcode.IssueRequest{
		ClientID:            clientID,
		UserID:              userID,
		RedirectURI:         redirectURI,
		Scopes:              scopes.Parse(q.Get("scope")),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	})
	if err != nil {
		redirectError(w, r, redirectURI, oauthErrorCode(err), publicMessage(err), state)
		return
	}

	values := url.Values{"code": {code}}
	if state != "" {
		values.Set("state", state)
	}
	http.Redirect(w, r, appendQuery(redirectURI, values), http.StatusFound)
}

// Token implements the authorization_code, refresh_token and
// client_credentials grants.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.sendError(w, "invalid_request", "malformed form body", http.StatusBadRequest)
		return
	}
	clientID, clientSecret := clientCredentials(r)
	requested := scopes.Parse(r.PostForm.Get("scope"))

	var (
		pair *tokens.Pair
		err  error
	)
	switch r.PostForm.Get("grant_type") {
	case db.GrantAuthorizationCode:
		pair, err = h.tokens.ExchangeCode(r.Context(), tokens.ExchangeRequest{
			Code:         r.PostForm.Get("code"),
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURI:  r.PostForm.Get("redirect_uri"),
			CodeVerifier: r.PostForm.Get("code_verifier"),
			Scopes:       requested,
		})
	case db.GrantRefreshToken:
		pair, err = h.tokens.Refresh(r.Context(), tokens.RefreshRequest{
			RefreshToken: r.PostForm.Get("refresh_token"),
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Scopes:       requested,
		})
	case db.GrantClientCredentials:
		pair, err = h.tokens.ClientCredentials(r.Context(), tokens.ClientCredentialsRequest{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Scopes:       requested,
		})
	default:
		h.sendError(w, "unsupported_grant_type", "grant type not supported", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.handleTokenError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, pair)
}

// Introspect requires client authentication and answers inactive tokens
// with a bare {"active":false}.
func (h *Handler) Introspect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.sendError(w, "invalid_request", "malformed form body", http.StatusBadRequest)
		return
	}
	clientID, clientSecret := clientCredentials(r)
	if _, err := h.clients.ValidateCredentials(r.Context(), clientID, clientSecret); err != nil {
		h.handleTokenError(w, r, err)
		return
	}
	token := r.PostForm.Get("token")
	if token == "" {
		h.sendError(w, "invalid_request", "token parameter required", http.StatusBadRequest)
		return
	}
	result, err := h.tokens.Introspect(r.Context(), token)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) sendError(w http.ResponseWriter, errorType, description string, statusCode int) {
	middleware.WriteJSON(w, statusCode, middleware.ErrorResponse{Error: errorType, ErrorDescription: description})
}

// handleTokenError maps kernel errors onto RFC 6749 error codes.
func (h *Handler) handleTokenError(w http.ResponseWriter, r *http.Request, err error) {
	if clients.IsInvalidClient(err) {
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
		middleware.WriteErrorCode(w, r, err, "invalid_client")
		return
	}
	code := oauthErrorCode(err)
	if code == "server_error" {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusBadRequest, middleware.ErrorResponse{Error: code, ErrorDescription: publicMessage(err)})
}

func oauthErrorCode(err error) string {
	switch apperrors.KindOf(err) {
	case apperrors.KindInvalidArgument:
		if strings.Contains(publicMessage(err), "scope") {
			return "invalid_scope"
		}
		return "invalid_request"
	case apperrors.KindUnauthenticated:
		return "invalid_grant"
	case apperrors.KindPermissionDenied, apperrors.KindFailedPrecondition:
		return "unauthorized_client"
	case apperrors.KindNotFound:
		return "invalid_request"
	default:
		return "server_error"
	}
}

func publicMessage(err error) string {
	if e, ok := apperrors.As(err); ok && e.Kind != apperrors.KindInternal {
		return e.Message
	}
	return "internal server error"
}

func redirectError(w http.ResponseWriter, r *http.Request, redirectURI, code, description, state string) {
	values := url.Values{"error": {code}}
	if description != "" {
		values.Set("error_description", description)
	}
	if state != "" {
		values.Set("state", state)
	}
	http.Redirect(w, r, appendQuery(redirectURI, values), http.StatusFound)
}

func appendQuery(rawURL string, values url.Values) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + values.Encode()
}

// clientCredentials reads client_secret_basic, falling back to
// client_secret_post.
func clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := extractBasicAuth(r); ok {
		return id, secret
	}
	return r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
}

func extractBasicAuth(r *http.Request) (string, string, bool) {
	scheme, encoded, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", "", false
	}
	id, secret, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", false
	}
	// RFC 6749 2.3.1 form-encodes both parts
	if v, err := url.QueryUnescape(id); err == nil {
		id = v
	}
	if v, err := url.QueryUnescape(secret); err == nil {
		secret = v
	}
	return id, secret, true
}
