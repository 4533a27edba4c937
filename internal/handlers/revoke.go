package handlers

import (
	"net/http"

	"authkernel/internal/middleware"
	"authkernel/internal/tokens"
)

// Revoke implements RFC 7009. The client must authenticate; tokens that
// are unknown or belong to another client still get 200.
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.sendError(w, "invalid_request", "malformed form body", http.StatusBadRequest)
		return
	}
	token := r.PostForm.Get("token")
	if token == "" {
		h.sendError(w, "invalid_request", "token parameter required", http.StatusBadRequest)
		return
	}

	clientID, clientSecret := clientCredentials(r)
	if clientID == "" {
		w.Header().Set("WWW-Authenticate", `Basic realm="revoke"`)
		h.sendError(w, "invalid_client", "client authentication required", http.StatusUnauthorized)
		return
	}
	client, err := h.clients.ValidateCredentials(r.Context(), clientID, clientSecret)
	if err != nil {
		h.handleTokenError(w, r, err)
		return
	}

	hint := r.PostForm.Get("token_type_hint")
	if hint != "" && hint != tokens.HintAccessToken && hint != tokens.HintRefreshToken {
		h.sendError(w, "unsupported_token_type", "token_type_hint not supported", http.StatusBadRequest)
		return
	}
	if err := h.tokens.Revoke(r.Context(), tokens.RevokeRequest{
		Token:         token,
		TokenTypeHint: hint,
		ClientID:      client.ClientID,
	}); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
