package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"authkernel/internal/apperrors"
	"authkernel/internal/auth"
	"authkernel/internal/middleware"
)

type loginRequest struct {
	Username     string `json:"username"`
	Password     string `json:"password"`
	CaptchaToken string `json:"captcha_token,omitempty"`
	DeviceName   string `json:"device_name,omitempty"`
	Browser      string `json:"browser,omitempty"`
	OS           string `json:"os,omitempty"`
	DeviceType   string `json:"device_type,omitempty"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := h.auth.Login(r.Context(), auth.LoginRequest{
		Username:     req.Username,
		Password:     req.Password,
		CaptchaToken: req.CaptchaToken,
		Device: auth.DeviceInfo{
			Name:       req.DeviceName,
			UserAgent:  r.UserAgent(),
			Browser:    req.Browser,
			OS:         req.OS,
			DeviceType: req.DeviceType,
		},
		SourceAddress: middleware.ClientIPFromContext(r.Context()),
	})
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

type secondFactorRequest struct {
	PendingSessionID string `json:"pending_session_id"`
	Assertion        string `json:"assertion"`
}

func (h *Handler) CompleteSecondFactor(w http.ResponseWriter, r *http.Request) {
	var req secondFactorRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := h.auth.CompleteSecondFactor(r.Context(), req.PendingSessionID, req.Assertion)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := h.auth.RefreshToken(r.Context(), req.RefreshToken)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

type validateRequest struct {
	Token string `json:"token"`
}

// Validate accepts the token in the body or as a bearer header. An
// invalid token is a 200 with valid=false.
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	token := middleware.ExtractBearerToken(r)
	if token == "" {
		var req validateRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		token = req.Token
	}
	if token == "" {
		middleware.WriteError(w, r, apperrors.InvalidArgument("token is required"))
		return
	}
	resp, err := h.auth.ValidateToken(r.Context(), token)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

type logoutRequest struct {
	AllDevices bool `json:"all_devices"`
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	if err := h.auth.Logout(r.Context(), middleware.ExtractBearerToken(r), req.AllDevices); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sessionView struct {
	ID         uuid.UUID `json:"id"`
	DeviceName string    `json:"device_name,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Current    bool      `json:"current"`
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	p, userID, ok := callerUser(w, r)
	if !ok {
		return
	}
	sessions, err := h.auth.GetActiveSessions(r.Context(), userID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionView{
			ID:         s.ID,
			DeviceName: s.DeviceName,
			UserAgent:  s.UserAgent,
			IPAddress:  s.IPAddress,
			CreatedAt:  s.CreatedAt,
			LastUsedAt: s.LastUsedAt,
			ExpiresAt:  s.ExpiresAt,
			Current:    s.ID.String() == p.SessionID,
		})
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

func (h *Handler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	_, userID, ok := callerUser(w, r)
	if !ok {
		return
	}
	sessionID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		middleware.WriteError(w, r, apperrors.NotFound("session not found"))
		return
	}
	if err := h.auth.RevokeSession(r.Context(), userID, sessionID); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// callerUser returns the authenticated caller and its user id. Client
// credentials tokens carry no user and are refused.
func callerUser(w http.ResponseWriter, r *http.Request) (*middleware.Principal, uuid.UUID, bool) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, r, apperrors.Unauthenticated("bearer token required"))
		return nil, uuid.Nil, false
	}
	userID, err := uuid.Parse(p.UserID)
	if err != nil {
		middleware.WriteError(w, r, apperrors.PermissionDenied("token is not bound to a user"))
		return nil, uuid.Nil, false
	}
	return p, userID, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		middleware.WriteError(w, r, apperrors.InvalidArgument("malformed JSON body"))
		return false
	}
	return true
}
