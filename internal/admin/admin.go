package admin

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"authkernel/internal/apperrors"
	"authkernel/internal/auditlog"
	"authkernel/internal/clients"
	"authkernel/internal/db"
	"authkernel/internal/lockout"
	"authkernel/internal/logging"
	"authkernel/internal/middleware"
	"authkernel/internal/monitoring"
	"authkernel/internal/session"
	"authkernel/internal/tokens"
	"authkernel/internal/users"
)

const (
	defaultSuspiciousWindow = 24 * time.Hour
	maxListLimit            = 500
)

// Service is the operator JSON API. Every route runs behind the admin key
// and the tenant middleware.
type Service struct {
	clients   *clients.Registry
	users     *users.Service
	lockout   *lockout.Manager
	sessions  *session.Manager
	tokens    *tokens.Service
	audit     *auditlog.Log
	metrics   *monitoring.Service
	health    *db.HealthChecker
	startTime time.Time
	version   string
}

type Config struct {
	Version string
}

type Deps struct {
	Clients  *clients.Registry
	Users    *users.Service
	Lockout  *lockout.Manager
	Sessions *session.Manager
	Tokens   *tokens.Service
	Audit    *auditlog.Log
	Metrics  *monitoring.Service
	Health   *db.HealthChecker
}

func NewService(deps Deps, config Config) *Service {
	return &Service{
		clients:   deps.Clients,
		users:     deps.Users,
		lockout:   deps.Lockout,
		sessions:  deps.Sessions,
		tokens:    deps.Tokens,
		audit:     deps.Audit,
		metrics:   deps.Metrics,
		health:    deps.Health,
		startTime: time.Now(),
		version:   config.Version,
	}
}

// RegisterRoutes mounts the API on r, typically the /api/admin subrouter.
func (s *Service) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/clients", s.ListClients).Methods(http.MethodGet)
	r.HandleFunc("/clients", s.CreateClient).Methods(http.MethodPost)
	r.HandleFunc("/clients/{client_id}", s.GetClient).Methods(http.MethodGet)
	r.HandleFunc("/clients/{client_id}", s.UpdateClient).Methods(http.MethodPatch)
	r.HandleFunc("/clients/{client_id}/secret", s.RotateSecret).Methods(http.MethodPost)
	r.HandleFunc("/clients/{client_id}/deactivate", s.DeactivateClient).Methods(http.MethodPost)
	r.HandleFunc("/clients/{client_id}/activate", s.ActivateClient).Methods(http.MethodPost)

	r.HandleFunc("/users", s.CreateUser).Methods(http.MethodPost)
	r.HandleFunc("/users/locked", s.ListLocked).Methods(http.MethodGet)
	r.HandleFunc("/users/{user_id}/lock", s.LockUser).Methods(http.MethodPost)
	r.HandleFunc("/users/{user_id}/unlock", s.UnlockUser).Methods(http.MethodPost)
	r.HandleFunc("/users/{user_id}/sessions", s.RevokeUserSessions).Methods(http.MethodDelete)
	r.HandleFunc("/users/{user_id}/logins", s.UserLogins).Methods(http.MethodGet)

	r.HandleFunc("/logins/suspicious", s.SuspiciousLogins).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.Stats).Methods(http.MethodGet)
}

func (s *Service) ListClients(w http.ResponseWriter, r *http.Request) {
	list, err := s.clients.List(r.Context())
	if err != nil {
		s.sendJSONError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"clients": list})
}

func (s *Service) CreateClient(w http.ResponseWriter, r *http.Request) {
	var req clients.RegisterRequest
	if !s.decode(w, r, &req) {
		return
	}
	registered, err := s.clients.Register(r.Context(), req)
	if err != nil {
		s.sendJSONError(w, r, err)
		return
	}
	logging.FromContext(r.Context()).WithClientID(registered.Client.ClientID).Info("client registered")
	s.sendJSON(w, http.StatusCreated, registered)
}

func (s *Service) GetClient(w http.ResponseWriter, r *http.Request) {
	client, err := s.clients.Get(r.Context(), mux.Vars(r)["client_id"])
	if err != nil {
		s.sendJSONError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, client)
}

func (s *Service) UpdateClient(w http.ResponseWriter, r *http.Request) {
	var req clients.UpdateRequest
	if !s.decode(w, r, &req) {
		return
	}
	client, err := s.clients.Update(r.Context(), mux.Vars(r)["client_id"], req)
	if err != nil {
		s.sendJSONError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, client)
}

func (s *Service) RotateSecret(w http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["client_id"]
	secret, err := s.clients.RotateSecret(r.Context(), clientID)
	if err != nil {
		s.sendJSONError(w, r, err)
		return
	}
	logging.FromContext(r.Context()).WithClientID(clientID).Info("client secret rotated")
	s.sendJSON(w, http.StatusOK, map[string]string{"client_id": clientID, "client_secret": secret})
}

func (s *Service) DeactivateClient(w http.ResponseWriter, r *http.Request) {
	if err := s.clients.Deactivate(r.Context(), mux.Vars(r)["client_id"]); err != nil {
		s.sendJSONError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) ActivateClient(w http.ResponseWriter, r *http.Request) {
	if err := s.clients.Activate(r.Context(), mux.Vars(r)["client_id"]); err != nil {
		s.sendJSONError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req users.CreateRequest
	if !s.decode(w, r, &req) {
		return
	}
	user, err := s.users.Create(r.Context(), req)
	if err != nil {
		s.sendJSONError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, user)
}

func (s *Service) ListLocked(w http.ResponseWriter, r *http.Request) {
	locked, err := s.lockout.ListLocked(r.Context())
	if err != nil {
		s.sendJSONError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"users": locked})
}

type lockRequest struct {
	// Duration is a Go duration string such as "2h".
	Duration string `json:"duration"`
	Reason   string `json:"reason"`
}

func (s *Service) LockUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req lockRequest
	if !s.decode(w, r, &req) {
		return
	}
	duration, err := time.ParseDuration(req.Duration)
	if err != nil {
		s.sendJSONError(w, r, apperrors.InvalidArgument("duration must be a Go duration"))
		return
	}
	user, err := s.lockout.Lock(r.Context(), userID, duration, req.Reason)
	if err != nil {
		s.sendJSONError(w, r, err)
		return
	}
	if _, err := s.sessions.RevokeAll(r.Context(), userID, session.ReasonAdmin); err != nil {
		logging.FromContext(r.Context()).WithError(err).Warn("failed to revoke sessions of locked user")
	}
	s.sendJSON(w, http.StatusOK, user)
}

func (s *Service) UnlockUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	user, err := s.lockout.Unlock(r.Context(), userID)
	if err != nil {
		s.sendJSONError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, user)
}

// RevokeUserSessions ends every session of a user and revokes all of the
// user's tokens.
func (s *Service) RevokeUserSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	sessions, err := s.sessions.RevokeAll(r.Context(), userID, session.ReasonAdmin)
	if err != nil {
		s.sendJSONError(w, r, err)
		return
	}
	revoked, err := s.tokens.RevokeAllForUser(r.Context(), userID)
	if err != nil {
		s.sendJSONError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]int64{"sessions_revoked": sessions, "tokens_revoked": revoked})
}

func (s *Service) UserLogins(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	logs, err := s.audit.FindByUser(r.Context(), userID, limitParam(r))
	if err != nil {
		s.sendJSONError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"logins": logs})
}

// SuspiciousLogins lists flagged attempts since ?since= (RFC 3339),
// defaulting to the last 24 hours.
func (s *Service) SuspiciousLogins(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-defaultSuspiciousWindow)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.sendJSONError(w, r, apperrors.InvalidArgument("since must be RFC 3339"))
			return
		}
		since = t
	}
	logs, err := s.audit.FindSuspiciousSince(r.Context(), since, limitParam(r))
	if err != nil {
		s.sendJSONError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"logins": logs, "since": since})
}

type ServerInfo struct {
	Version   string              `json:"version"`
	Uptime    string              `json:"uptime"`
	StartTime time.Time           `json:"start_time"`
	GoVersion string              `json:"go_version"`
	Database  *db.HealthStatus    `json:"database,omitempty"`
	Metrics   *monitoring.Metrics `json:"metrics"`
	Clients   int                 `json:"clients"`
	Locked    int                 `json:"locked_users"`
}

func (s *Service) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	info := &ServerInfo{
		Version:   s.version,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		StartTime: s.startTime,
		GoVersion: runtime.Version(),
		Metrics:   s.metrics.GetMetrics(),
	}
	if s.health != nil {
		info.Database = s.health.CheckHealth(ctx)
	}
	if list, err := s.clients.List(ctx); err == nil {
		info.Clients = len(list)
	}
	if locked, err := s.lockout.ListLocked(ctx); err == nil {
		info.Locked = len(locked)
	}
	s.sendJSON(w, http.StatusOK, info)
}

func (s *Service) userID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["user_id"])
	if err != nil {
		s.sendJSONError(w, r, apperrors.InvalidArgument("user_id must be a UUID"))
		return uuid.Nil, false
	}
	return id, true
}

func (s *Service) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.sendJSONError(w, r, apperrors.InvalidArgument("malformed JSON body"))
		return false
	}
	return true
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 || n > maxListLimit {
		return 100
	}
	return n
}

func (s *Service) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	middleware.WriteJSON(w, status, data)
}

func (s *Service) sendJSONError(w http.ResponseWriter, r *http.Request, err error) {
	middleware.WriteError(w, r, err)
}
