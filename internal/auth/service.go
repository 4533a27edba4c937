package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"authkernel/internal/apperrors"
	"authkernel/internal/auditlog"
	"authkernel/internal/bruteforce"
	"authkernel/internal/cache"
	"authkernel/internal/db"
	"authkernel/internal/detector"
	"authkernel/internal/lockout"
	"authkernel/internal/logging"
	"authkernel/internal/monitoring"
	"authkernel/internal/session"
	"authkernel/internal/tenant"
	"authkernel/internal/tokens"
	"authkernel/pkg/security"
)

// Failure reasons written to the audit log.
const (
	FailureInvalidCredentials = "invalid_credentials"
	FailureGuardLocked        = "temporarily_locked"
	FailureCaptchaRequired    = "captcha_required"
	FailureAccountLocked      = "account_locked"
	FailureInactive           = "account_inactive"
	FailureTimeout            = "timeout"
	FailureStoreError         = "store_error"
	FailureSecondFactor       = "second_factor_failed"
)

// genericLoginError is returned for every credential failure so callers
// cannot tell unknown users from wrong passwords.
const genericLoginError = "invalid username or password"

// TimeoutPolicy decides what a timed out credential check does to the
// failure counters. The audit entry is written either way.
type TimeoutPolicy int

const (
	// TimeoutAuditOnly leaves both counters untouched.
	TimeoutAuditOnly TimeoutPolicy = iota
	// TimeoutCountsAsFailure increments both counters.
	TimeoutCountsAsFailure
)

type Config struct {
	CredentialCheckTimeout time.Duration
	SecondFactorTTL        time.Duration
	TimeoutPolicy          TimeoutPolicy
	// SessionScopes are granted to access tokens of interactive sessions.
	SessionScopes []string
}

// Deps are the collaborators of the login orchestrator.
type Deps struct {
	Users        db.UserStore
	Sessions     *session.Manager
	Tokens       *tokens.Service
	Guard        *bruteforce.Guard
	Lockout      *lockout.Manager
	Detector     *detector.Detector
	Audit        *auditlog.Log
	Cache        cache.Cache
	Hasher       *security.Hasher
	Captcha      CaptchaVerifier
	SecondFactor SecondFactorVerifier
	Metrics      *monitoring.Service
}

// Service runs interactive logins across the brute-force guard, the
// persistent lockout, the detector, the audit log and the session store.
type Service struct {
	Deps
	config Config
	now    func() time.Time
}

func NewService(deps Deps, cfg Config) *Service {
	if cfg.CredentialCheckTimeout <= 0 {
		cfg.CredentialCheckTimeout = 5 * time.Second
	}
	if cfg.SecondFactorTTL <= 0 {
		cfg.SecondFactorTTL = 5 * time.Minute
	}
	if deps.Captcha == nil {
		deps.Captcha = DenyCaptchaVerifier{}
	}
	if deps.SecondFactor == nil {
		deps.SecondFactor = DenySecondFactorVerifier{}
	}
	return &Service{Deps: deps, config: cfg, now: time.Now}
}

type DeviceInfo struct {
	Name       string `json:"device_name,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	Browser    string `json:"browser,omitempty"`
	OS         string `json:"os,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
}

type LoginRequest struct {
	Username      string
	Password      string
	CaptchaToken  string
	Device        DeviceInfo
	SourceAddress string
}

type UserInfo struct {
	ID         uuid.UUID `json:"id"`
	Username   string    `json:"username"`
	Email      string    `json:"email,omitempty"`
	MFAEnabled bool      `json:"mfa_enabled"`
}

type LoginResponse struct {
	AccessToken          string    `json:"access_token,omitempty"`
	RefreshToken         string    `json:"refresh_token,omitempty"`
	ExpiresIn            int64     `json:"expires_in,omitempty"`
	SessionID            string    `json:"session_id,omitempty"`
	User                 *UserInfo `json:"user"`
	RequiresSecondFactor bool      `json:"requires_second_factor"`
	PendingSessionID     string    `json:"pending_session_id,omitempty"`
}

// attempt is the per-request context shared by the login steps.
type attempt struct {
	tenantID    string
	username    string
	address     string
	device      DeviceInfo
	fingerprint string
	user        *db.User
}

func (a *attempt) entry(result db.LoginResult, reason string) auditlog.Entry {
	e := auditlog.Entry{
		Username:          a.username,
		IPAddress:         a.address,
		UserAgent:         security.SanitizeInput(a.device.UserAgent, 512),
		DeviceFingerprint: a.fingerprint,
		Result:            result,
		FailureReason:     reason,
	}
	if a.user != nil {
		id := a.user.ID
		e.UserID = &id
	}
	return e
}

// Login authenticates a username and password. Failures share one
// generic message; lock responses disclose only the remaining wait.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if req.Username == "" || req.Password == "" {
		return nil, apperrors.InvalidArgument("username and password are required")
	}
	a := &attempt{
		tenantID: tenantID,
		username: security.SanitizeInput(req.Username, 255),
		address:  security.NormalizeIP(req.SourceAddress),
		device:   req.Device,
		fingerprint: detector.Fingerprint(detector.DeviceAttributes{
			UserAgent:  req.Device.UserAgent,
			Browser:    req.Device.Browser,
			OS:         req.Device.OS,
			DeviceType: req.Device.DeviceType,
		}),
	}
	logger := logging.FromContext(ctx).WithTenantID(tenantID)

	status := s.Guard.Status(ctx, a.username)
	if status.Locked {
		s.audit(ctx, a.entry(db.LoginFailed, FailureGuardLocked))
		s.Metrics.Inc(monitoring.BruteForceRejections)
		e := apperrors.FailedPrecondition("too many failed attempts, try again later")
		e.RetryAfter = status.RetryAfter
		return nil, e
	}
	if status.RequiresCaptcha {
		ok, err := s.Captcha.Verify(ctx, req.CaptchaToken, a.address)
		if err != nil {
			logger.WithError(err).Warn("captcha verification failed")
		}
		if !ok {
			s.audit(ctx, a.entry(db.LoginFailed, FailureCaptchaRequired))
			return nil, apperrors.FailedPrecondition("captcha required").WithDetail("requires_captcha", true)
		}
	}

	checkCtx, cancel := context.WithTimeout(ctx, s.config.CredentialCheckTimeout)
	defer cancel()

	user, err := s.Users.GetUserByLogin(checkCtx, tenantID, a.username)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, s.ambiguousFailure(ctx, checkCtx, a, err)
	}
	a.user = user

	if user != nil {
		if s.Lockout.IsLocked(user) {
			s.audit(ctx, a.entry(db.LoginFailed, FailureAccountLocked))
			e := apperrors.FailedPrecondition("account is locked")
			e.RetryAfter = s.Lockout.Remaining(user)
			return nil, e
		}
		if !user.Active {
			s.audit(ctx, a.entry(db.LoginFailed, FailureInactive))
			return nil, apperrors.FailedPrecondition("account is inactive")
		}
	}

	ok, err := s.verifyPassword(checkCtx, user, req.Password)
	if err != nil {
		return nil, s.ambiguousFailure(ctx, checkCtx, a, err)
	}
	if !ok {
		return nil, s.recordFailure(ctx, a, FailureInvalidCredentials)
	}

	detection := s.Detector.Evaluate(ctx, detector.Attempt{
		UserID:            user.ID,
		IPAddress:         a.address,
		DeviceFingerprint: a.fingerprint,
		At:                s.now(),
	})
	s.Guard.Clear(ctx, a.username)
	if _, err := s.Lockout.ClearLoginFailures(ctx, user); err != nil {
		logger.WithError(err).Warn("failed to clear persistent failure counter")
	}

	if user.MFAEnabled {
		return s.beginSecondFactor(ctx, a, detection)
	}

	entry := a.entry(db.LoginSuccess, "")
	entry.Suspicious, entry.SuspiciousReason = detection.Suspicious, detection.Reason()
	s.audit(ctx, entry)
	return s.finish(ctx, user, a)
}

// verifyPassword runs the bcrypt comparison under ctx's deadline. Unknown
// users are compared against a dummy hash.
func (s *Service) verifyPassword(ctx context.Context, user *db.User, password string) (bool, error) {
	result := make(chan bool, 1)
	go func() {
		if user == nil {
			s.Hasher.CompareDummy(password)
			result <- false
			return
		}
		result <- s.Hasher.Compare(user.PasswordHash, password)
	}()
	select {
	case ok := <-result:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (s *Service) recordFailure(ctx context.Context, a *attempt, reason string) error {
	status := s.Guard.RecordFailure(ctx, a.username)
	if a.user != nil {
		if _, err := s.Lockout.RecordLoginFailure(ctx, a.user); err != nil {
			logging.FromContext(ctx).WithError(err).WithUserID(a.user.ID.String()).
				Error("failed to record persistent login failure")
		}
	}
	s.audit(ctx, a.entry(db.LoginFailed, reason))
	s.Metrics.Inc(monitoring.LoginFailures)

	e := apperrors.Unauthenticated(genericLoginError)
	if status.RequiresCaptcha {
		e = e.WithDetail("requires_captcha", true)
	}
	return e
}

// ambiguousFailure handles a credential check that neither passed nor
// failed. It is audited, and the counters follow the timeout policy.
func (s *Service) ambiguousFailure(ctx, checkCtx context.Context, a *attempt, err error) error {
	timedOut := errors.Is(checkCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)
	reason := FailureStoreError
	if timedOut {
		reason = FailureTimeout
		s.Metrics.Inc(monitoring.LoginTimeouts)
	}
	logging.FromContext(ctx).WarnEvent().
		Str("tenant_id", a.tenantID).
		Str("reason", reason).
		Err(err).
		Msg("credential check did not complete")

	if timedOut && s.config.TimeoutPolicy == TimeoutCountsAsFailure {
		return s.recordFailure(ctx, a, reason)
	}
	s.audit(ctx, a.entry(db.LoginFailed, reason))
	return apperrors.Internal("credential check unavailable", err)
}

func (s *Service) beginSecondFactor(ctx context.Context, a *attempt, detection detector.Result) (*LoginResponse, error) {
	pending := &cache.PendingLogin{
		ID:                uuid.NewString(),
		TenantID:          a.tenantID,
		UserID:            a.user.ID,
		Username:          a.username,
		DeviceName:        a.device.Name,
		UserAgent:         a.device.UserAgent,
		IPAddress:         a.address,
		DeviceFingerprint: a.fingerprint,
		Suspicious:        detection.Suspicious,
		SuspiciousReason:  detection.Reason(),
		CreatedAt:         s.now(),
	}
	if err := s.Cache.PutPendingLogin(ctx, pending, s.config.SecondFactorTTL); err != nil {
		return nil, apperrors.Internal("failed to store pending login", err)
	}
	return &LoginResponse{
		User:                 userInfo(a.user),
		RequiresSecondFactor: true,
		PendingSessionID:     pending.ID,
	}, nil
}

// CompleteSecondFactor finishes a login paused for a second factor. A
// pending id can be completed at most once, successful or not.
func (s *Service) CompleteSecondFactor(ctx context.Context, pendingID, assertion string) (*LoginResponse, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if pendingID == "" || assertion == "" {
		return nil, apperrors.InvalidArgument("pending_session_id and assertion are required")
	}
	pending, err := s.Cache.TakePendingLogin(ctx, tenantID, pendingID)
	if err != nil {
		if cache.IsCacheMiss(err) {
			return nil, apperrors.Unauthenticated("invalid or expired pending login")
		}
		return nil, apperrors.Internal("failed to load pending login", err)
	}

	user, err := s.Users.GetUserByID(ctx, tenantID, pending.UserID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperrors.Unauthenticated("invalid or expired pending login")
		}
		return nil, apperrors.Internal("failed to load user", err)
	}
	a := &attempt{
		tenantID:    tenantID,
		username:    pending.Username,
		address:     pending.IPAddress,
		device:      DeviceInfo{Name: pending.DeviceName, UserAgent: pending.UserAgent},
		fingerprint: pending.DeviceFingerprint,
		user:        user,
	}
	if !user.Active || s.Lockout.IsLocked(user) {
		s.audit(ctx, a.entry(db.LoginFailed, FailureAccountLocked))
		return nil, apperrors.FailedPrecondition("account is locked or inactive")
	}

	vouched, ok, err := s.SecondFactor.Verify(ctx, tenantID, assertion)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("second factor verification failed")
	}
	if !ok || vouched != user.ID {
		s.Guard.RecordFailure(ctx, a.username)
		s.audit(ctx, a.entry(db.LoginFailed, FailureSecondFactor))
		s.Metrics.Inc(monitoring.LoginFailures)
		return nil, apperrors.Unauthenticated("second factor rejected")
	}

	entry := a.entry(db.LoginSuccess, "")
	entry.Suspicious, entry.SuspiciousReason = pending.Suspicious, pending.SuspiciousReason
	s.audit(ctx, entry)
	return s.finish(ctx, user, a)
}

func (s *Service) finish(ctx context.Context, user *db.User, a *attempt) (*LoginResponse, error) {
	created, err := s.Sessions.Create(ctx, user.ID, session.DeviceInfo{
		Name:        a.device.Name,
		UserAgent:   a.device.UserAgent,
		IPAddress:   a.address,
		Fingerprint: a.fingerprint,
	})
	if err != nil {
		return nil, err
	}
	access, err := s.Tokens.IssueSessionAccessToken(ctx, user.ID, created.Session.ID, s.config.SessionScopes)
	if err != nil {
		return nil, err
	}

	s.Metrics.Inc(monitoring.LoginSuccesses)
	logging.FromContext(ctx).InfoEvent().
		Str("tenant_id", a.tenantID).
		Str("user_id", user.ID.String()).
		Str("session_id", created.Session.ID.String()).
		Msg("login succeeded")

	return &LoginResponse{
		AccessToken:  access.Token,
		RefreshToken: created.RefreshToken,
		ExpiresIn:    int64(access.ExpiresAt.Sub(s.now()).Seconds()),
		SessionID:    created.Session.ID.String(),
		User:         userInfo(user),
	}, nil
}

// Logout ends the session bound to accessToken, or every session of its
// user when allDevices is set.
func (s *Service) Logout(ctx context.Context, accessToken string, allDevices bool) error {
	v, err := s.Tokens.ValidateAccessToken(ctx, accessToken)
	if err != nil {
		return err
	}
	userID, sessionID, err := sessionClaims(v)
	if err != nil {
		return err
	}

	if allDevices {
		if _, err := s.Sessions.RevokeAll(ctx, userID, session.ReasonLogoutAll); err != nil {
			return err
		}
		_, err := s.Tokens.RevokeAllForUser(ctx, userID)
		return err
	}
	if err := s.Sessions.RevokeOne(ctx, userID, sessionID, session.ReasonLogout); err != nil {
		return err
	}
	return s.Tokens.RevokeSessionTokens(ctx, sessionID)
}

type RefreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// RefreshToken rotates a session credential and issues a new access
// token. The session's earlier access tokens are revoked.
func (s *Service) RefreshToken(ctx context.Context, refreshToken string) (*RefreshResponse, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if refreshToken == "" {
		return nil, apperrors.InvalidArgument("refresh_token is required")
	}
	rotated, err := s.Sessions.Rotate(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	sess := rotated.Session

	user, err := s.Users.GetUserByID(ctx, tenantID, sess.UserID)
	if err != nil {
		return nil, apperrors.Internal("failed to load user", err)
	}
	if !user.Active || s.Lockout.IsLocked(user) {
		if err := s.Sessions.RevokeOne(ctx, user.ID, sess.ID, session.ReasonAdmin); err != nil {
			logging.FromContext(ctx).WithError(err).Warn("failed to revoke session of locked user")
		}
		return nil, apperrors.FailedPrecondition("account is locked or inactive")
	}

	if err := s.Tokens.RevokeSessionTokens(ctx, sess.ID); err != nil {
		return nil, err
	}
	access, err := s.Tokens.IssueSessionAccessToken(ctx, user.ID, sess.ID, s.config.SessionScopes)
	if err != nil {
		return nil, err
	}
	return &RefreshResponse{
		AccessToken:  access.Token,
		RefreshToken: rotated.RefreshToken,
		ExpiresIn:    int64(access.ExpiresAt.Sub(s.now()).Seconds()),
	}, nil
}

type TokenValidation struct {
	Valid     bool      `json:"valid"`
	UserID    string    `json:"user_id,omitempty"`
	TenantID  string    `json:"tenant_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	Scopes    []string  `json:"scopes,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// ValidateToken reports whether an access token is live. A token bound to
// a session is only valid while the session is.
func (s *Service) ValidateToken(ctx context.Context, accessToken string) (*TokenValidation, error) {
	v, err := s.Tokens.ValidateAccessToken(ctx, accessToken)
	if err != nil {
		if apperrors.Is(err, apperrors.KindUnauthenticated) {
			return &TokenValidation{Valid: false}, nil
		}
		return nil, err
	}
	if v.Token.SessionID != nil {
		sess, err := s.Sessions.Get(ctx, *v.Token.SessionID)
		if err != nil {
			if apperrors.Is(err, apperrors.KindNotFound) {
				return &TokenValidation{Valid: false}, nil
			}
			return nil, err
		}
		if sess.Revoked || !s.now().Before(sess.ExpiresAt) {
			return &TokenValidation{Valid: false}, nil
		}
	}
	return &TokenValidation{
		Valid:     true,
		UserID:    v.Claims.UserID,
		TenantID:  v.Claims.TenantID,
		SessionID: v.Claims.SessionID,
		ClientID:  v.Claims.ClientID,
		Scopes:    v.Claims.Scopes,
		ExpiresAt: v.Token.ExpiresAt,
	}, nil
}

func (s *Service) GetActiveSessions(ctx context.Context, userID uuid.UUID) ([]*db.Session, error) {
	return s.Sessions.ListActive(ctx, userID)
}

// RevokeSession ends one session of userID along with its access tokens.
func (s *Service) RevokeSession(ctx context.Context, userID, sessionID uuid.UUID) error {
	if err := s.Sessions.RevokeOne(ctx, userID, sessionID, session.ReasonUserRevoked); err != nil {
		return err
	}
	return s.Tokens.RevokeSessionTokens(ctx, sessionID)
}

func (s *Service) audit(ctx context.Context, e auditlog.Entry) {
	// Append logs its own failure; the login outcome stands.
	_ = s.Audit.Append(ctx, e)
}

func sessionClaims(v *tokens.Validated) (uuid.UUID, uuid.UUID, error) {
	userID, err := uuid.Parse(v.Claims.UserID)
	if err != nil {
		return uuid.Nil, uuid.Nil, apperrors.InvalidArgument("token is not bound to a user")
	}
	sessionID, err := uuid.Parse(v.Claims.SessionID)
	if err != nil {
		return uuid.Nil, uuid.Nil, apperrors.InvalidArgument("token is not bound to a session")
	}
	return userID, sessionID, nil
}

func userInfo(u *db.User) *UserInfo {
	return &UserInfo{ID: u.ID, Username: u.Username, Email: u.Email, MFAEnabled: u.MFAEnabled}
}
