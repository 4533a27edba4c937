package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"authkernel/internal/apperrors"
	"authkernel/internal/auditlog"
	"authkernel/internal/db"
	"authkernel/internal/logging"
	"authkernel/internal/monitoring"
	"authkernel/internal/tenant"
	jwtpkg "authkernel/pkg/jwt"
	"authkernel/pkg/security"
)

const (
	ReasonLogout      = "logout"
	ReasonLogoutAll   = "logout_all"
	ReasonUserRevoked = "user_revoked"
	ReasonAdmin       = "admin"
	ReasonReplay      = "refresh_replay"
)

// DeviceInfo is what the client reported about itself at login.
type DeviceInfo struct {
	Name        string
	UserAgent   string
	IPAddress   string
	Fingerprint string
}

// Created carries the plaintext refresh credential, returned exactly once.
type Created struct {
	Session      *db.Session
	RefreshToken string
}

// Manager owns interactive login sessions. Sessions are independent of
// OAuth clients.
type Manager struct {
	store   db.SessionStore
	audit   *auditlog.Log
	metrics *monitoring.Service
	ttl     time.Duration
	now     func() time.Time
}

func NewManager(store db.SessionStore, audit *auditlog.Log, metrics *monitoring.Service, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &Manager{store: store, audit: audit, metrics: metrics, ttl: ttl, now: time.Now}
}

func (m *Manager) Create(ctx context.Context, userID uuid.UUID, device DeviceInfo) (*Created, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := jwtpkg.GenerateOpaqueToken()
	if err != nil {
		return nil, apperrors.Internal("failed to generate session credential", err)
	}
	now := m.now()
	s := &db.Session{
		ID:                uuid.New(),
		TenantID:          tenantID,
		UserID:            userID,
		RefreshHash:       security.HashToken(raw),
		DeviceName:        security.SanitizeInput(device.Name, 255),
		UserAgent:         security.SanitizeInput(device.UserAgent, 512),
		IPAddress:         device.IPAddress,
		DeviceFingerprint: device.Fingerprint,
		ExpiresAt:         now.Add(m.ttl),
		LastUsedAt:        now,
	}
	if err := m.store.CreateSession(ctx, s); err != nil {
		return nil, apperrors.Internal("failed to create session", err)
	}
	m.metrics.Inc(monitoring.SessionsCreated)
	return &Created{Session: s, RefreshToken: raw}, nil
}

// Validate resolves a refresh credential to its live session.
func (m *Manager) Validate(ctx context.Context, refreshToken string) (*db.Session, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	s, err := m.store.GetSessionByRefreshHash(ctx, tenantID, security.HashToken(refreshToken))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperrors.Unauthenticated("invalid session")
		}
		return nil, apperrors.Internal("failed to load session", err)
	}
	if !m.live(s) {
		return nil, apperrors.Unauthenticated("invalid session")
	}
	return s, nil
}

// Rotate swaps the refresh credential of a live session. The swap is
// conditional on the presented credential still being current, so only one
// of several parallel rotations succeeds. Presenting any credential the
// session has held before, however many rotations ago, revokes it.
func (m *Manager) Rotate(ctx context.Context, refreshToken string) (*Created, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	invalid := apperrors.Unauthenticated("invalid session")
	oldHash := security.HashToken(refreshToken)

	s, err := m.store.GetSessionByRefreshHash(ctx, tenantID, oldHash)
	if errors.Is(err, db.ErrNotFound) {
		m.checkReplay(ctx, tenantID, oldHash)
		return nil, invalid
	}
	if err != nil {
		return nil, apperrors.Internal("failed to load session", err)
	}
	if !m.live(s) {
		return nil, invalid
	}

	raw, err := jwtpkg.GenerateOpaqueToken()
	if err != nil {
		return nil, apperrors.Internal("failed to generate session credential", err)
	}
	newHash := security.HashToken(raw)
	now := m.now()
	if err := m.store.RotateSessionRefresh(ctx, tenantID, s.ID, oldHash, newHash, now); err != nil {
		if errors.Is(err, db.ErrNotUpdated) {
			m.checkReplay(ctx, tenantID, oldHash)
			return nil, invalid
		}
		return nil, apperrors.Internal("failed to rotate session", err)
	}
	s.RetiredRefreshHashes = append(s.RetiredRefreshHashes, oldHash)
	s.RefreshHash, s.LastUsedAt = newHash, now
	return &Created{Session: s, RefreshToken: raw}, nil
}

func (m *Manager) checkReplay(ctx context.Context, tenantID, hash string) {
	s, err := m.store.GetSessionByRetiredRefreshHash(ctx, tenantID, hash)
	if err != nil || s.Revoked {
		return
	}
	logging.FromContext(ctx).WarnEvent().
		Str("tenant_id", tenantID).
		Str("session_id", s.ID.String()).
		Str("user_id", s.UserID.String()).
		Msg("rotated session credential replayed; revoking session")
	if err := m.revoke(ctx, s, ReasonReplay); err != nil {
		logging.FromContext(ctx).WithError(err).Error("failed to revoke replayed session")
	}
}

// Get returns a session of the current tenant, live or not.
func (m *Manager) Get(ctx context.Context, sessionID uuid.UUID) (*db.Session, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	s, err := m.store.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperrors.NotFound("session not found")
		}
		return nil, apperrors.Internal("failed to load session", err)
	}
	return s, nil
}

// RevokeOne revokes a single session owned by userID. A session owned by
// someone else is reported as not found.
func (m *Manager) RevokeOne(ctx context.Context, userID, sessionID uuid.UUID, reason string) error {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.UserID != userID {
		return apperrors.NotFound("session not found")
	}
	if s.Revoked {
		return nil
	}
	return m.revoke(ctx, s, reason)
}

func (m *Manager) revoke(ctx context.Context, s *db.Session, reason string) error {
	if err := m.store.RevokeSession(ctx, s.TenantID, s.ID, reason, m.now()); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return apperrors.NotFound("session not found")
		}
		return apperrors.Internal("failed to revoke session", err)
	}
	m.metrics.Inc(monitoring.SessionsRevoked)
	userID := s.UserID
	m.appendAudit(ctx, auditlog.Entry{
		UserID:            &userID,
		IPAddress:         s.IPAddress,
		UserAgent:         s.UserAgent,
		DeviceFingerprint: s.DeviceFingerprint,
		Result:            db.SessionRevoked,
		FailureReason:     reason,
	})
	return nil
}

// RevokeAll revokes every live session of a user.
func (m *Manager) RevokeAll(ctx context.Context, userID uuid.UUID, reason string) (int64, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return 0, err
	}
	n, err := m.store.RevokeUserSessions(ctx, tenantID, userID, reason, m.now())
	if err != nil {
		return 0, apperrors.Internal("failed to revoke sessions", err)
	}
	m.metrics.Add(monitoring.SessionsRevoked, n)
	m.appendAudit(ctx, auditlog.Entry{
		UserID:        &userID,
		Result:        db.SessionRevoked,
		FailureReason: reason,
	})
	logging.FromContext(ctx).InfoEvent().
		Str("tenant_id", tenantID).
		Str("user_id", userID.String()).
		Int64("sessions", n).
		Msg("revoked all sessions")
	return n, nil
}

func (m *Manager) ListActive(ctx context.Context, userID uuid.UUID) ([]*db.Session, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	sessions, err := m.store.ListActiveSessions(ctx, tenantID, userID, m.now())
	if err != nil {
		return nil, apperrors.Internal("failed to list sessions", err)
	}
	return sessions, nil
}

// Sweep deletes sessions that expired before now.
func (m *Manager) Sweep(ctx context.Context, now time.Time) (int64, error) {
	return m.store.DeleteExpiredSessions(ctx, now)
}

func (m *Manager) live(s *db.Session) bool {
	return !s.Revoked && m.now().Before(s.ExpiresAt)
}

func (m *Manager) appendAudit(ctx context.Context, e auditlog.Entry) {
	if m.audit == nil {
		return
	}
	// Append logs its own failure; revocation already happened.
	_ = m.audit.Append(ctx, e)
}
