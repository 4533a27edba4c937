package lockout

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"authkernel/internal/apperrors"
	"authkernel/internal/db"
	"authkernel/internal/logging"
	"authkernel/internal/monitoring"
	"authkernel/internal/tenant"
)

const (
	ReasonTooManyFailures = "too many failed login attempts"
	ReasonAdmin           = "locked by administrator"

	sweepBatch = 500
)

type Config struct {
	Threshold  int
	Duration   time.Duration
	MaxRetries int
}

func DefaultConfig() Config {
	return Config{Threshold: 10, Duration: 30 * time.Minute, MaxRetries: 3}
}

// Manager is the durable lockout kept on the user row. Every write is
// version checked; a stale write is retried against a fresh read.
type Manager struct {
	store   db.UserStore
	metrics *monitoring.Service
	config  Config
	now     func() time.Time
}

func NewManager(store db.UserStore, metrics *monitoring.Service, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Duration <= 0 {
		cfg.Duration = def.Duration
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	return &Manager{store: store, metrics: metrics, config: cfg, now: time.Now}
}

// IsLocked reports whether the user's lock is still in the future. An
// expired lock counts as unlocked even before the sweep clears it.
func IsLocked(u *db.User, now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}

// ShouldAutoUnlock reports whether the user carries a lock that has ended.
func ShouldAutoUnlock(u *db.User, now time.Time) bool {
	return u.LockedUntil != nil && !u.LockedUntil.After(now)
}

// Remaining is how long the user stays locked.
func Remaining(u *db.User, now time.Time) time.Duration {
	if !IsLocked(u, now) {
		return 0
	}
	return u.LockedUntil.Sub(now)
}

func (m *Manager) IsLocked(u *db.User) bool { return IsLocked(u, m.now()) }

func (m *Manager) Remaining(u *db.User) time.Duration { return Remaining(u, m.now()) }

// RecordLoginFailure bumps the failure counter and locks the user once the
// threshold is reached. It returns the row as written.
func (m *Manager) RecordLoginFailure(ctx context.Context, u *db.User) (*db.User, error) {
	var locked bool
	out, err := m.update(ctx, u, func(cur *db.User, now time.Time) bool {
		locked = false
		if ShouldAutoUnlock(cur, now) {
			resetFailures(cur)
		}
		cur.FailedLoginCount++
		cur.LastFailedLoginAt = &now
		if cur.FailedLoginCount >= m.config.Threshold && !IsLocked(cur, now) {
			until := now.Add(m.config.Duration)
			cur.LockedUntil = &until
			cur.LockReason = ReasonTooManyFailures
			locked = true
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if locked {
		m.metrics.Inc(monitoring.AccountLocks)
		logging.FromContext(ctx).WarnEvent().
			Str("tenant_id", out.TenantID).
			Str("user_id", out.ID.String()).
			Int("failed_login_count", out.FailedLoginCount).
			Time("locked_until", *out.LockedUntil).
			Msg("account locked")
	}
	return out, nil
}

// ClearLoginFailures resets the counter after a successful login.
func (m *Manager) ClearLoginFailures(ctx context.Context, u *db.User) (*db.User, error) {
	return m.update(ctx, u, func(cur *db.User, _ time.Time) bool {
		if cur.FailedLoginCount == 0 && cur.LockedUntil == nil && cur.LastFailedLoginAt == nil {
			return false
		}
		cur.FailedLoginCount = 0
		cur.LastFailedLoginAt = nil
		clearLock(cur)
		return true
	})
}

// Lock locks a user for duration regardless of the failure count.
func (m *Manager) Lock(ctx context.Context, userID uuid.UUID, duration time.Duration, reason string) (*db.User, error) {
	if duration <= 0 {
		return nil, apperrors.InvalidArgument("lock duration must be positive")
	}
	if reason == "" {
		reason = ReasonAdmin
	}
	u, err := m.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	out, err := m.update(ctx, u, func(cur *db.User, now time.Time) bool {
		until := now.Add(duration)
		cur.LockedUntil = &until
		cur.LockReason = reason
		return true
	})
	if err != nil {
		return nil, err
	}
	m.metrics.Inc(monitoring.AccountLocks)
	logging.FromContext(ctx).WarnEvent().
		Str("tenant_id", out.TenantID).
		Str("user_id", out.ID.String()).
		Str("reason", reason).
		Dur("duration", duration).
		Msg("account locked by administrator")
	return out, nil
}

// Unlock clears a lock and the failure counter immediately.
func (m *Manager) Unlock(ctx context.Context, userID uuid.UUID) (*db.User, error) {
	u, err := m.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	out, err := m.update(ctx, u, func(cur *db.User, _ time.Time) bool {
		cur.FailedLoginCount = 0
		cur.LastFailedLoginAt = nil
		clearLock(cur)
		return true
	})
	if err != nil {
		return nil, err
	}
	m.metrics.Inc(monitoring.AccountUnlocks)
	logging.FromContext(ctx).InfoEvent().
		Str("tenant_id", out.TenantID).
		Str("user_id", out.ID.String()).
		Msg("account unlocked")
	return out, nil
}

// ListLocked returns the tenant's currently locked users.
func (m *Manager) ListLocked(ctx context.Context) ([]*db.User, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	users, err := m.store.ListLockedUsers(ctx, tenantID, m.now())
	if err != nil {
		return nil, apperrors.Internal("failed to list locked users", err)
	}
	return users, nil
}

// AutoUnlockSweep clears every lock that ended before now, across tenants.
func (m *Manager) AutoUnlockSweep(ctx context.Context, now time.Time) (int, error) {
	users, err := m.store.ListExpiredLocks(ctx, now, sweepBatch)
	if err != nil {
		return 0, apperrors.Internal("failed to list expired locks", err)
	}
	unlocked := 0
	for _, u := range users {
		tctx := tenant.WithTenant(ctx, u.TenantID)
		_, err := m.update(tctx, u, func(cur *db.User, _ time.Time) bool {
			if !ShouldAutoUnlock(cur, now) {
				return false
			}
			resetFailures(cur)
			return true
		})
		if err != nil {
			logging.FromContext(ctx).WithError(err).WithField("user_id", u.ID.String()).Warn("auto-unlock failed")
			continue
		}
		unlocked++
	}
	if unlocked > 0 {
		m.metrics.Add(monitoring.AccountUnlocks, int64(unlocked))
	}
	return unlocked, nil
}

// update applies mutate to u and writes it conditionally on u's version.
// On a version conflict it re-reads the row and re-applies mutate. mutate
// returns false when there is nothing to write.
func (m *Manager) update(ctx context.Context, u *db.User, mutate func(cur *db.User, now time.Time) bool) (*db.User, error) {
	cur := *u
	for attempt := 0; attempt <= m.config.MaxRetries; attempt++ {
		if attempt > 0 {
			fresh, err := m.store.GetUserByID(ctx, cur.TenantID, cur.ID)
			if err != nil {
				if errors.Is(err, db.ErrNotFound) {
					return nil, apperrors.NotFound("user not found")
				}
				return nil, apperrors.Internal("failed to reload user", err)
			}
			cur = *fresh
		}

		if !mutate(&cur, m.now()) {
			return &cur, nil
		}
		err := m.store.UpdateLockState(ctx, cur.TenantID, cur.ID, cur.Version, cur.LockState())
		if err == nil {
			cur.Version++
			return &cur, nil
		}
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperrors.NotFound("user not found")
		}
		if !errors.Is(err, db.ErrConflict) {
			return nil, apperrors.Internal("failed to update lock state", err)
		}
		m.metrics.Inc(monitoring.LockoutConflicts)
	}
	return nil, apperrors.Conflict("user lock state changed concurrently")
}

func (m *Manager) load(ctx context.Context, userID uuid.UUID) (*db.User, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	u, err := m.store.GetUserByID(ctx, tenantID, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperrors.NotFound("user not found")
		}
		return nil, apperrors.Internal("failed to load user", err)
	}
	return u, nil
}

func clearLock(u *db.User) {
	u.LockedUntil = nil
	u.LockReason = ""
}

// resetFailures is the auto-unlock of an ended lock: the counter starts
// over along with the lock fields.
func resetFailures(u *db.User) {
	u.FailedLoginCount = 0
	u.LastFailedLoginAt = nil
	clearLock(u)
}
