package auditlog

import (
	"context"
	"time"

	"github.com/google/uuid"

	"authkernel/internal/apperrors"
	"authkernel/internal/db"
	"authkernel/internal/logging"
	"authkernel/internal/tenant"
)

const (
	DefaultRetention = 90 * 24 * time.Hour
	defaultLimit     = 100
)

// Entry is one login attempt or session event.
type Entry struct {
	UserID            *uuid.UUID
	Username          string
	IPAddress         string
	UserAgent         string
	DeviceFingerprint string
	Result            db.LoginResult
	FailureReason     string
	Suspicious        bool
	SuspiciousReason  string
}

// Log is the append-only login audit trail. Reads are always scoped to
// the tenant on the context.
type Log struct {
	store     db.LoginLogStore
	retention time.Duration
	now       func() time.Time
}

func New(store db.LoginLogStore, retention time.Duration) *Log {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Log{store: store, retention: retention, now: time.Now}
}

// Append is the only write path.
func (l *Log) Append(ctx context.Context, e Entry) error {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	row := &db.LoginLog{
		ID:                uuid.New(),
		TenantID:          tenantID,
		UserID:            e.UserID,
		Username:          e.Username,
		IPAddress:         e.IPAddress,
		UserAgent:         e.UserAgent,
		DeviceFingerprint: e.DeviceFingerprint,
		Result:            e.Result,
		FailureReason:     e.FailureReason,
		Suspicious:        e.Suspicious,
		SuspiciousReason:  e.SuspiciousReason,
		CreatedAt:         l.now(),
	}
	if err := l.store.AppendLoginLog(ctx, row); err != nil {
		logging.FromContext(ctx).WithError(err).Error("failed to append login log")
		return apperrors.Internal("failed to write audit entry", err)
	}
	return nil
}

func (l *Log) FindByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*db.LoginLog, error) {
	return l.find(ctx, db.LoginLogFilter{UserID: &userID, Limit: limit})
}

func (l *Log) FindByUserAndAddress(ctx context.Context, userID uuid.UUID, address string, limit int) ([]*db.LoginLog, error) {
	return l.find(ctx, db.LoginLogFilter{UserID: &userID, IPAddress: address, Limit: limit})
}

func (l *Log) FindByUserAndDeviceFingerprint(ctx context.Context, userID uuid.UUID, fingerprint string, limit int) ([]*db.LoginLog, error) {
	return l.find(ctx, db.LoginLogFilter{UserID: &userID, DeviceFingerprint: fingerprint, Limit: limit})
}

// FindSuspiciousSince lists flagged entries across all users of the tenant.
func (l *Log) FindSuspiciousSince(ctx context.Context, since time.Time, limit int) ([]*db.LoginLog, error) {
	return l.find(ctx, db.LoginLogFilter{SuspiciousOnly: true, Since: since, Limit: limit})
}

// SuccessHistory returns the user's successful logins since the given time,
// newest first. It feeds the suspicious-login detector.
func (l *Log) SuccessHistory(ctx context.Context, userID uuid.UUID, since time.Time, limit int) ([]*db.LoginLog, error) {
	return l.find(ctx, db.LoginLogFilter{UserID: &userID, Result: db.LoginSuccess, Since: since, Limit: limit})
}

func (l *Log) CountFailuresSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return 0, err
	}
	n, err := l.store.CountLoginFailuresSince(ctx, tenantID, userID, since)
	if err != nil {
		return 0, apperrors.Internal("failed to count login failures", err)
	}
	return n, nil
}

// Sweep removes entries older than the retention horizon.
func (l *Log) Sweep(ctx context.Context, now time.Time) (int64, error) {
	return l.store.DeleteLoginLogsBefore(ctx, now.Add(-l.retention))
}

func (l *Log) find(ctx context.Context, f db.LoginLogFilter) ([]*db.LoginLog, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	f.TenantID = tenantID
	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}
	logs, err := l.store.FindLoginLogs(ctx, f)
	if err != nil {
		return nil, apperrors.Internal("failed to read audit log", err)
	}
	return logs, nil
}
