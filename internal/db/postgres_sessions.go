package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const sessionColumns = `id, tenant_id, user_id, refresh_hash, device_name,
	user_agent, ip_address, device_fingerprint, expires_at, revoked, revoked_at, revoke_reason,
	last_used_at, created_at`

func scanSession(row scanner) (*Session, error) {
	s := &Session{}
	var device, ua, ip, fp, reason sql.NullString
	var revokedAt sql.NullTime
	err := row.Scan(&s.ID, &s.TenantID, &s.UserID, &s.RefreshHash, &device,
		&ua, &ip, &fp, &s.ExpiresAt, &s.Revoked, &revokedAt, &reason,
		&s.LastUsedAt, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	s.DeviceName = device.String
	s.UserAgent = ua.String
	s.IPAddress = ip.String
	s.DeviceFingerprint = fp.String
	s.RevokeReason = reason.String
	if revokedAt.Valid {
		t := revokedAt.Time
		s.RevokedAt = &t
	}
	return s, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	query := `INSERT INTO sessions (id, tenant_id, user_id, refresh_hash, device_name, user_agent,
			ip_address, device_fingerprint, expires_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		RETURNING last_used_at, created_at`

	err := s.queryRowWithTimeout(ctx, s.db, func(row scanner) error {
		return row.Scan(&sess.LastUsedAt, &sess.CreatedAt)
	}, query, sess.ID, sess.TenantID, sess.UserID, sess.RefreshHash, nullString(sess.DeviceName),
		nullString(sess.UserAgent), nullString(sess.IPAddress), nullString(sess.DeviceFingerprint), sess.ExpiresAt)
	return mapError(err)
}

func (s *PostgresStore) getSessionWhere(ctx context.Context, where string, args ...interface{}) (*Session, error) {
	var sess *Session
	err := s.queryRowWithTimeout(ctx, s.db, func(row scanner) error {
		var err error
		sess, err = scanSession(row)
		return err
	}, `SELECT `+sessionColumns+` FROM sessions WHERE `+where, args...)
	if err != nil {
		return nil, mapError(err)
	}
	return sess, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, tenantID string, id uuid.UUID) (*Session, error) {
	return s.getSessionWhere(ctx, `tenant_id = $1 AND id = $2`, tenantID, id)
}

func (s *PostgresStore) GetSessionByRefreshHash(ctx context.Context, tenantID, refreshHash string) (*Session, error) {
	return s.getSessionWhere(ctx, `tenant_id = $1 AND refresh_hash = $2`, tenantID, refreshHash)
}

func (s *PostgresStore) GetSessionByRetiredRefreshHash(ctx context.Context, tenantID, refreshHash string) (*Session, error) {
	return s.getSessionWhere(ctx, `tenant_id = $1 AND id = (
			SELECT session_id FROM session_refresh_history WHERE tenant_id = $1 AND refresh_hash = $2)`,
		tenantID, refreshHash)
}

// RotateSessionRefresh swaps the hash and records the old one in
// session_refresh_history in the same transaction.
func (s *PostgresStore) RotateSessionRefresh(ctx context.Context, tenantID string, id uuid.UUID, oldHash, newHash string, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := s.execWithTimeout(ctx, tx,
			`UPDATE sessions SET refresh_hash = $4, last_used_at = $5
			WHERE tenant_id = $1 AND id = $2 AND refresh_hash = $3 AND revoked = false AND expires_at > $5`,
			tenantID, id, oldHash, newHash, at)
		if err != nil {
			return mapError(err)
		}
		if err := requireOneRow(res, ErrNotUpdated); err != nil {
			return err
		}
		_, err = s.execWithTimeout(ctx, tx,
			`INSERT INTO session_refresh_history (tenant_id, refresh_hash, session_id, retired_at)
			VALUES ($1, $2, $3, $4)`, tenantID, oldHash, id, at)
		return mapError(err)
	})
}

func (s *PostgresStore) RevokeSession(ctx context.Context, tenantID string, id uuid.UUID, reason string, at time.Time) error {
	res, err := s.execWithTimeout(ctx, s.db,
		`UPDATE sessions SET revoked = true,
			revoked_at = COALESCE(revoked_at, $4),
			revoke_reason = COALESCE(revoke_reason, $3)
		WHERE tenant_id = $1 AND id = $2`, tenantID, id, nullString(reason), at)
	if err != nil {
		return mapError(err)
	}
	return requireOneRow(res, ErrNotFound)
}

func (s *PostgresStore) RevokeUserSessions(ctx context.Context, tenantID string, userID uuid.UUID, reason string, at time.Time) (int64, error) {
	res, err := s.execWithTimeout(ctx, s.db,
		`UPDATE sessions SET revoked = true, revoked_at = $4, revoke_reason = $3
		WHERE tenant_id = $1 AND user_id = $2 AND revoked = false`, tenantID, userID, nullString(reason), at)
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) ListActiveSessions(ctx context.Context, tenantID string, userID uuid.UUID, now time.Time) ([]*Session, error) {
	var sessions []*Session
	err := s.queryWithTimeout(ctx, s.db, func(row scanner) error {
		sess, err := scanSession(row)
		if err != nil {
			return err
		}
		sessions = append(sessions, sess)
		return nil
	}, `SELECT `+sessionColumns+` FROM sessions
		WHERE tenant_id = $1 AND user_id = $2 AND revoked = false AND expires_at > $3
		ORDER BY last_used_at DESC`, tenantID, userID, now)
	return sessions, mapError(err)
}

func (s *PostgresStore) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.execWithTimeout(ctx, s.db, `DELETE FROM sessions WHERE expires_at < $1`, before)
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}
