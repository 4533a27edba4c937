package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const userColumns = `id, tenant_id, username, email, password_hash, active, mfa_enabled,
	failed_login_count, last_failed_login_at, locked_until, lock_reason, version,
	created_at, updated_at`

func scanUser(row scanner) (*User, error) {
	u := &User{}
	var email, reason sql.NullString
	var lastFailed, lockedUntil sql.NullTime
	err := row.Scan(&u.ID, &u.TenantID, &u.Username, &email, &u.PasswordHash, &u.Active, &u.MFAEnabled,
		&u.FailedLoginCount, &lastFailed, &lockedUntil, &reason, &u.Version,
		&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.Email = email.String
	u.LockReason = reason.String
	if lastFailed.Valid {
		t := lastFailed.Time
		u.LastFailedLoginAt = &t
	}
	if lockedUntil.Valid {
		t := lockedUntil.Time
		u.LockedUntil = &t
	}
	return u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	query := `INSERT INTO users (tenant_id, username, email, password_hash, active, mfa_enabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, version, created_at, updated_at`

	err := s.queryRowWithTimeout(ctx, s.db, func(row scanner) error {
		return row.Scan(&u.ID, &u.Version, &u.CreatedAt, &u.UpdatedAt)
	}, query, u.TenantID, u.Username, nullString(u.Email), u.PasswordHash, u.Active, u.MFAEnabled)
	return mapError(err)
}

func (s *PostgresStore) GetUserByLogin(ctx context.Context, tenantID, login string) (*User, error) {
	var user *User
	err := s.queryRowWithTimeout(ctx, s.db, func(row scanner) error {
		var err error
		user, err = scanUser(row)
		return err
	}, `SELECT `+userColumns+` FROM users
		WHERE tenant_id = $1 AND (lower(username) = lower($2) OR lower(email) = lower($2))
		LIMIT 1`, tenantID, login)
	if err != nil {
		return nil, mapError(err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, tenantID string, id uuid.UUID) (*User, error) {
	var user *User
	err := s.queryRowWithTimeout(ctx, s.db, func(row scanner) error {
		var err error
		user, err = scanUser(row)
		return err
	}, `SELECT `+userColumns+` FROM users WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return nil, mapError(err)
	}
	return user, nil
}

func (s *PostgresStore) UpdateLockState(ctx context.Context, tenantID string, userID uuid.UUID, expectedVersion int64, state LockState) error {
	query := `UPDATE users SET failed_login_count = $4, last_failed_login_at = $5,
			locked_until = $6, lock_reason = $7, version = version + 1, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND version = $3`

	res, err := s.execWithTimeout(ctx, s.db, query, tenantID, userID, expectedVersion,
		state.FailedLoginCount, state.LastFailedLoginAt, state.LockedUntil, nullString(state.LockReason))
	if err != nil {
		return mapError(err)
	}
	if err := requireOneRow(res, ErrConflict); err != ErrConflict {
		return err
	}

	// Distinguish a stale version from a missing row.
	var exists bool
	err = s.queryRowWithTimeout(ctx, s.db, func(row scanner) error {
		return row.Scan(&exists)
	}, `SELECT EXISTS(SELECT 1 FROM users WHERE tenant_id = $1 AND id = $2)`, tenantID, userID)
	if err != nil {
		return mapError(err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func (s *PostgresStore) ListExpiredLocks(ctx context.Context, before time.Time, limit int) ([]*User, error) {
	if limit <= 0 {
		limit = 500
	}
	var users []*User
	err := s.queryWithTimeout(ctx, s.db, func(row scanner) error {
		u, err := scanUser(row)
		if err != nil {
			return err
		}
		users = append(users, u)
		return nil
	}, `SELECT `+userColumns+` FROM users
		WHERE locked_until IS NOT NULL AND locked_until <= $1
		ORDER BY locked_until LIMIT $2`, before, limit)
	return users, mapError(err)
}

func (s *PostgresStore) ListLockedUsers(ctx context.Context, tenantID string, now time.Time) ([]*User, error) {
	var users []*User
	err := s.queryWithTimeout(ctx, s.db, func(row scanner) error {
		u, err := scanUser(row)
		if err != nil {
			return err
		}
		users = append(users, u)
		return nil
	}, `SELECT `+userColumns+` FROM users
		WHERE tenant_id = $1 AND locked_until > $2 ORDER BY username`, tenantID, now)
	return users, mapError(err)
}
