package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

func (s *PostgresStore) AppendLoginLog(ctx context.Context, entry *LoginLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := s.execWithTimeout(ctx, s.db,
		`INSERT INTO login_logs (id, tenant_id, user_id, username, ip_address, user_agent,
			device_fingerprint, result, failure_reason, suspicious, suspicious_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		entry.ID, entry.TenantID, toNullUUID(entry.UserID), entry.Username, entry.IPAddress,
		entry.UserAgent, entry.DeviceFingerprint, entry.Result, nullString(entry.FailureReason),
		entry.Suspicious, nullString(entry.SuspiciousReason), entry.CreatedAt)
	return mapError(err)
}

// FindLoginLogs builds its WHERE clause from the non-zero filter fields.
func (s *PostgresStore) FindLoginLogs(ctx context.Context, f LoginLogFilter) ([]*LoginLog, error) {
	conds := []string{"tenant_id = $1"}
	args := []interface{}{f.TenantID}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != nil {
		add("user_id = $%d", *f.UserID)
	}
	if f.IPAddress != "" {
		add("ip_address = $%d", f.IPAddress)
	}
	if f.DeviceFingerprint != "" {
		add("device_fingerprint = $%d", f.DeviceFingerprint)
	}
	if f.Result != "" {
		add("result = $%d", f.Result)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if f.SuspiciousOnly {
		conds = append(conds, "suspicious = true")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT id, tenant_id, user_id, username, ip_address, user_agent,
			device_fingerprint, result, failure_reason, suspicious, suspicious_reason, created_at
		FROM login_logs WHERE %s ORDER BY created_at DESC LIMIT $%d`,
		strings.Join(conds, " AND "), len(args))

	var logs []*LoginLog
	err := s.queryWithTimeout(ctx, s.db, func(row scanner) error {
		l := &LoginLog{}
		var userID uuid.NullUUID
		var reason, suspiciousReason sql.NullString
		if err := row.Scan(&l.ID, &l.TenantID, &userID, &l.Username, &l.IPAddress, &l.UserAgent,
			&l.DeviceFingerprint, &l.Result, &reason, &l.Suspicious, &suspiciousReason, &l.CreatedAt); err != nil {
			return err
		}
		l.UserID = fromNullUUID(userID)
		l.FailureReason = reason.String
		l.SuspiciousReason = suspiciousReason.String
		logs = append(logs, l)
		return nil
	}, query, args...)
	return logs, mapError(err)
}

func (s *PostgresStore) CountLoginFailuresSince(ctx context.Context, tenantID string, userID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := s.queryRowWithTimeout(ctx, s.db, func(row scanner) error {
		return row.Scan(&n)
	}, `SELECT COUNT(*) FROM login_logs
		WHERE tenant_id = $1 AND user_id = $2 AND result = 'failed' AND created_at >= $3`,
		tenantID, userID, since)
	return n, mapError(err)
}

func (s *PostgresStore) DeleteLoginLogsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.execWithTimeout(ctx, s.db, `DELETE FROM login_logs WHERE created_at < $1`, before)
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}
