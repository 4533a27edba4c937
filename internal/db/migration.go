package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// MigrationManager applies versioned schema migrations.
type MigrationManager struct {
	db *sql.DB
}

type Migration struct {
	Version    int
	Name       string
	UpScript   string
	DownScript string
	ExecutedAt *time.Time
}

func NewMigrationManager(db *sql.DB) *MigrationManager {
	return &MigrationManager{db: db}
}

func (m *MigrationManager) InitializeMigrationTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			executed_at TIMESTAMPTZ DEFAULT NOW(),
			checksum VARCHAR(64) NOT NULL
		);
	`)
	return err
}

func (m *MigrationManager) GetAppliedMigrations(ctx context.Context) ([]Migration, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version, name, executed_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var migrations []Migration
	for rows.Next() {
		var migration Migration
		if err := rows.Scan(&migration.Version, &migration.Name, &migration.ExecutedAt); err != nil {
			return nil, err
		}
		migrations = append(migrations, migration)
	}
	return migrations, rows.Err()
}

func (m *MigrationManager) ApplyMigration(ctx context.Context, migration Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migration.UpScript); err != nil {
		return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, checksum) VALUES ($1, $2, $3)`,
		migration.Version, migration.Name, checksum(migration.UpScript)); err != nil {
		return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
	}
	return tx.Commit()
}

func (m *MigrationManager) RollbackMigration(ctx context.Context, migration Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migration.DownScript); err != nil {
		return fmt.Errorf("failed to rollback migration %d: %w", migration.Version, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = $1`, migration.Version); err != nil {
		return fmt.Errorf("failed to remove migration record %d: %w", migration.Version, err)
	}
	return tx.Commit()
}

func (m *MigrationManager) GetPendingMigrations(ctx context.Context, all []Migration) ([]Migration, error) {
	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	appliedMap := make(map[int]bool, len(applied))
	for _, migration := range applied {
		appliedMap[migration.Version] = true
	}

	var pending []Migration
	for _, migration := range all {
		if !appliedMap[migration.Version] {
			pending = append(pending, migration)
		}
	}
	return pending, nil
}

// Migrate brings the schema up to date.
func (m *MigrationManager) Migrate(ctx context.Context) (int, error) {
	if err := m.InitializeMigrationTable(ctx); err != nil {
		return 0, fmt.Errorf("failed to initialize migration table: %w", err)
	}
	pending, err := m.GetPendingMigrations(ctx, GetAllMigrations())
	if err != nil {
		return 0, err
	}
	for _, migration := range pending {
		if err := m.ApplyMigration(ctx, migration); err != nil {
			return 0, err
		}
	}
	return len(pending), nil
}

func checksum(script string) string {
	sum := sha256.Sum256([]byte(script))
	return hex.EncodeToString(sum[:])
}

func GetAllMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "initial_schema",
			UpScript: `
				CREATE EXTENSION IF NOT EXISTS "pgcrypto";

				CREATE TABLE IF NOT EXISTS users (
					id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
					tenant_id VARCHAR(64) NOT NULL,
					username VARCHAR(255) NOT NULL,
					email VARCHAR(255),
					password_hash VARCHAR(255) NOT NULL,
					active BOOLEAN NOT NULL DEFAULT TRUE,
					mfa_enabled BOOLEAN NOT NULL DEFAULT FALSE,
					failed_login_count INTEGER NOT NULL DEFAULT 0,
					last_failed_login_at TIMESTAMPTZ,
					locked_until TIMESTAMPTZ,
					lock_reason VARCHAR(255),
					version BIGINT NOT NULL DEFAULT 1,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
				CREATE UNIQUE INDEX IF NOT EXISTS idx_users_tenant_username ON users(tenant_id, lower(username));
				CREATE UNIQUE INDEX IF NOT EXISTS idx_users_tenant_email ON users(tenant_id, lower(email)) WHERE email IS NOT NULL;

				CREATE TABLE IF NOT EXISTS clients (
					id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
					tenant_id VARCHAR(64) NOT NULL,
					client_id VARCHAR(255) NOT NULL,
					owner_id VARCHAR(255) NOT NULL DEFAULT '',
					name VARCHAR(255) NOT NULL,
					secret_hash VARCHAR(255),
					client_type VARCHAR(16) NOT NULL,
					grant_types TEXT[] NOT NULL DEFAULT '{}',
					redirect_uris TEXT[] NOT NULL DEFAULT '{}',
					scopes TEXT[] NOT NULL DEFAULT '{}',
					access_token_ttl_seconds BIGINT NOT NULL,
					refresh_token_ttl_seconds BIGINT NOT NULL,
					require_pkce BOOLEAN NOT NULL DEFAULT FALSE,
					require_consent BOOLEAN NOT NULL DEFAULT FALSE,
					active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (tenant_id, client_id)
				);

				CREATE TABLE IF NOT EXISTS authorization_codes (
					id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
					tenant_id VARCHAR(64) NOT NULL,
					code_hash VARCHAR(64) UNIQUE NOT NULL,
					client_id VARCHAR(255) NOT NULL,
					user_id UUID NOT NULL REFERENCES users(id),
					redirect_uri VARCHAR(512) NOT NULL,
					scopes TEXT[] NOT NULL DEFAULT '{}',
					code_challenge VARCHAR(128),
					code_challenge_method VARCHAR(10),
					expires_at TIMESTAMPTZ NOT NULL,
					used BOOLEAN NOT NULL DEFAULT FALSE,
					used_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					FOREIGN KEY (tenant_id, client_id) REFERENCES clients(tenant_id, client_id)
				);

				CREATE TABLE IF NOT EXISTS sessions (
					id UUID PRIMARY KEY,
					tenant_id VARCHAR(64) NOT NULL,
					user_id UUID NOT NULL REFERENCES users(id),
					refresh_hash VARCHAR(64) UNIQUE NOT NULL,
					previous_refresh_hash VARCHAR(64),
					device_name VARCHAR(255),
					user_agent VARCHAR(512),
					ip_address VARCHAR(64),
					device_fingerprint VARCHAR(64),
					expires_at TIMESTAMPTZ NOT NULL,
					revoked BOOLEAN NOT NULL DEFAULT FALSE,
					revoked_at TIMESTAMPTZ,
					revoke_reason VARCHAR(255),
					last_used_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS access_tokens (
					id UUID PRIMARY KEY,
					tenant_id VARCHAR(64) NOT NULL,
					token_hash VARCHAR(64) UNIQUE NOT NULL,
					client_id VARCHAR(255) NOT NULL DEFAULT '',
					user_id UUID REFERENCES users(id),
					session_id UUID REFERENCES sessions(id) ON DELETE SET NULL,
					code_id UUID,
					scopes TEXT[] NOT NULL DEFAULT '{}',
					expires_at TIMESTAMPTZ NOT NULL,
					revoked BOOLEAN NOT NULL DEFAULT FALSE,
					revoked_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS refresh_tokens (
					id UUID PRIMARY KEY,
					tenant_id VARCHAR(64) NOT NULL,
					token_hash VARCHAR(64) UNIQUE NOT NULL,
					access_token_id UUID NOT NULL REFERENCES access_tokens(id),
					parent_id UUID,
					code_id UUID,
					client_id VARCHAR(255) NOT NULL,
					user_id UUID REFERENCES users(id),
					scopes TEXT[] NOT NULL DEFAULT '{}',
					expires_at TIMESTAMPTZ NOT NULL,
					revoked BOOLEAN NOT NULL DEFAULT FALSE,
					revoked_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS login_logs (
					id UUID PRIMARY KEY,
					tenant_id VARCHAR(64) NOT NULL,
					user_id UUID,
					username VARCHAR(255) NOT NULL,
					ip_address VARCHAR(64) NOT NULL DEFAULT '',
					user_agent VARCHAR(512) NOT NULL DEFAULT '',
					device_fingerprint VARCHAR(64) NOT NULL DEFAULT '',
					result VARCHAR(16) NOT NULL,
					failure_reason VARCHAR(64),
					suspicious BOOLEAN NOT NULL DEFAULT FALSE,
					suspicious_reason TEXT,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
			`,
			DownScript: `
				DROP TABLE IF EXISTS login_logs;
				DROP TABLE IF EXISTS refresh_tokens;
				DROP TABLE IF EXISTS access_tokens;
				DROP TABLE IF EXISTS sessions;
				DROP TABLE IF EXISTS authorization_codes;
				DROP TABLE IF EXISTS clients;
				DROP TABLE IF EXISTS users;
			`,
		},
		{
			Version: 2,
			Name:    "add_lookup_indexes",
			UpScript: `
				CREATE INDEX IF NOT EXISTS idx_users_locked_until ON users(locked_until) WHERE locked_until IS NOT NULL;
				CREATE INDEX IF NOT EXISTS idx_authorization_codes_expires_at ON authorization_codes(expires_at);
				CREATE INDEX IF NOT EXISTS idx_access_tokens_tenant_hash ON access_tokens(tenant_id, token_hash);
				CREATE INDEX IF NOT EXISTS idx_access_tokens_expires_at ON access_tokens(expires_at);
				CREATE INDEX IF NOT EXISTS idx_access_tokens_code ON access_tokens(tenant_id, code_id) WHERE code_id IS NOT NULL;
				CREATE INDEX IF NOT EXISTS idx_access_tokens_session ON access_tokens(tenant_id, session_id) WHERE revoked = false;
				CREATE INDEX IF NOT EXISTS idx_access_tokens_user ON access_tokens(tenant_id, user_id) WHERE revoked = false;
				CREATE INDEX IF NOT EXISTS idx_refresh_tokens_tenant_hash ON refresh_tokens(tenant_id, token_hash);
				CREATE INDEX IF NOT EXISTS idx_refresh_tokens_parent ON refresh_tokens(tenant_id, parent_id) WHERE parent_id IS NOT NULL;
				CREATE INDEX IF NOT EXISTS idx_refresh_tokens_code ON refresh_tokens(tenant_id, code_id) WHERE code_id IS NOT NULL;
				CREATE INDEX IF NOT EXISTS idx_refresh_tokens_expires_at ON refresh_tokens(expires_at);
				CREATE INDEX IF NOT EXISTS idx_sessions_user_active ON sessions(tenant_id, user_id) WHERE revoked = false;
				CREATE INDEX IF NOT EXISTS idx_sessions_previous_hash ON sessions(tenant_id, previous_refresh_hash) WHERE previous_refresh_hash IS NOT NULL;
				CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);
				CREATE INDEX IF NOT EXISTS idx_login_logs_user ON login_logs(tenant_id, user_id, created_at DESC);
				CREATE INDEX IF NOT EXISTS idx_login_logs_suspicious ON login_logs(tenant_id, created_at DESC) WHERE suspicious = true;
				CREATE INDEX IF NOT EXISTS idx_login_logs_created_at ON login_logs(created_at);
			`,
			DownScript: `
				DROP INDEX IF EXISTS idx_users_locked_until;
				DROP INDEX IF EXISTS idx_authorization_codes_expires_at;
				DROP INDEX IF EXISTS idx_access_tokens_tenant_hash;
				DROP INDEX IF EXISTS idx_access_tokens_expires_at;
				DROP INDEX IF EXISTS idx_access_tokens_code;
				DROP INDEX IF EXISTS idx_access_tokens_session;
				DROP INDEX IF EXISTS idx_access_tokens_user;
				DROP INDEX IF EXISTS idx_refresh_tokens_tenant_hash;
				DROP INDEX IF EXISTS idx_refresh_tokens_parent;
				DROP INDEX IF EXISTS idx_refresh_tokens_code;
				DROP INDEX IF EXISTS idx_refresh_tokens_expires_at;
				DROP INDEX IF EXISTS idx_sessions_user_active;
				DROP INDEX IF EXISTS idx_sessions_previous_hash;
				DROP INDEX IF EXISTS idx_sessions_expires_at;
				DROP INDEX IF EXISTS idx_login_logs_user;
				DROP INDEX IF EXISTS idx_login_logs_suspicious;
				DROP INDEX IF EXISTS idx_login_logs_created_at;
			`,
		},
		{
			Version: 3,
			Name:    "session_refresh_history",
			UpScript: `
				CREATE TABLE IF NOT EXISTS session_refresh_history (
					tenant_id VARCHAR(64) NOT NULL,
					refresh_hash VARCHAR(64) NOT NULL,
					session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
					retired_at TIMESTAMPTZ NOT NULL,
					PRIMARY KEY (tenant_id, refresh_hash)
				);
				CREATE INDEX IF NOT EXISTS idx_session_refresh_history_session ON session_refresh_history(session_id);

				INSERT INTO session_refresh_history (tenant_id, refresh_hash, session_id, retired_at)
				SELECT tenant_id, previous_refresh_hash, id, last_used_at FROM sessions
				WHERE previous_refresh_hash IS NOT NULL
				ON CONFLICT DO NOTHING;

				DROP INDEX IF EXISTS idx_sessions_previous_hash;
				ALTER TABLE sessions DROP COLUMN IF EXISTS previous_refresh_hash;
			`,
			DownScript: `
				ALTER TABLE sessions ADD COLUMN IF NOT EXISTS previous_refresh_hash VARCHAR(64);
				CREATE INDEX IF NOT EXISTS idx_sessions_previous_hash ON sessions(tenant_id, previous_refresh_hash) WHERE previous_refresh_hash IS NOT NULL;
				DROP TABLE IF EXISTS session_refresh_history;
			`,
		},
	}
}
