package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Authorization codes

func (s *PostgresStore) CreateAuthorizationCode(ctx context.Context, c *AuthorizationCode) error {
	query := `INSERT INTO authorization_codes (tenant_id, code_hash, client_id, user_id, redirect_uri,
			scopes, code_challenge, code_challenge_method, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`

	err := s.queryRowWithTimeout(ctx, s.db, func(row scanner) error {
		return row.Scan(&c.ID, &c.CreatedAt)
	}, query, c.TenantID, c.CodeHash, c.ClientID, c.UserID, c.RedirectURI, pq.Array(c.Scopes),
		nullString(c.CodeChallenge), nullString(c.CodeChallengeMethod), c.ExpiresAt)
	return mapError(err)
}

func (s *PostgresStore) GetAuthorizationCode(ctx context.Context, tenantID, codeHash string) (*AuthorizationCode, error) {
	c := &AuthorizationCode{}
	var scopes pq.StringArray
	var challenge, method sql.NullString
	var usedAt sql.NullTime
	err := s.queryRowWithTimeout(ctx, s.db, func(row scanner) error {
		return row.Scan(&c.ID, &c.TenantID, &c.CodeHash, &c.ClientID, &c.UserID, &c.RedirectURI,
			&scopes, &challenge, &method, &c.ExpiresAt, &c.Used, &usedAt, &c.CreatedAt)
	}, `SELECT id, tenant_id, code_hash, client_id, user_id, redirect_uri, scopes, code_challenge,
			code_challenge_method, expires_at, used, used_at, created_at
		FROM authorization_codes WHERE tenant_id = $1 AND code_hash = $2`, tenantID, codeHash)
	if err != nil {
		return nil, mapError(err)
	}
	c.Scopes = []string(scopes)
	c.CodeChallenge = challenge.String
	c.CodeChallengeMethod = method.String
	if usedAt.Valid {
		t := usedAt.Time
		c.UsedAt = &t
	}
	return c, nil
}

func (s *PostgresStore) MarkAuthorizationCodeUsed(ctx context.Context, tenantID string, id uuid.UUID, at time.Time) error {
	res, err := s.execWithTimeout(ctx, s.db,
		`UPDATE authorization_codes SET used = true, used_at = $3
		WHERE tenant_id = $1 AND id = $2 AND used = false`, tenantID, id, at)
	if err != nil {
		return mapError(err)
	}
	return requireOneRow(res, ErrNotUpdated)
}

func (s *PostgresStore) DeleteExpiredAuthorizationCodes(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.execWithTimeout(ctx, s.db, `DELETE FROM authorization_codes WHERE expires_at < $1`, before)
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}

// Tokens

const accessColumns = `id, tenant_id, token_hash, client_id, user_id, session_id, code_id,
	scopes, expires_at, revoked, revoked_at, created_at`

const refreshColumns = `id, tenant_id, token_hash, access_token_id, parent_id, code_id,
	client_id, user_id, scopes, expires_at, revoked, revoked_at, created_at`

func scanAccessToken(row scanner) (*AccessToken, error) {
	t := &AccessToken{}
	var userID, sessionID, codeID uuid.NullUUID
	var scopes pq.StringArray
	var revokedAt sql.NullTime
	err := row.Scan(&t.ID, &t.TenantID, &t.TokenHash, &t.ClientID, &userID, &sessionID, &codeID,
		&scopes, &t.ExpiresAt, &t.Revoked, &revokedAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.UserID = fromNullUUID(userID)
	t.SessionID = fromNullUUID(sessionID)
	t.CodeID = fromNullUUID(codeID)
	t.Scopes = []string(scopes)
	if revokedAt.Valid {
		ts := revokedAt.Time
		t.RevokedAt = &ts
	}
	return t, nil
}

func scanRefreshToken(row scanner) (*RefreshToken, error) {
	t := &RefreshToken{}
	var parentID, codeID, userID uuid.NullUUID
	var scopes pq.StringArray
	var revokedAt sql.NullTime
	err := row.Scan(&t.ID, &t.TenantID, &t.TokenHash, &t.AccessTokenID, &parentID, &codeID,
		&t.ClientID, &userID, &scopes, &t.ExpiresAt, &t.Revoked, &revokedAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.ParentID = fromNullUUID(parentID)
	t.CodeID = fromNullUUID(codeID)
	t.UserID = fromNullUUID(userID)
	t.Scopes = []string(scopes)
	if revokedAt.Valid {
		ts := revokedAt.Time
		t.RevokedAt = &ts
	}
	return t, nil
}

func fromNullUUID(n uuid.NullUUID) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id := n.UUID
	return &id
}

func toNullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func (s *PostgresStore) insertPair(ctx context.Context, q queryer, access *AccessToken, refresh *RefreshToken) error {
	if access.ID == uuid.Nil {
		access.ID = uuid.New()
	}
	err := s.queryRowWithTimeout(ctx, q, func(row scanner) error {
		return row.Scan(&access.CreatedAt)
	}, `INSERT INTO access_tokens (id, tenant_id, token_hash, client_id, user_id, session_id, code_id,
			scopes, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING created_at`,
		access.ID, access.TenantID, access.TokenHash, access.ClientID, toNullUUID(access.UserID),
		toNullUUID(access.SessionID), toNullUUID(access.CodeID), pq.Array(access.Scopes), access.ExpiresAt)
	if err != nil {
		return mapError(err)
	}
	if refresh == nil {
		return nil
	}

	if refresh.ID == uuid.Nil {
		refresh.ID = uuid.New()
	}
	refresh.AccessTokenID = access.ID
	err = s.queryRowWithTimeout(ctx, q, func(row scanner) error {
		return row.Scan(&refresh.CreatedAt)
	}, `INSERT INTO refresh_tokens (id, tenant_id, token_hash, access_token_id, parent_id, code_id,
			client_id, user_id, scopes, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING created_at`,
		refresh.ID, refresh.TenantID, refresh.TokenHash, refresh.AccessTokenID, toNullUUID(refresh.ParentID),
		toNullUUID(refresh.CodeID), refresh.ClientID, toNullUUID(refresh.UserID), pq.Array(refresh.Scopes),
		refresh.ExpiresAt)
	return mapError(err)
}

func (s *PostgresStore) CreateTokenPair(ctx context.Context, access *AccessToken, refresh *RefreshToken) error {
	if refresh == nil {
		return s.insertPair(ctx, s.db, access, nil)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.insertPair(ctx, tx, access, refresh)
	})
}

func (s *PostgresStore) GetAccessToken(ctx context.Context, tenantID, tokenHash string) (*AccessToken, error) {
	var token *AccessToken
	err := s.queryRowWithTimeout(ctx, s.db, func(row scanner) error {
		var err error
		token, err = scanAccessToken(row)
		return err
	}, `SELECT `+accessColumns+` FROM access_tokens WHERE tenant_id = $1 AND token_hash = $2`, tenantID, tokenHash)
	if err != nil {
		return nil, mapError(err)
	}
	return token, nil
}

func (s *PostgresStore) GetAccessTokenByID(ctx context.Context, tenantID string, id uuid.UUID) (*AccessToken, error) {
	var token *AccessToken
	err := s.queryRowWithTimeout(ctx, s.db, func(row scanner) error {
		var err error
		token, err = scanAccessToken(row)
		return err
	}, `SELECT `+accessColumns+` FROM access_tokens WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return nil, mapError(err)
	}
	return token, nil
}

func (s *PostgresStore) GetRefreshToken(ctx context.Context, tenantID, tokenHash string) (*RefreshToken, error) {
	var token *RefreshToken
	err := s.queryRowWithTimeout(ctx, s.db, func(row scanner) error {
		var err error
		token, err = scanRefreshToken(row)
		return err
	}, `SELECT `+refreshColumns+` FROM refresh_tokens WHERE tenant_id = $1 AND token_hash = $2`, tenantID, tokenHash)
	if err != nil {
		return nil, mapError(err)
	}
	return token, nil
}

func (s *PostgresStore) RotateRefreshToken(ctx context.Context, tenantID string, oldID uuid.UUID, access *AccessToken, refresh *RefreshToken, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var siblingID uuid.UUID
		err := s.queryRowWithTimeout(ctx, tx, func(row scanner) error {
			return row.Scan(&siblingID)
		}, `UPDATE refresh_tokens SET revoked = true, revoked_at = $3
			WHERE tenant_id = $1 AND id = $2 AND revoked = false
			RETURNING access_token_id`, tenantID, oldID, at)
		if err != nil {
			if mapError(err) == ErrNotFound {
				return ErrNotUpdated
			}
			return mapError(err)
		}

		if _, err := s.execWithTimeout(ctx, tx,
			`UPDATE access_tokens SET revoked = true, revoked_at = $3
			WHERE tenant_id = $1 AND id = $2 AND revoked = false`, tenantID, siblingID, at); err != nil {
			return mapError(err)
		}
		return s.insertPair(ctx, tx, access, refresh)
	})
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, tenantID string, id uuid.UUID, at time.Time) error {
	res, err := s.execWithTimeout(ctx, s.db,
		`UPDATE access_tokens SET revoked = true, revoked_at = COALESCE(revoked_at, $3)
		WHERE tenant_id = $1 AND id = $2`, tenantID, id, at)
	if err != nil {
		return mapError(err)
	}
	return requireOneRow(res, ErrNotFound)
}

func (s *PostgresStore) RevokeRefreshToken(ctx context.Context, tenantID string, id uuid.UUID, at time.Time) error {
	res, err := s.execWithTimeout(ctx, s.db,
		`UPDATE refresh_tokens SET revoked = true, revoked_at = COALESCE(revoked_at, $3)
		WHERE tenant_id = $1 AND id = $2`, tenantID, id, at)
	if err != nil {
		return mapError(err)
	}
	return requireOneRow(res, ErrNotFound)
}

func (s *PostgresStore) ListRefreshTokensByParent(ctx context.Context, tenantID string, parentID uuid.UUID) ([]*RefreshToken, error) {
	var tokens []*RefreshToken
	err := s.queryWithTimeout(ctx, s.db, func(row scanner) error {
		t, err := scanRefreshToken(row)
		if err != nil {
			return err
		}
		tokens = append(tokens, t)
		return nil
	}, `SELECT `+refreshColumns+` FROM refresh_tokens WHERE tenant_id = $1 AND parent_id = $2`, tenantID, parentID)
	return tokens, mapError(err)
}

func (s *PostgresStore) ListTokensByCode(ctx context.Context, tenantID string, codeID uuid.UUID) ([]*AccessToken, []*RefreshToken, error) {
	var access []*AccessToken
	err := s.queryWithTimeout(ctx, s.db, func(row scanner) error {
		t, err := scanAccessToken(row)
		if err != nil {
			return err
		}
		access = append(access, t)
		return nil
	}, `SELECT `+accessColumns+` FROM access_tokens WHERE tenant_id = $1 AND code_id = $2`, tenantID, codeID)
	if err != nil {
		return nil, nil, mapError(err)
	}

	var refresh []*RefreshToken
	err = s.queryWithTimeout(ctx, s.db, func(row scanner) error {
		t, err := scanRefreshToken(row)
		if err != nil {
			return err
		}
		refresh = append(refresh, t)
		return nil
	}, `SELECT `+refreshColumns+` FROM refresh_tokens WHERE tenant_id = $1 AND code_id = $2`, tenantID, codeID)
	if err != nil {
		return nil, nil, mapError(err)
	}
	return access, refresh, nil
}

func (s *PostgresStore) RevokeAccessTokensBySession(ctx context.Context, tenantID string, sessionID uuid.UUID, at time.Time) (int64, error) {
	res, err := s.execWithTimeout(ctx, s.db,
		`UPDATE access_tokens SET revoked = true, revoked_at = $3
		WHERE tenant_id = $1 AND session_id = $2 AND revoked = false`, tenantID, sessionID, at)
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) RevokeTokensForUser(ctx context.Context, tenantID string, userID uuid.UUID, at time.Time) (int64, error) {
	var total int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"access_tokens", "refresh_tokens"} {
			res, err := s.execWithTimeout(ctx, tx,
				`UPDATE `+table+` SET revoked = true, revoked_at = $3
				WHERE tenant_id = $1 AND user_id = $2 AND revoked = false`, tenantID, userID, at)
			if err != nil {
				return mapError(err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	return total, err
}

func (s *PostgresStore) DeleteExpiredTokens(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := s.execWithTimeout(ctx, tx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, before)
		if err != nil {
			return mapError(err)
		}
		n, _ := res.RowsAffected()
		total += n

		res, err = s.execWithTimeout(ctx, tx, `DELETE FROM access_tokens a WHERE a.expires_at < $1
			AND NOT EXISTS (SELECT 1 FROM refresh_tokens r WHERE r.access_token_id = a.id)`, before)
		if err != nil {
			return mapError(err)
		}
		n, _ = res.RowsAffected()
		total += n
		return nil
	})
	return total, err
}
