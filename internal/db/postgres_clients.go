package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

const clientColumns = `id, tenant_id, client_id, owner_id, name, secret_hash, client_type,
	grant_types, redirect_uris, scopes, access_token_ttl_seconds, refresh_token_ttl_seconds,
	require_pkce, require_consent, active, created_at, updated_at`

func scanClient(row scanner) (*Client, error) {
	c := &Client{}
	var secret sql.NullString
	var grants, uris, scopes pq.StringArray
	var accessTTL, refreshTTL int64
	err := row.Scan(&c.ID, &c.TenantID, &c.ClientID, &c.OwnerID, &c.Name, &secret, &c.Type,
		&grants, &uris, &scopes, &accessTTL, &refreshTTL,
		&c.RequirePKCE, &c.RequireConsent, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.SecretHash = secret.String
	c.GrantTypes = []string(grants)
	c.RedirectURIs = []string(uris)
	c.Scopes = []string(scopes)
	c.AccessTokenTTL = time.Duration(accessTTL) * time.Second
	c.RefreshTokenTTL = time.Duration(refreshTTL) * time.Second
	return c, nil
}

func (s *PostgresStore) CreateClient(ctx context.Context, c *Client) error {
	query := `INSERT INTO clients (tenant_id, client_id, owner_id, name, secret_hash, client_type,
			grant_types, redirect_uris, scopes, access_token_ttl_seconds, refresh_token_ttl_seconds,
			require_pkce, require_consent, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at`

	err := s.queryRowWithTimeout(ctx, s.db, func(row scanner) error {
		return row.Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	}, query, c.TenantID, c.ClientID, c.OwnerID, c.Name, nullString(c.SecretHash), c.Type,
		pq.Array(c.GrantTypes), pq.Array(c.RedirectURIs), pq.Array(c.Scopes),
		int64(c.AccessTokenTTL/time.Second), int64(c.RefreshTokenTTL/time.Second),
		c.RequirePKCE, c.RequireConsent, c.Active)
	return mapError(err)
}

func (s *PostgresStore) GetClient(ctx context.Context, tenantID, clientID string) (*Client, error) {
	var client *Client
	err := s.queryRowWithTimeout(ctx, s.db, func(row scanner) error {
		var err error
		client, err = scanClient(row)
		return err
	}, `SELECT `+clientColumns+` FROM clients WHERE tenant_id = $1 AND client_id = $2`, tenantID, clientID)
	if err != nil {
		return nil, mapError(err)
	}
	return client, nil
}

func (s *PostgresStore) ListClients(ctx context.Context, tenantID string) ([]*Client, error) {
	var clients []*Client
	err := s.queryWithTimeout(ctx, s.db, func(row scanner) error {
		c, err := scanClient(row)
		if err != nil {
			return err
		}
		clients = append(clients, c)
		return nil
	}, `SELECT `+clientColumns+` FROM clients WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	return clients, mapError(err)
}

func (s *PostgresStore) UpdateClient(ctx context.Context, c *Client) error {
	query := `UPDATE clients SET name = $3, grant_types = $4, redirect_uris = $5, scopes = $6,
			access_token_ttl_seconds = $7, refresh_token_ttl_seconds = $8,
			require_pkce = $9, require_consent = $10, active = $11, updated_at = NOW()
		WHERE tenant_id = $1 AND client_id = $2`

	res, err := s.execWithTimeout(ctx, s.db, query, c.TenantID, c.ClientID, c.Name,
		pq.Array(c.GrantTypes), pq.Array(c.RedirectURIs), pq.Array(c.Scopes),
		int64(c.AccessTokenTTL/time.Second), int64(c.RefreshTokenTTL/time.Second),
		c.RequirePKCE, c.RequireConsent, c.Active)
	if err != nil {
		return mapError(err)
	}
	return requireOneRow(res, ErrNotFound)
}

func (s *PostgresStore) UpdateClientSecret(ctx context.Context, tenantID, clientID, secretHash string) error {
	res, err := s.execWithTimeout(ctx, s.db,
		`UPDATE clients SET secret_hash = $3, updated_at = NOW() WHERE tenant_id = $1 AND client_id = $2`,
		tenantID, clientID, secretHash)
	if err != nil {
		return mapError(err)
	}
	return requireOneRow(res, ErrNotFound)
}

func (s *PostgresStore) SetClientActive(ctx context.Context, tenantID, clientID string, active bool) error {
	res, err := s.execWithTimeout(ctx, s.db,
		`UPDATE clients SET active = $3, updated_at = NOW() WHERE tenant_id = $1 AND client_id = $2`,
		tenantID, clientID, active)
	if err != nil {
		return mapError(err)
	}
	return requireOneRow(res, ErrNotFound)
}
