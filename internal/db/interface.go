package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
	// ErrConflict is returned by version-checked writes against a stale row.
	ErrConflict = errors.New("version conflict")
	// ErrNotUpdated is returned when a conditional write matched no row.
	ErrNotUpdated = errors.New("conditional update matched no rows")
)

// Every method except the cross-tenant sweeps filters by tenant id.

type ClientStore interface {
	CreateClient(ctx context.Context, client *Client) error
	GetClient(ctx context.Context, tenantID, clientID string) (*Client, error)
	ListClients(ctx context.Context, tenantID string) ([]*Client, error)
	UpdateClient(ctx context.Context, client *Client) error
	UpdateClientSecret(ctx context.Context, tenantID, clientID, secretHash string) error
	SetClientActive(ctx context.Context, tenantID, clientID string, active bool) error
}

type UserStore interface {
	CreateUser(ctx context.Context, user *User) error
	// GetUserByLogin matches username or email, case-insensitively.
	GetUserByLogin(ctx context.Context, tenantID, login string) (*User, error)
	GetUserByID(ctx context.Context, tenantID string, id uuid.UUID) (*User, error)
	// UpdateLockState writes state only if the row is still at
	// expectedVersion, bumping the version. Returns ErrConflict otherwise.
	UpdateLockState(ctx context.Context, tenantID string, userID uuid.UUID, expectedVersion int64, state LockState) error
	// ListExpiredLocks returns users across tenants whose lock ended before t.
	ListExpiredLocks(ctx context.Context, before time.Time, limit int) ([]*User, error)
	ListLockedUsers(ctx context.Context, tenantID string, now time.Time) ([]*User, error)
}

type CodeStore interface {
	CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error
	GetAuthorizationCode(ctx context.Context, tenantID, codeHash string) (*AuthorizationCode, error)
	// MarkAuthorizationCodeUsed flips used from false to true. Returns
	// ErrNotUpdated when the code was already used.
	MarkAuthorizationCodeUsed(ctx context.Context, tenantID string, id uuid.UUID, at time.Time) error
	DeleteExpiredAuthorizationCodes(ctx context.Context, before time.Time) (int64, error)
}

type TokenStore interface {
	// CreateTokenPair stores access and, when non-nil, refresh atomically.
	CreateTokenPair(ctx context.Context, access *AccessToken, refresh *RefreshToken) error
	GetAccessToken(ctx context.Context, tenantID, tokenHash string) (*AccessToken, error)
	GetAccessTokenByID(ctx context.Context, tenantID string, id uuid.UUID) (*AccessToken, error)
	GetRefreshToken(ctx context.Context, tenantID, tokenHash string) (*RefreshToken, error)
	// RotateRefreshToken revokes oldID and its access sibling and stores
	// the new pair in one unit. Returns ErrNotUpdated if oldID was already
	// revoked, leaving nothing written.
	RotateRefreshToken(ctx context.Context, tenantID string, oldID uuid.UUID, access *AccessToken, refresh *RefreshToken, at time.Time) error
	RevokeAccessToken(ctx context.Context, tenantID string, id uuid.UUID, at time.Time) error
	RevokeRefreshToken(ctx context.Context, tenantID string, id uuid.UUID, at time.Time) error
	ListRefreshTokensByParent(ctx context.Context, tenantID string, parentID uuid.UUID) ([]*RefreshToken, error)
	ListTokensByCode(ctx context.Context, tenantID string, codeID uuid.UUID) ([]*AccessToken, []*RefreshToken, error)
	RevokeAccessTokensBySession(ctx context.Context, tenantID string, sessionID uuid.UUID, at time.Time) (int64, error)
	RevokeTokensForUser(ctx context.Context, tenantID string, userID uuid.UUID, at time.Time) (int64, error)
	DeleteExpiredTokens(ctx context.Context, before time.Time) (int64, error)
}

type SessionStore interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, tenantID string, id uuid.UUID) (*Session, error)
	GetSessionByRefreshHash(ctx context.Context, tenantID, refreshHash string) (*Session, error)
	// GetSessionByRetiredRefreshHash finds the session that once held
	// refreshHash, for any rotation since the session was created.
	GetSessionByRetiredRefreshHash(ctx context.Context, tenantID, refreshHash string) (*Session, error)
	// RotateSessionRefresh swaps the refresh hash only if it still equals
	// oldHash and the session is live. Returns ErrNotUpdated otherwise.
	RotateSessionRefresh(ctx context.Context, tenantID string, id uuid.UUID, oldHash, newHash string, at time.Time) error
	RevokeSession(ctx context.Context, tenantID string, id uuid.UUID, reason string, at time.Time) error
	RevokeUserSessions(ctx context.Context, tenantID string, userID uuid.UUID, reason string, at time.Time) (int64, error)
	ListActiveSessions(ctx context.Context, tenantID string, userID uuid.UUID, now time.Time) ([]*Session, error)
	DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error)
}

// LoginLogStore is append-only apart from the retention sweep.
type LoginLogStore interface {
	AppendLoginLog(ctx context.Context, entry *LoginLog) error
	FindLoginLogs(ctx context.Context, filter LoginLogFilter) ([]*LoginLog, error)
	CountLoginFailuresSince(ctx context.Context, tenantID string, userID uuid.UUID, since time.Time) (int, error)
	DeleteLoginLogsBefore(ctx context.Context, before time.Time) (int64, error)
}

// Store is the full persistence surface of the kernel.
type Store interface {
	ClientStore
	UserStore
	CodeStore
	TokenStore
	SessionStore
	LoginLogStore

	Ping(ctx context.Context) error
	Close() error
}

// DatabaseStats is exposed on the health endpoint.
type DatabaseStats struct {
	OpenConnections   int   `json:"open_connections"`
	InUse             int   `json:"in_use"`
	Idle              int   `json:"idle"`
	WaitCount         int64 `json:"wait_count"`
	WaitDuration      int64 `json:"wait_duration_ns"`
	MaxIdleClosed     int64 `json:"max_idle_closed"`
	MaxIdleTimeClosed int64 `json:"max_idle_time_closed"`
	MaxLifetimeClosed int64 `json:"max_lifetime_closed"`
}
