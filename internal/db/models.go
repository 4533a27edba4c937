package db

import (
	"time"

	"github.com/google/uuid"
)

type ClientType string

const (
	ClientConfidential ClientType = "confidential"
	ClientPublic       ClientType = "public"
)

const (
	GrantAuthorizationCode = "authorization_code"
	GrantClientCredentials = "client_credentials"
	GrantRefreshToken      = "refresh_token"
)

type Client struct {
	ID              uuid.UUID     `json:"id" db:"id"`
	TenantID        string        `json:"tenant_id" db:"tenant_id"`
	ClientID        string        `json:"client_id" db:"client_id"`
	OwnerID         string        `json:"owner_id" db:"owner_id"`
	Name            string        `json:"name" db:"name"`
	SecretHash      string        `json:"-" db:"secret_hash"`
	Type            ClientType    `json:"client_type" db:"client_type"`
	GrantTypes      []string      `json:"grant_types" db:"grant_types"`
	RedirectURIs    []string      `json:"redirect_uris" db:"redirect_uris"`
	Scopes          []string      `json:"scopes" db:"scopes"`
	AccessTokenTTL  time.Duration `json:"access_token_ttl" db:"access_token_ttl_seconds"`
	RefreshTokenTTL time.Duration `json:"refresh_token_ttl" db:"refresh_token_ttl_seconds"`
	RequirePKCE     bool          `json:"require_pkce" db:"require_pkce"`
	RequireConsent  bool          `json:"require_consent" db:"require_consent"`
	Active          bool          `json:"active" db:"active"`
	CreatedAt       time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at" db:"updated_at"`
}

func (c *Client) IsPublic() bool { return c.Type == ClientPublic }

func (c *Client) AllowsGrant(grant string) bool {
	for _, g := range c.GrantTypes {
		if g == grant {
			return true
		}
	}
	return false
}

type User struct {
	ID           uuid.UUID `json:"id" db:"id"`
	TenantID     string    `json:"tenant_id" db:"tenant_id"`
	Username     string    `json:"username" db:"username"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"`
	Active       bool      `json:"active" db:"active"`
	MFAEnabled   bool      `json:"mfa_enabled" db:"mfa_enabled"`

	FailedLoginCount  int        `json:"failed_login_count" db:"failed_login_count"`
	LastFailedLoginAt *time.Time `json:"last_failed_login_at,omitempty" db:"last_failed_login_at"`
	LockedUntil       *time.Time `json:"locked_until,omitempty" db:"locked_until"`
	LockReason        string     `json:"lock_reason,omitempty" db:"lock_reason"`
	// Version guards the lock fields against lost updates.
	Version int64 `json:"version" db:"version"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// LockState is the subset of User written by the lockout path.
type LockState struct {
	FailedLoginCount  int
	LastFailedLoginAt *time.Time
	LockedUntil       *time.Time
	LockReason        string
}

func (u *User) LockState() LockState {
	return LockState{
		FailedLoginCount:  u.FailedLoginCount,
		LastFailedLoginAt: u.LastFailedLoginAt,
		LockedUntil:       u.LockedUntil,
		LockReason:        u.LockReason,
	}
}

type AuthorizationCode struct {
	ID                  uuid.UUID  `json:"id" db:"id"`
	TenantID            string     `json:"tenant_id" db:"tenant_id"`
	CodeHash            string     `json:"-" db:"code_hash"`
	ClientID            string     `json:"client_id" db:"client_id"`
	UserID              uuid.UUID  `json:"user_id" db:"user_id"`
	RedirectURI         string     `json:"redirect_uri" db:"redirect_uri"`
	Scopes              []string   `json:"scopes" db:"scopes"`
	CodeChallenge       string     `json:"code_challenge,omitempty" db:"code_challenge"`
	CodeChallengeMethod string     `json:"code_challenge_method,omitempty" db:"code_challenge_method"`
	ExpiresAt           time.Time  `json:"expires_at" db:"expires_at"`
	Used                bool       `json:"used" db:"used"`
	UsedAt              *time.Time `json:"used_at,omitempty" db:"used_at"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
}

type AccessToken struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	TenantID  string     `json:"tenant_id" db:"tenant_id"`
	TokenHash string     `json:"-" db:"token_hash"`
	ClientID  string     `json:"client_id" db:"client_id"`
	UserID    *uuid.UUID `json:"user_id,omitempty" db:"user_id"`
	SessionID *uuid.UUID `json:"session_id,omitempty" db:"session_id"`
	CodeID    *uuid.UUID `json:"code_id,omitempty" db:"code_id"`
	Scopes    []string   `json:"scopes" db:"scopes"`
	ExpiresAt time.Time  `json:"expires_at" db:"expires_at"`
	Revoked   bool       `json:"revoked" db:"revoked"`
	RevokedAt *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

type RefreshToken struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	TenantID      string     `json:"tenant_id" db:"tenant_id"`
	TokenHash     string     `json:"-" db:"token_hash"`
	AccessTokenID uuid.UUID  `json:"access_token_id" db:"access_token_id"`
	// ParentID links a rotated token to the one it replaced.
	ParentID  *uuid.UUID `json:"parent_id,omitempty" db:"parent_id"`
	CodeID    *uuid.UUID `json:"code_id,omitempty" db:"code_id"`
	ClientID  string     `json:"client_id" db:"client_id"`
	UserID    *uuid.UUID `json:"user_id,omitempty" db:"user_id"`
	Scopes    []string   `json:"scopes" db:"scopes"`
	ExpiresAt time.Time  `json:"expires_at" db:"expires_at"`
	Revoked   bool       `json:"revoked" db:"revoked"`
	RevokedAt *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

type Session struct {
	ID          uuid.UUID `json:"id" db:"id"`
	TenantID    string    `json:"tenant_id" db:"tenant_id"`
	UserID      uuid.UUID `json:"user_id" db:"user_id"`
	RefreshHash string    `json:"-" db:"refresh_hash"`
	// RetiredRefreshHashes lists every hash rotated away, oldest first.
	// Only the memory store fills it; Postgres keeps them in
	// session_refresh_history.
	RetiredRefreshHashes []string   `json:"-" db:"-"`
	DeviceName           string     `json:"device_name,omitempty" db:"device_name"`
	UserAgent            string     `json:"user_agent,omitempty" db:"user_agent"`
	IPAddress            string     `json:"ip_address,omitempty" db:"ip_address"`
	DeviceFingerprint    string     `json:"device_fingerprint,omitempty" db:"device_fingerprint"`
	ExpiresAt            time.Time  `json:"expires_at" db:"expires_at"`
	Revoked              bool       `json:"revoked" db:"revoked"`
	RevokedAt            *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	RevokeReason         string     `json:"revoke_reason,omitempty" db:"revoke_reason"`
	LastUsedAt           time.Time  `json:"last_used_at" db:"last_used_at"`
	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
}

type LoginResult string

const (
	LoginSuccess LoginResult = "success"
	LoginFailed  LoginResult = "failed"
	// SessionRevoked records a logout or an administrative revocation.
	SessionRevoked LoginResult = "session_revoked"
)

type LoginLog struct {
	ID                uuid.UUID   `json:"id" db:"id"`
	TenantID          string      `json:"tenant_id" db:"tenant_id"`
	UserID            *uuid.UUID  `json:"user_id,omitempty" db:"user_id"`
	Username          string      `json:"username" db:"username"`
	IPAddress         string      `json:"ip_address" db:"ip_address"`
	UserAgent         string      `json:"user_agent" db:"user_agent"`
	DeviceFingerprint string      `json:"device_fingerprint" db:"device_fingerprint"`
	Result            LoginResult `json:"result" db:"result"`
	FailureReason     string      `json:"failure_reason,omitempty" db:"failure_reason"`
	Suspicious        bool        `json:"suspicious" db:"suspicious"`
	SuspiciousReason  string      `json:"suspicious_reason,omitempty" db:"suspicious_reason"`
	CreatedAt         time.Time   `json:"created_at" db:"created_at"`
}

// LoginLogFilter selects audit rows. TenantID is required; zero-valued
// fields are ignored. Results are newest first.
type LoginLogFilter struct {
	TenantID          string
	UserID            *uuid.UUID
	IPAddress         string
	DeviceFingerprint string
	Result            LoginResult
	SuspiciousOnly    bool
	Since             time.Time
	Limit             int
}
