package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"authkernel/internal/db"
)

// Cache holds read-through client records and short-lived login state.
// Every key is scoped by tenant.
type Cache interface {
	GetClient(ctx context.Context, tenantID, clientID string) (*db.Client, error)
	SetClient(ctx context.Context, client *db.Client, ttl time.Duration) error
	InvalidateClient(ctx context.Context, tenantID, clientID string) error

	// PutPendingLogin stores a login that still needs a second factor.
	PutPendingLogin(ctx context.Context, pending *PendingLogin, ttl time.Duration) error
	// TakePendingLogin returns and deletes the pending login in one step,
	// so a pending id can be completed at most once.
	TakePendingLogin(ctx context.Context, tenantID, id string) (*PendingLogin, error)

	Ping(ctx context.Context) error
	Close() error
	GetStats() CacheStats
}

// PendingLogin is a password-verified login awaiting a second factor.
type PendingLogin struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	UserID            uuid.UUID `json:"user_id"`
	Username          string    `json:"username"`
	DeviceName        string    `json:"device_name,omitempty"`
	UserAgent         string    `json:"user_agent,omitempty"`
	IPAddress         string    `json:"ip_address,omitempty"`
	DeviceFingerprint string    `json:"device_fingerprint,omitempty"`
	Suspicious        bool      `json:"suspicious"`
	SuspiciousReason  string    `json:"suspicious_reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Errors int64 `json:"errors"`
}

// ErrCacheMiss is returned when a key is not found in the cache
var ErrCacheMiss = &CacheError{Message: "cache miss"}

// CacheError represents a cache-specific error
type CacheError struct {
	Message string
	Err     error
}

func (e *CacheError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *CacheError) Unwrap() error {
	return e.Err
}

func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

// clientEntry carries the secret hash, which db.Client hides from JSON.
type clientEntry struct {
	*db.Client
	SecretHash string `json:"secret_hash"`
}

func clientKey(tenantID, clientID string) string {
	return "client:" + tenantID + ":" + clientID
}

func pendingKey(tenantID, id string) string {
	return "pending_login:" + tenantID + ":" + id
}
