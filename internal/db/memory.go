package db

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Every conditional write runs under
// one mutex, so it has the same single-winner semantics as the Postgres
// conditional updates. Used by tests and DB_DRIVER=memory.
type MemoryStore struct {
	mu sync.RWMutex

	clients  map[string]*Client // tenant/client_id
	users    map[uuid.UUID]*User
	codes    map[uuid.UUID]*AuthorizationCode
	access   map[uuid.UUID]*AccessToken
	refresh  map[uuid.UUID]*RefreshToken
	sessions map[uuid.UUID]*Session
	logs     []*LoginLog

	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients:  make(map[string]*Client),
		users:    make(map[uuid.UUID]*User),
		codes:    make(map[uuid.UUID]*AuthorizationCode),
		access:   make(map[uuid.UUID]*AccessToken),
		refresh:  make(map[uuid.UUID]*RefreshToken),
		sessions: make(map[uuid.UUID]*Session),
	}
}

var errStoreClosed = errors.New("memory store closed")

func clientKey(tenantID, clientID string) string { return tenantID + "/" + clientID }

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errStoreClosed
	}
	return ctx.Err()
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Clients

func (m *MemoryStore) CreateClient(_ context.Context, c *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := clientKey(c.TenantID, c.ClientID)
	if _, ok := m.clients[key]; ok {
		return ErrDuplicate
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	cp := *c
	m.clients[key] = &cp
	return nil
}

func (m *MemoryStore) GetClient(_ context.Context, tenantID, clientID string) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[clientKey(tenantID, clientID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ListClients(_ context.Context, tenantID string) ([]*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Client
	for _, c := range m.clients {
		if c.TenantID == tenantID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateClient(_ context.Context, c *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := clientKey(c.TenantID, c.ClientID)
	existing, ok := m.clients[key]
	if !ok {
		return ErrNotFound
	}
	c.ID, c.CreatedAt, c.SecretHash = existing.ID, existing.CreatedAt, existing.SecretHash
	c.UpdatedAt = time.Now()
	cp := *c
	m.clients[key] = &cp
	return nil
}

func (m *MemoryStore) UpdateClientSecret(_ context.Context, tenantID, clientID, secretHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientKey(tenantID, clientID)]
	if !ok {
		return ErrNotFound
	}
	c.SecretHash = secretHash
	c.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetClientActive(_ context.Context, tenantID, clientID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientKey(tenantID, clientID)]
	if !ok {
		return ErrNotFound
	}
	c.Active = active
	c.UpdatedAt = time.Now()
	return nil
}

// Users

func (m *MemoryStore) CreateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.TenantID != u.TenantID {
			continue
		}
		if strings.EqualFold(existing.Username, u.Username) ||
			(u.Email != "" && strings.EqualFold(existing.Email, u.Email)) {
			return ErrDuplicate
		}
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	now := time.Now()
	u.CreatedAt, u.UpdatedAt = now, now
	if u.Version == 0 {
		u.Version = 1
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryStore) GetUserByLogin(_ context.Context, tenantID, login string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.TenantID != tenantID {
			continue
		}
		if strings.EqualFold(u.Username, login) || (u.Email != "" && strings.EqualFold(u.Email, login)) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetUserByID(_ context.Context, tenantID string, id uuid.UUID) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok || u.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) UpdateLockState(_ context.Context, tenantID string, userID uuid.UUID, expectedVersion int64, state LockState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok || u.TenantID != tenantID {
		return ErrNotFound
	}
	if u.Version != expectedVersion {
		return ErrConflict
	}
	u.FailedLoginCount = state.FailedLoginCount
	u.LastFailedLoginAt = state.LastFailedLoginAt
	u.LockedUntil = state.LockedUntil
	u.LockReason = state.LockReason
	u.Version++
	u.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListExpiredLocks(_ context.Context, before time.Time, limit int) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*User
	for _, u := range m.users {
		if u.LockedUntil != nil && !u.LockedUntil.After(before) {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LockedUntil.Before(*out[j].LockedUntil) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListLockedUsers(_ context.Context, tenantID string, now time.Time) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*User
	for _, u := range m.users {
		if u.TenantID == tenantID && u.LockedUntil != nil && u.LockedUntil.After(now) {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// Authorization codes

func (m *MemoryStore) CreateAuthorizationCode(_ context.Context, c *AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.codes {
		if existing.CodeHash == c.CodeHash {
			return ErrDuplicate
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = time.Now()
	cp := *c
	m.codes[c.ID] = &cp
	return nil
}

func (m *MemoryStore) GetAuthorizationCode(_ context.Context, tenantID, codeHash string) (*AuthorizationCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.codes {
		if c.TenantID == tenantID && c.CodeHash == codeHash {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) MarkAuthorizationCodeUsed(_ context.Context, tenantID string, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[id]
	if !ok || c.TenantID != tenantID || c.Used {
		return ErrNotUpdated
	}
	c.Used = true
	c.UsedAt = &at
	return nil
}

func (m *MemoryStore) DeleteExpiredAuthorizationCodes(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, c := range m.codes {
		if c.ExpiresAt.Before(before) {
			delete(m.codes, id)
			n++
		}
	}
	return n, nil
}

// Tokens

func (m *MemoryStore) CreateTokenPair(_ context.Context, access *AccessToken, refresh *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertPairLocked(access, refresh)
}

func (m *MemoryStore) insertPairLocked(access *AccessToken, refresh *RefreshToken) error {
	now := time.Now()
	if access.ID == uuid.Nil {
		access.ID = uuid.New()
	}
	access.CreatedAt = now
	a := *access
	m.access[access.ID] = &a

	if refresh != nil {
		if refresh.ID == uuid.Nil {
			refresh.ID = uuid.New()
		}
		refresh.AccessTokenID = access.ID
		refresh.CreatedAt = now
		r := *refresh
		m.refresh[refresh.ID] = &r
	}
	return nil
}

func (m *MemoryStore) GetAccessToken(_ context.Context, tenantID, tokenHash string) (*AccessToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.access {
		if t.TenantID == tenantID && t.TokenHash == tokenHash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetAccessTokenByID(_ context.Context, tenantID string, id uuid.UUID) (*AccessToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.access[id]
	if !ok || t.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetRefreshToken(_ context.Context, tenantID, tokenHash string) (*RefreshToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.refresh {
		if t.TenantID == tenantID && t.TokenHash == tokenHash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) RotateRefreshToken(_ context.Context, tenantID string, oldID uuid.UUID, access *AccessToken, refresh *RefreshToken, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.refresh[oldID]
	if !ok || old.TenantID != tenantID || old.Revoked {
		return ErrNotUpdated
	}
	old.Revoked = true
	old.RevokedAt = &at
	if sibling, ok := m.access[old.AccessTokenID]; ok && !sibling.Revoked {
		sibling.Revoked = true
		sibling.RevokedAt = &at
	}
	return m.insertPairLocked(access, refresh)
}

func (m *MemoryStore) RevokeAccessToken(_ context.Context, tenantID string, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.access[id]
	if !ok || t.TenantID != tenantID {
		return ErrNotFound
	}
	if !t.Revoked {
		t.Revoked = true
		t.RevokedAt = &at
	}
	return nil
}

func (m *MemoryStore) RevokeRefreshToken(_ context.Context, tenantID string, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.refresh[id]
	if !ok || t.TenantID != tenantID {
		return ErrNotFound
	}
	if !t.Revoked {
		t.Revoked = true
		t.RevokedAt = &at
	}
	return nil
}

func (m *MemoryStore) ListRefreshTokensByParent(_ context.Context, tenantID string, parentID uuid.UUID) ([]*RefreshToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*RefreshToken
	for _, t := range m.refresh {
		if t.TenantID == tenantID && t.ParentID != nil && *t.ParentID == parentID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListTokensByCode(_ context.Context, tenantID string, codeID uuid.UUID) ([]*AccessToken, []*RefreshToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var access []*AccessToken
	var refresh []*RefreshToken
	for _, t := range m.access {
		if t.TenantID == tenantID && t.CodeID != nil && *t.CodeID == codeID {
			cp := *t
			access = append(access, &cp)
		}
	}
	for _, t := range m.refresh {
		if t.TenantID == tenantID && t.CodeID != nil && *t.CodeID == codeID {
			cp := *t
			refresh = append(refresh, &cp)
		}
	}
	return access, refresh, nil
}

func (m *MemoryStore) RevokeAccessTokensBySession(_ context.Context, tenantID string, sessionID uuid.UUID, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.access {
		if t.TenantID == tenantID && t.SessionID != nil && *t.SessionID == sessionID && !t.Revoked {
			t.Revoked = true
			t.RevokedAt = &at
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) RevokeTokensForUser(_ context.Context, tenantID string, userID uuid.UUID, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.access {
		if t.TenantID == tenantID && t.UserID != nil && *t.UserID == userID && !t.Revoked {
			t.Revoked = true
			t.RevokedAt = &at
			n++
		}
	}
	for _, t := range m.refresh {
		if t.TenantID == tenantID && t.UserID != nil && *t.UserID == userID && !t.Revoked {
			t.Revoked = true
			t.RevokedAt = &at
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) DeleteExpiredTokens(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.refresh {
		if t.ExpiresAt.Before(before) {
			delete(m.refresh, id)
			n++
		}
	}
	for id, t := range m.access {
		if !t.ExpiresAt.Before(before) {
			continue
		}
		// Keep access rows still referenced by a live refresh token.
		referenced := false
		for _, r := range m.refresh {
			if r.AccessTokenID == id {
				referenced = true
				break
			}
		}
		if !referenced {
			delete(m.access, id)
			n++
		}
	}
	return n, nil
}

// Sessions

func (m *MemoryStore) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := time.Now()
	s.CreatedAt = now
	if s.LastUsedAt.IsZero() {
		s.LastUsedAt = now
	}
	m.sessions[s.ID] = copySession(s)
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, tenantID string, id uuid.UUID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok || s.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return copySession(s), nil
}

func (m *MemoryStore) GetSessionByRefreshHash(_ context.Context, tenantID, refreshHash string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.TenantID == tenantID && s.RefreshHash == refreshHash {
			return copySession(s), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetSessionByRetiredRefreshHash(_ context.Context, tenantID, refreshHash string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.TenantID != tenantID {
			continue
		}
		for _, h := range s.RetiredRefreshHashes {
			if h == refreshHash {
				return copySession(s), nil
			}
		}
	}
	return nil, ErrNotFound
}

func copySession(s *Session) *Session {
	cp := *s
	cp.RetiredRefreshHashes = append([]string(nil), s.RetiredRefreshHashes...)
	return &cp
}

func (m *MemoryStore) RotateSessionRefresh(_ context.Context, tenantID string, id uuid.UUID, oldHash, newHash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.TenantID != tenantID || s.Revoked || s.RefreshHash != oldHash || !s.ExpiresAt.After(at) {
		return ErrNotUpdated
	}
	s.RetiredRefreshHashes = append(s.RetiredRefreshHashes, s.RefreshHash)
	s.RefreshHash = newHash
	s.LastUsedAt = at
	return nil
}

func (m *MemoryStore) RevokeSession(_ context.Context, tenantID string, id uuid.UUID, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.TenantID != tenantID {
		return ErrNotFound
	}
	if !s.Revoked {
		s.Revoked = true
		s.RevokedAt = &at
		s.RevokeReason = reason
	}
	return nil
}

func (m *MemoryStore) RevokeUserSessions(_ context.Context, tenantID string, userID uuid.UUID, reason string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.sessions {
		if s.TenantID == tenantID && s.UserID == userID && !s.Revoked {
			s.Revoked = true
			s.RevokedAt = &at
			s.RevokeReason = reason
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListActiveSessions(_ context.Context, tenantID string, userID uuid.UUID, now time.Time) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.TenantID == tenantID && s.UserID == userID && !s.Revoked && s.ExpiresAt.After(now) {
			out = append(out, copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUsedAt.After(out[j].LastUsedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteExpiredSessions(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.sessions {
		if s.ExpiresAt.Before(before) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

// Login logs

func (m *MemoryStore) AppendLoginLog(_ context.Context, entry *LoginLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	cp := *entry
	m.logs = append(m.logs, &cp)
	return nil
}

func (m *MemoryStore) FindLoginLogs(_ context.Context, f LoginLogFilter) ([]*LoginLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*LoginLog
	for i := len(m.logs) - 1; i >= 0; i-- {
		l := m.logs[i]
		if !matchLoginLog(l, f) {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matchLoginLog(l *LoginLog, f LoginLogFilter) bool {
	if l.TenantID != f.TenantID {
		return false
	}
	if f.UserID != nil && (l.UserID == nil || *l.UserID != *f.UserID) {
		return false
	}
	if f.IPAddress != "" && l.IPAddress != f.IPAddress {
		return false
	}
	if f.DeviceFingerprint != "" && l.DeviceFingerprint != f.DeviceFingerprint {
		return false
	}
	if f.Result != "" && l.Result != f.Result {
		return false
	}
	if f.SuspiciousOnly && !l.Suspicious {
		return false
	}
	if !f.Since.IsZero() && l.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

func (m *MemoryStore) CountLoginFailuresSince(_ context.Context, tenantID string, userID uuid.UUID, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, l := range m.logs {
		if l.TenantID == tenantID && l.UserID != nil && *l.UserID == userID &&
			l.Result == LoginFailed && !l.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) DeleteLoginLogsBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.logs[:0]
	var n int64
	for _, l := range m.logs {
		if l.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, l)
	}
	m.logs = kept
	return n, nil
}
