// Package users provisions the accounts that interactive logins run
// against.
package users

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"authkernel/internal/apperrors"
	"authkernel/internal/db"
	"authkernel/internal/logging"
	isecurity "authkernel/internal/security"
	"authkernel/internal/tenant"
	"authkernel/pkg/security"
)

// bcrypt ignores everything past 72 bytes.
const maxPasswordBytes = 72

type PasswordPolicy struct {
	MinLength int
	// MinClasses is how many of lower, upper, digit and symbol must appear.
	MinClasses int
}

func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{MinLength: 12, MinClasses: 3}
}

// Validate checks password against the policy. username is rejected as a
// substring.
func (p PasswordPolicy) Validate(username, password string) error {
	if len(password) < p.MinLength {
		return apperrors.InvalidArgument("password is too short")
	}
	if len(password) > maxPasswordBytes {
		return apperrors.InvalidArgument("password is too long")
	}
	if username != "" && strings.Contains(strings.ToLower(password), strings.ToLower(username)) {
		return apperrors.InvalidArgument("password must not contain the username")
	}
	var lower, upper, digit, symbol int
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = 1
		case unicode.IsUpper(r):
			upper = 1
		case unicode.IsDigit(r):
			digit = 1
		default:
			symbol = 1
		}
	}
	if lower+upper+digit+symbol < p.MinClasses {
		return apperrors.InvalidArgument("password must mix letters, digits and symbols")
	}
	return nil
}

type Service struct {
	store  db.UserStore
	hasher *security.Hasher
	pwned  *isecurity.PwnedPasswordChecker
	policy PasswordPolicy
}

func NewService(store db.UserStore, hasher *security.Hasher, pwned *isecurity.PwnedPasswordChecker, policy PasswordPolicy) *Service {
	if policy.MinLength <= 0 {
		policy = DefaultPasswordPolicy()
	}
	return &Service{store: store, hasher: hasher, pwned: pwned, policy: policy}
}

type CreateRequest struct {
	Username   string `json:"username"`
	Email      string `json:"email"`
	Password   string `json:"password"`
	MFAEnabled bool   `json:"mfa_enabled"`
}

// Create provisions an active user in the caller's tenant.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*db.User, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || len(username) > 255 || strings.ContainsAny(username, " \t\r\n@") {
		return nil, apperrors.InvalidArgument("username must be non-empty, without spaces or '@'")
	}
	email := strings.TrimSpace(req.Email)
	if email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return nil, apperrors.InvalidArgument("email is invalid")
		}
	}
	if err := s.policy.Validate(username, req.Password); err != nil {
		return nil, err
	}
	if res := s.pwned.CheckPassword(ctx, req.Password); res.Rejected(s.pwned.FailOpen()) {
		if res.IsBreached {
			return nil, apperrors.InvalidArgument("password appears in a known data breach")
		}
		return nil, apperrors.Internal("breached password check unavailable", res.Error)
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, apperrors.Internal("failed to hash password", err)
	}
	u := &db.User{
		ID:           uuid.New(),
		TenantID:     tenantID,
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Active:       true,
		MFAEnabled:   req.MFAEnabled,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return nil, apperrors.AlreadyExists("username or email already registered")
		}
		return nil, apperrors.Internal("failed to create user", err)
	}

	logging.FromContext(ctx).InfoEvent().
		Str("tenant_id", tenantID).
		Str("user_id", u.ID.String()).
		Msg("user created")
	return u, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*db.User, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	u, err := s.store.GetUserByID(ctx, tenantID, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperrors.NotFound("user not found")
		}
		return nil, apperrors.Internal("failed to load user", err)
	}
	return u, nil
}
