package jwt

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Claims are the fields signed into every access token.
type Claims struct {
	TenantID  string   `json:"tid"`
	ClientID  string   `json:"client_id,omitempty"`
	UserID    string   `json:"uid,omitempty"`
	SessionID string   `json:"sid,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// TokenID returns the jti as a UUID.
func (c *Claims) TokenID() (uuid.UUID, error) {
	return uuid.Parse(c.ID)
}

// AccessTokenInput describes one access token to sign.
type AccessTokenInput struct {
	TokenID   uuid.UUID
	TenantID  string
	ClientID  string
	UserID    string
	SessionID string
	Scopes    []string
	IssuedAt  time.Time
	TTL       time.Duration
}

type Manager struct {
	secret []byte
	issuer string
}

func NewManager(secret, issuer string) *Manager {
	return &Manager{
		secret: []byte(secret),
		issuer: issuer,
	}
}

func (m *Manager) GenerateAccessToken(in AccessTokenInput) (string, error) {
	now := in.IssuedAt
	if now.IsZero() {
		now = time.Now()
	}
	subject := in.UserID
	if subject == "" {
		subject = in.ClientID
	}
	claims := Claims{
		TenantID:  in.TenantID,
		ClientID:  in.ClientID,
		UserID:    in.UserID,
		SessionID: in.SessionID,
		Scopes:    in.Scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(in.TTL)),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    m.issuer,
			Subject:   subject,
			ID:        in.TokenID.String(),
		},
	}
	if in.ClientID != "" {
		claims.Audience = []string{in.ClientID}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// ValidateAccessToken checks the signature, issuer and lifetime.
func (m *Manager) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// GenerateOpaqueToken returns 32 random bytes, base64url encoded. Used for
// refresh tokens, authorization codes and client secrets.
func GenerateOpaqueToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
