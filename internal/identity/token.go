// Package identity implements the Identity Registry (spec.md §4.1):
// registration, capability tokens with refresh rotation, pre-key and MLS
// key-package bundles, user search, and account deletion. Grounded on
// histeeria-Histeeria's internal/utils/jwt.go JWTService shape (HMAC claims,
// ValidateToken/blacklist pattern), generalized to the spec's {access,
// refresh} token-kind split and device-scoped claims.
package identity

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"wireline/internal/apperr"
)

// TokenKind distinguishes an access token from a refresh token; validation
// rejects a token whose kind doesn't match the operation (spec.md §4.1).
type TokenKind string

const (
	TokenAccess  TokenKind = "access"
	TokenRefresh TokenKind = "refresh"
)

const (
	AccessTokenTTL  = 15 * time.Minute
	RefreshTokenTTL = 30 * 24 * time.Hour
)

// Claims is the capability token payload: {user, device, username,
// issued-at, expires-at, kind, permissions}.
type Claims struct {
	UserID      string    `json:"uid"`
	DeviceID    string    `json:"did"`
	Username    string    `json:"username"`
	Kind        TokenKind `json:"kind"`
	Permissions []string  `json:"permissions"`
	jwt.RegisteredClaims
}

// TokenService issues and validates capability tokens.
type TokenService struct {
	secret []byte
}

func NewTokenService(secret []byte) *TokenService {
	return &TokenService{secret: secret}
}

// IssueAccessToken mints a 15-minute access token.
func (s *TokenService) IssueAccessToken(userID, deviceID uuid.UUID, username string, permissions []string) (string, error) {
	return s.issue(userID, deviceID, username, permissions, TokenAccess, AccessTokenTTL)
}

// IssueRefreshToken mints a 30-day refresh token.
func (s *TokenService) IssueRefreshToken(userID, deviceID uuid.UUID, username string, permissions []string) (string, error) {
	return s.issue(userID, deviceID, username, permissions, TokenRefresh, RefreshTokenTTL)
}

func (s *TokenService) issue(userID, deviceID uuid.UUID, username string, permissions []string, kind TokenKind, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:      userID.String(),
		DeviceID:    deviceID.String(),
		Username:    username,
		Kind:        kind,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", apperr.Wrap(apperr.InternalError, "sign token", err)
	}
	return signed, nil
}

// Validate parses tokenString and confirms it is of wantKind. Expiry is
// enforced by jwt.ParseWithClaims itself (RegisteredClaims.ExpiresAt).
func (s *TokenService) Validate(tokenString string, wantKind TokenKind) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperr.New(apperr.Unauthorized, "unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Unauthorized, "invalid or expired token", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, apperr.ErrInvalidToken
	}
	if claims.Kind != wantKind {
		return nil, apperr.ErrTokenKindMismatch
	}
	return claims, nil
}
