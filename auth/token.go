// Package auth verifies the signed tokens clients present during the
// websocket handshake and on the REST surface. Tokens are minted by an
// external identity service sharing the same HS256 key; this package
// only needs to verify them, plus mint short-lived tokens for tests and
// service-to-service calls.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const minKeyLength = 32

// Claims carries the identity the gateway needs: who the user is, what
// tier their budgets come from, and optionally which workspace scopes
// their flow access.
type Claims struct {
	UserID      string `json:"userId"`
	Tier        string `json:"tier"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies HS256 tokens.
type TokenService struct {
	secret     []byte
	expiration time.Duration
	issuer     string
}

// NewTokenService creates a token service. The key must be at least
// 32 bytes.
func NewTokenService(secret string, expiration time.Duration) (*TokenService, error) {
	if len(secret) < minKeyLength {
		return nil, ErrWeakKey
	}
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	return &TokenService{
		secret:     []byte(secret),
		expiration: expiration,
		issuer:     "arcflow.dev",
	}, nil
}

// Secret exposes the raw key for middleware that needs it directly.
func (s *TokenService) Secret() []byte {
	return s.secret
}

// GenerateToken mints a token for the given identity.
func (s *TokenService) GenerateToken(userID, tier, workspaceID string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:      userID,
		Tier:        tier,
		WorkspaceID: workspaceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken verifies signature and expiry and returns the claims.
func (s *TokenService) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	if claims.Tier == "" {
		claims.Tier = "free"
	}
	return claims, nil
}
