package auth

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role distinguishes the one speaking caller from read-only observers.
const (
	RoleCaller   = "caller"
	RoleObserver = "observer"
)

// JWTClaims represents the claims in a session join token
type JWTClaims struct {
	Identity string `json:"identity"`
	Role     string `json:"role"` // "caller" or "observer"
	jwt.RegisteredClaims
}

// TokenManager mints and validates session join tokens
type TokenManager struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenManager creates a token manager with the given secret
func NewTokenManager(secret []byte, ttl time.Duration) (*TokenManager, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("JWT secret is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenManager{secret: secret, ttl: ttl}, nil
}

// NewTokenManagerFromEnv reads the secret from the JWT_SECRET environment
// variable
func NewTokenManagerFromEnv() (*TokenManager, error) {
	return NewTokenManager([]byte(os.Getenv("JWT_SECRET")), 0)
}

// MintToken generates a join token for the given identity and role
func (m *TokenManager) MintToken(identity, role string) (string, error) {
	if identity == "" {
		return "", fmt.Errorf("identity is required")
	}
	if role != RoleCaller && role != RoleObserver {
		return "", fmt.Errorf("unknown role %q", role)
	}

	claims := &JWTClaims{
		Identity: identity,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// ValidateToken validates a join token and returns the claims
func (m *TokenManager) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, jwt.ErrInvalidKey
}
