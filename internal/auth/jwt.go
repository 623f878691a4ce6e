// Package auth issues and validates the bearer tokens the gateway accepts
// from clients before it ever opens a session: the token is presented as
// part of the HTTP upgrade request, and its subject becomes the user ID
// the rest of the gateway session (and the nexus RPC Authorize call) runs
// under. Tokens are opaque to everything downstream of ValidateToken.
//
// Tokens are signed JWTs (HMAC-SHA256) carrying only what the gateway
// needs to open a session: user ID and display name. Per-room and
// per-party permissions are never embedded in the token — they are
// resolved per request through internal/permcache, so a permission change
// takes effect without forcing every outstanding token to be reissued.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lanternfabric/core/internal/cache"
)

// JWTConfig holds JWT configuration. SecretKey must be loaded from the
// environment, never hardcoded, and should be at least 32 random bytes.
type JWTConfig struct {
	SecretKey     string
	Issuer        string
	TokenDuration time.Duration
}

// Claims are the JWT claims a gateway trusts once ValidateToken returns
// without error.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`

	jwt.RegisteredClaims
}

// JWTManager issues and validates tokens, optionally backed by a
// SessionStore for server-side revocation.
type JWTManager struct {
	config       *JWTConfig
	sessionStore *SessionStore
}

// NewJWTManager creates a new JWT manager.
func NewJWTManager(config *JWTConfig) *JWTManager {
	if config.TokenDuration == 0 {
		config.TokenDuration = 24 * time.Hour
	}
	if config.Issuer == "" {
		config.Issuer = "lanternfabric-gateway"
	}
	return &JWTManager{config: config}
}

// NewJWTManagerWithSessions creates a JWT manager with Redis-backed
// session tracking, enabling logout and forced-reauth on restart.
func NewJWTManagerWithSessions(config *JWTConfig, cacheClient *cache.Cache) *JWTManager {
	manager := NewJWTManager(config)
	manager.sessionStore = NewSessionStore(cacheClient)
	return manager
}

func (m *JWTManager) SetSessionStore(store *SessionStore) { m.sessionStore = store }
func (m *JWTManager) GetSessionStore() *SessionStore      { return m.sessionStore }

// GenerateToken issues a new signed token for a user.
func (m *JWTManager) GenerateToken(userID, username string) (string, error) {
	return m.GenerateTokenWithContext(context.Background(), userID, username, "", "")
}

// GenerateTokenWithContext issues a new signed token and, if a session
// store is configured, records it in Redis keyed by its jti so it can be
// revoked independently of its expiration.
func (m *JWTManager) GenerateTokenWithContext(ctx context.Context, userID, username, ipAddress, userAgent string) (string, error) {
	now := time.Now()
	expiresAt := now.Add(m.config.TokenDuration)

	sessionID, err := GenerateSessionID()
	if err != nil {
		return "", fmt.Errorf("failed to generate session ID: %w", err)
	}

	claims := &Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sessionID,
			Issuer:    m.config.Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(m.config.SecretKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	if m.sessionStore != nil && m.sessionStore.IsEnabled() {
		session := &SessionData{
			SessionID: sessionID,
			UserID:    userID,
			Username:  username,
			CreatedAt: now,
			ExpiresAt: expiresAt,
			IPAddress: ipAddress,
			UserAgent: userAgent,
		}
		if err := m.sessionStore.CreateSession(ctx, session, m.config.TokenDuration); err != nil {
			fmt.Printf("warning: failed to store session in Redis: %v\n", err)
		}
	}

	return tokenString, nil
}

// InvalidateSession revokes a session by its ID (logout).
func (m *JWTManager) InvalidateSession(ctx context.Context, sessionID string) error {
	if m.sessionStore == nil {
		return nil
	}
	return m.sessionStore.DeleteSession(ctx, sessionID)
}

// InvalidateUserSessions revokes every session belonging to a user.
func (m *JWTManager) InvalidateUserSessions(ctx context.Context, userID string) error {
	if m.sessionStore == nil {
		return nil
	}
	return m.sessionStore.DeleteUserSessions(ctx, userID)
}

// ValidateSession reports whether a session ID is still live in the
// store. With no store configured, every session is treated as valid.
func (m *JWTManager) ValidateSession(ctx context.Context, sessionID string) (bool, error) {
	if m.sessionStore == nil {
		return true, nil
	}
	return m.sessionStore.ValidateSession(ctx, sessionID)
}

// ClearAllSessions revokes every tracked session, forcing reauth.
func (m *JWTManager) ClearAllSessions(ctx context.Context) error {
	if m.sessionStore == nil {
		return nil
	}
	return m.sessionStore.ClearAllSessions(ctx)
}

// ValidateToken parses and verifies a token's signature, algorithm, and
// expiration, and returns its claims.
//
// The signing-method check rejects "alg": "none" and asymmetric-algorithm
// substitution attacks — both rely on the verifier accepting whatever
// algorithm the token claims to use instead of the one it was issued
// with.
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.SecretKey), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// RefreshToken issues a new token with extended expiration, but only
// within a 7-day window before the old token expires — this bounds the
// maximum lifetime a stolen token can be kept alive by repeated refresh.
func (m *JWTManager) RefreshToken(tokenString string) (string, error) {
	claims, err := m.ValidateToken(tokenString)
	if err != nil {
		return "", err
	}

	timeRemaining := time.Until(claims.ExpiresAt.Time)
	if timeRemaining < 0 {
		return "", errors.New("token has already expired")
	}
	if timeRemaining > 7*24*time.Hour {
		return "", errors.New("token not eligible for refresh yet (more than 7 days remaining)")
	}

	return m.GenerateToken(claims.UserID, claims.Username)
}

// ExtractUserID validates a token and returns its subject user ID.
func (m *JWTManager) ExtractUserID(tokenString string) (string, error) {
	claims, err := m.ValidateToken(tokenString)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

// GetTokenDuration returns the configured token duration.
func (m *JWTManager) GetTokenDuration() time.Duration {
	return m.config.TokenDuration
}
