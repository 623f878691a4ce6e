// Secure token generation and hashing, used for the long-lived node
// credentials a gateway presents to the nexus over the RPC control
// channel (distinct from the short-lived per-user JWTs issued by
// JWTManager). Node credentials are bcrypt-hashed at rest since they are
// rarely validated and should resist offline brute force; anything
// validated on a hot path uses the faster SHA256 form instead.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// TokenHasher generates and verifies opaque credential tokens.
type TokenHasher struct {
	bcryptCost int
}

// NewTokenHasher creates a new token hasher with the default bcrypt cost.
func NewTokenHasher() *TokenHasher {
	return &TokenHasher{bcryptCost: bcrypt.DefaultCost}
}

// GenerateSecureToken generates a cryptographically random token of the
// given byte length and returns both the plain token (given to the
// caller once) and its bcrypt hash (stored).
func (t *TokenHasher) GenerateSecureToken(length int) (plainToken string, hashedToken string, err error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", "", fmt.Errorf("failed to generate random token: %w", err)
	}

	plainToken = base64.URLEncoding.EncodeToString(bytes)
	hashedToken, err = t.HashToken(plainToken)
	if err != nil {
		return "", "", err
	}
	return plainToken, hashedToken, nil
}

// HashToken hashes a token with bcrypt.
func (t *TokenHasher) HashToken(token string) (string, error) {
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(token), t.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return string(hashedBytes), nil
}

// VerifyToken verifies a plain token against its bcrypt hash.
func (t *TokenHasher) VerifyToken(plainToken, hashedToken string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashedToken), []byte(plainToken)) == nil
}

// HashTokenSHA256 hashes a token with SHA256, for callers that need
// fast, high-frequency lookups rather than brute-force resistance.
func (t *TokenHasher) HashTokenSHA256(token string) string {
	hash := sha256.Sum256([]byte(token))
	return base64.URLEncoding.EncodeToString(hash[:])
}

// VerifyTokenSHA256 verifies a token against a SHA256 hash.
func (t *TokenHasher) VerifyTokenSHA256(plainToken, hashedToken string) bool {
	return t.HashTokenSHA256(plainToken) == hashedToken
}

// GenerateNodeCredential generates the long-lived credential a gateway
// presents to the nexus when opening its RPC connection. 48 bytes gives
// 384 bits of entropy; the credential never expires and is revoked by
// deleting its stored hash.
func (t *TokenHasher) GenerateNodeCredential() (plainToken string, hashedToken string, err error) {
	bytes := make([]byte, 48)
	if _, err := rand.Read(bytes); err != nil {
		return "", "", fmt.Errorf("failed to generate node credential: %w", err)
	}

	plainToken = base64.URLEncoding.EncodeToString(bytes)
	hashedToken, err = t.HashToken(plainToken)
	if err != nil {
		return "", "", err
	}
	return plainToken, hashedToken, nil
}
