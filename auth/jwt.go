// Package auth issues and validates the optional JWT bearer token accepted
// from browser-runtime clients at the WebSocket join step (§4.3, §4.11).
// Non-browser clients authenticate via the HMAC challenge/response protocol
// in internal/rail/auth instead; this package covers only that one bypass
// path, not a general session/login system.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/resonance-rail/railserver/internal/config"
	"github.com/resonance-rail/railserver/internal/railerrors"
)

// Claims identifies the browser client a validated token was issued to.
type Claims struct {
	ClientID string `json:"cid"`
	Platform string `json:"platform"`
}

// JWTClaims is the wire representation signed into the token.
type JWTClaims struct {
	jwt.RegisteredClaims
	ClientID string `json:"cid"`
	Platform string `json:"platform"`
}

// JWTManager issues and validates HS256 tokens for browser-runtime observers.
type JWTManager struct {
	secret      []byte
	tokenExpiry time.Duration
}

// NewJWTManager builds a manager from the rail's configuration. If no secret
// is configured, a random one is generated for the process lifetime — tokens
// issued by one instance will not validate against another.
func NewJWTManager(cfg *config.Config) (*JWTManager, error) {
	secret := cfg.JWTSecret
	if secret == "" {
		generated, err := generateSecureSecret(32)
		if err != nil {
			return nil, railerrors.Wrap(err, "failed to generate JWT secret")
		}
		secret = generated
	}

	expiry := cfg.JWTTokenExpiry
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}

	return &JWTManager{
		secret:      []byte(secret),
		tokenExpiry: expiry,
	}, nil
}

// GenerateToken issues a token scoped to a single browser client connection.
func (m *JWTManager) GenerateToken(claims *Claims) (string, error) {
	now := time.Now()
	jwtClaims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "railserver",
		},
		ClientID: claims.ClientID,
		Platform: claims.Platform,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims)
	return token.SignedString(m.secret)
}

// ValidateToken parses and validates a bearer token, returning its claims.
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, railerrors.Newf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, railerrors.Wrap(err, "invalid token")
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, railerrors.New("invalid token claims")
	}

	return &Claims{
		ClientID: claims.ClientID,
		Platform: claims.Platform,
	}, nil
}

// TokenExpiry returns the configured token lifetime.
func (m *JWTManager) TokenExpiry() time.Duration {
	return m.tokenExpiry
}

func generateSecureSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", railerrors.Wrap(err, "failed to generate random bytes")
	}
	return hex.EncodeToString(b), nil
}
