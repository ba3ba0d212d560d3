// Package auth implements the HMAC challenge/response protocol (C3): a
// process-local secret registry that is never served back, HMAC validation
// of join tokens, and a one-use
// reconnect-token store.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/resonance-rail/railserver/internal/railerrors"
	"github.com/resonance-rail/railserver/internal/rail/types"
)

// SecretRegistry binds agentIds to HMAC key material in process memory
// (§4.3, §9 "Global state"). Secrets live in memory only: the registry
// starts empty and is not reloaded from the persisted enrollment hashes, so
// every agent must be enrolled again after a restart. The registry never
// exposes a secret once stored, except the one returned at enrollment time.
type SecretRegistry struct {
	mu      sync.RWMutex
	secrets map[string][]byte // agentId -> raw secret bytes, held only in memory
}

// NewSecretRegistry creates an empty registry.
func NewSecretRegistry() *SecretRegistry {
	return &SecretRegistry{secrets: make(map[string][]byte)}
}

// Enroll generates a new 32-byte secret for agentId, stores it in memory,
// and returns it hex-encoded — the only time it is ever served back (§4.3).
func (r *SecretRegistry) Enroll(agentID string) (secretHex string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", railerrors.Wrap(err, "failed to generate enrollment secret")
	}
	secretHex = hex.EncodeToString(b)
	r.Put(agentID, b)
	return secretHex, nil
}

// Put loads an already-known secret into memory (e.g. on startup restore
// from a caller-supplied secret string, or from a registration endpoint).
func (r *SecretRegistry) Put(agentID string, secret []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.secrets[agentID] = secret
}

// Has reports whether a secret is registered for agentID.
func (r *SecretRegistry) Has(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.secrets[agentID]
	return ok
}

// HashSecret returns a persistable hash of a secret (§3 Enrollment.secretHash).
func HashSecret(secret []byte) string {
	sum := sha256.Sum256(secret)
	return hex.EncodeToString(sum[:])
}

// Validate checks an AuthToken against the registered secret (§4.3):
// reject if no secret is registered, reject if the timestamp is outside
// maxAge, else recompute the HMAC and compare in constant time.
func (r *SecretRegistry) Validate(token types.AuthToken, now time.Time, maxAge time.Duration) bool {
	r.mu.RLock()
	secret, ok := r.secrets[token.AgentID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	delta := now.UnixMilli() - token.Timestamp
	if delta < 0 {
		delta = -delta
	}
	if time.Duration(delta)*time.Millisecond > maxAge {
		return false
	}

	payload := fmt.Sprintf("%s:%d:%s", token.AgentID, token.Timestamp, token.Nonce)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	expected := mac.Sum(nil)

	given, err := hex.DecodeString(token.Signature)
	if err != nil {
		return false
	}

	return subtle.ConstantTimeCompare(expected, given) == 1
}
