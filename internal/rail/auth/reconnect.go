package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"time"

	"github.com/resonance-rail/railserver/internal/railerrors"
)

// reconnectEntry mirrors the teacher's sessionStore entry shape, adapted
// from a login-session token to a single-use reconnect credential (§4.3).
type reconnectEntry struct {
	token     string
	agentID   string
	expiresAt time.Time
}

// ReconnectStore issues and validates one-use reconnect tokens with a TTL
// (§3 ReconnectToken, §4.3). Validated in constant time; deleted on first
// success; on validation failure no hint leaks about why.
type ReconnectStore struct {
	mu      sync.Mutex
	tokens  map[string]*reconnectEntry
	ttl     time.Duration
}

// NewReconnectStore builds a store with the given token TTL (default 5 min).
func NewReconnectStore(ttl time.Duration) *ReconnectStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ReconnectStore{
		tokens: make(map[string]*reconnectEntry),
		ttl:    ttl,
	}
}

// Issue creates a new reconnect token for agentID, issued on successful
// join (§4.3).
func (s *ReconnectStore) Issue(agentID string) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", railerrors.Wrap(err, "failed to generate reconnect token")
	}
	token := hex.EncodeToString(b)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = &reconnectEntry{
		token:     token,
		agentID:   agentID,
		expiresAt: time.Now().Add(s.ttl),
	}
	return token, nil
}

// Validate checks a reconnect token and, on success, consumes it — it
// validates successfully at most once (§8 invariant 4). Returns the bound
// agentID and whether the token was valid.
func (s *ReconnectStore) Validate(token string) (agentID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, found := s.tokens[token]
	if !found {
		return "", false
	}
	// Constant-time compare against the looked-up entry; the lookup itself
	// is keyed, but the token's own identity is still compared without
	// early-exit so success/failure timing doesn't vary by content.
	if subtle.ConstantTimeCompare([]byte(token), []byte(entry.token)) != 1 {
		return "", false
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.tokens, token)
		return "", false
	}

	delete(s.tokens, token)
	return entry.agentID, true
}

// Sweep removes expired tokens; called periodically from the tick loop
// (§4.8 "clean expired reconnect tokens").
func (s *ReconnectStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for token, entry := range s.tokens {
		if now.After(entry.expiresAt) {
			delete(s.tokens, token)
		}
	}
}
