package types

import "time"

// AuthToken is the client-supplied HMAC credential on join (§4.3).
type AuthToken struct {
	AgentID   string
	Timestamp int64
	Nonce     string
	Signature string
}

// ReconnectToken is a one-use, short-lived credential for resuming a
// session without repeating the full handshake (§3, §4.3).
type ReconnectToken struct {
	AgentID   string
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Enrollment binds an agentId to a hashed secret (§3, §4.3, §4.6). The
// plaintext secret is never persisted or served back after creation.
type Enrollment struct {
	AgentID    string
	SecretHash string
	EnrolledAt time.Time
}
