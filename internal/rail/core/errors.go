package core

import "github.com/resonance-rail/railserver/internal/railerrors"

// Sentinel errors the listener (C11) maps onto close codes per the
// taxonomy in §7. No error is ever surfaced to a client beyond its code.
var (
	// ErrCapacityReached maps to close code 1013 (MAX_CONNECTIONS or
	// MAX_OBSERVERS). A full pause queue drops the message instead.
	ErrCapacityReached = railerrors.New("rail core: capacity reached")

	// ErrAuthFailed maps to close code 1008. Never distinguishes which
	// factor failed (missing secret, bad signature, stale timestamp,
	// invalid reconnect token) per §7 "never leak which factor failed".
	ErrAuthFailed = railerrors.New("rail core: authentication failed")

	// ErrRateLimited maps to close code 1008; Core has already purged the
	// limiter entry for the offending agent when it returns this.
	ErrRateLimited = railerrors.New("rail core: rate limit exceeded")

	// ErrUnknownClient is returned when a message references a clientId
	// or agentId with no live registry entry.
	ErrUnknownClient = railerrors.New("rail core: unknown client")

	// ErrShuttingDown is returned by the public request methods once Run
	// has already returned, so a caller racing shutdown never blocks
	// forever on a channel nothing will ever drain.
	ErrShuttingDown = railerrors.New("rail core: shutting down")
)
