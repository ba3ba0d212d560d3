// Package storage implements the persistence layer (C6): append-only
// stores for enrollments, client/event/coherence logs, pause snapshots,
// traces with embeddings, and the message log. All writes are
// fire-and-forget from the dispatcher's perspective: persistence failure
// logs a warning but never blocks serving (§4.6, §7).
package storage

import (
	"time"

	"github.com/resonance-rail/railserver/internal/rail/types"
)

// Store is the capability set the Rail Core is polymorphic over (§9): the
// table operations named in §4.6.
type Store interface {
	// Enrollments
	SaveEnrollment(agentID, secretHash string) error
	GetEnrollment(agentID string) (*types.Enrollment, error)

	// Client lifecycle log
	LogClientEvent(agentID, agentName, platform, action string) error

	// Generic event log
	LogEvent(eventType, clientID string, details map[string]any) error

	// Coherence log
	LogCoherence(coherence float64, agentCount int, meanPhase float64) error

	// Pause state — only the most recent row is authoritative
	SavePauseState(snapshot types.PauseSnapshot) error
	LatestPauseState() (*types.PauseSnapshot, error)

	// Traces
	SaveTrace(trace *types.Trace) error
	SearchTraces(query TraceQuery) ([]types.Trace, error)

	// Message log — returns the assigned seq so the in-memory counter
	// stays consistent even when persistence is unavailable (§4.6).
	LogMessage(entry types.MessageLogEntry) (seq int64, err error)
	PruneMessageLogKeepCount(keepCount int) error
	PruneMessageLogKeepSince(since time.Time) error

	// ReplayMessageLog returns entries with seq > sinceSeq, oldest first,
	// capped at limit (0 means unbounded) — the cursor-based feed backing
	// the `replay` dispatch type (§4.6, §4.8).
	ReplayMessageLog(sinceSeq int64, limit int) ([]types.MessageLogEntry, error)

	Close() error
}

// TraceQuery filters a trace search (§4.6, §4.7).
type TraceQuery struct {
	AgentID         string   // optional scalar filter
	QueryEmbedding  []float64 // optional; nil means no similarity ranking
	Limit           int
}
