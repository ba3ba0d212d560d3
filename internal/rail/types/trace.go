package types

import "time"

// Trace is a persistent reasoning artefact, append-only (§3, §4.6).
type Trace struct {
	ID        string
	Seq       int64
	AgentID   string
	AgentName string
	Content   string
	Embedding []float64
	Kind      string
	Metadata  map[string]any
	CreatedAt time.Time
}

// MessageLogEntry is an append-only record driving replay (§3, §4.6).
type MessageLogEntry struct {
	Seq       int64
	Type      MessageType
	AgentID   string
	AgentName string
	Payload   map[string]any
	Timestamp int64
}

// PauseSnapshot records every connected client's phase at pause time (§3,
// §4.8); it is overwritten on each pause and covers exactly the set of
// clients connected at pause time (invariant vi).
type PauseSnapshot struct {
	Phases    map[string]float64
	Coherence float64
	CreatedAt time.Time
}
