// Package metadata implements the periodic system-state broadcaster (C9):
// it polls a snapshot of C1/C8 state on an interval, emits a full payload
// every fullSnapshotEvery cycles, and diffs top-level fields in between
// (§4.9).
package metadata

import (
	"context"
	"encoding/json"
	"reflect"
	"time"

	"github.com/resonance-rail/railserver/internal/rail/types"
)

// OscillatorPhase is one entry of the coherence field's oscillator list.
type OscillatorPhase struct {
	ID    string  `json:"id"`
	Phase float64 `json:"phase"`
}

// CoherenceField mirrors C1's current state for display (§4.9). PerModel
// carries the within-group order parameter for each modelType present, so
// operators can see groupthink risk per model without a separate request.
type CoherenceField struct {
	Oscillators []OscillatorPhase  `json:"oscillators"`
	GlobalR     float64            `json:"globalR"`
	MeanPhase   float64            `json:"meanPhase"`
	PerModel    map[string]float64 `json:"perModel"`
}

// EnergyLandscapeEntry is one client's routing energy and selection
// probability, per §4.9 (`energy = 1 - coherenceContribution`, `probability
// = 1/N`).
type EnergyLandscapeEntry struct {
	AgentID     string  `json:"agentId"`
	Energy      float64 `json:"energy"`
	Probability float64 `json:"probability"`
}

// SecurityStats summarizes C10/C4 activity as running totals since Core started.
type SecurityStats struct {
	RateLimitViolations int `json:"rateLimitViolations"`
	FirewallBlocks      int `json:"firewallBlocks"`
}

// Snapshot is the full system-state payload built each cycle (§4.9).
type Snapshot struct {
	PlatformStats      map[string]int   `json:"platformStats"`
	AbsorptionStats    map[string]int   `json:"absorptionStats"`
	EnergyLandscape    []EnergyLandscapeEntry `json:"energyLandscape"`
	TrustScores        map[string]float64     `json:"trustScores"`
	CoherenceField      CoherenceField        `json:"coherenceField"`
	ExternalAgentCount int                     `json:"externalAgentCount"`
	SecurityStats       SecurityStats          `json:"securityStats"`
}

// Provider builds a fresh Snapshot from the live state owned by C1/C8.
type Provider func() Snapshot

// Emitter delivers the constructed metadata broadcast Message.
type Emitter func(types.Message)

// Config controls cadence (§4.9 defaults).
type Config struct {
	Interval          time.Duration
	FullSnapshotEvery int
}

// DefaultConfig matches the spec's stated defaults.
func DefaultConfig() Config {
	return Config{Interval: 2000 * time.Millisecond, FullSnapshotEvery: 10}
}

// Broadcaster runs the independent ticker described in §2's composition
// note: it reads snapshots, it does not own C1/C8 state.
type Broadcaster struct {
	cfg      Config
	provider Provider
	emit     Emitter

	cycle    int
	previous map[string]json.RawMessage
}

// New builds a Broadcaster. provider and emit must be non-nil.
func New(cfg Config, provider Provider, emit Emitter) *Broadcaster {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.FullSnapshotEvery <= 0 {
		cfg.FullSnapshotEvery = DefaultConfig().FullSnapshotEvery
	}
	return &Broadcaster{cfg: cfg, provider: provider, emit: emit}
}

// Run blocks, ticking at cfg.Interval until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.emit(b.Tick())
		}
	}
}

// Tick builds one metadata message: full every fullSnapshotEvery cycles,
// a diff of changed top-level fields otherwise (§4.9).
func (b *Broadcaster) Tick() types.Message {
	snapshot := b.provider()
	fields := toFieldMap(snapshot)

	full := b.previous == nil || b.cycle%b.cfg.FullSnapshotEvery == 0
	var payload map[string]any
	if full {
		payload = map[string]any{"full": true}
		for k, v := range fields {
			var decoded any
			_ = json.Unmarshal(v, &decoded)
			payload[k] = decoded
		}
	} else {
		payload = map[string]any{"full": false}
		for k, v := range fields {
			if prev, ok := b.previous[k]; !ok || !reflect.DeepEqual(prev, v) {
				var decoded any
				_ = json.Unmarshal(v, &decoded)
				payload[k] = decoded
			}
		}
	}

	b.previous = fields
	b.cycle++

	return types.Message{
		Type:      types.MessageMetadata,
		Payload:   payload,
		Timestamp: types.NowMillis(),
	}
}

// toFieldMap marshals each top-level Snapshot field to its own raw JSON
// value so individual fields can be diffed without reflecting into the
// struct itself.
func toFieldMap(s Snapshot) map[string]json.RawMessage {
	fields := map[string]any{
		"platformStats":      s.PlatformStats,
		"absorptionStats":    s.AbsorptionStats,
		"energyLandscape":    s.EnergyLandscape,
		"trustScores":        s.TrustScores,
		"coherenceField":     s.CoherenceField,
		"externalAgentCount": s.ExternalAgentCount,
		"securityStats":      s.SecurityStats,
	}
	out := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			continue
		}
		out[k] = raw
	}
	return out
}
