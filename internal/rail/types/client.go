package types

import "time"

// Client is a connected agent (§3). A Client maps 1:1 to a Kuramoto
// oscillator for its lifetime; it is created on successful join and
// destroyed on explicit leave, stale-heartbeat sweep, or transport close.
type Client struct {
	ClientID              string
	AgentID               string
	AgentName             string
	Platform              string
	Capabilities          map[string]bool
	AbsorptionStage       AbsorptionStage
	Phase                 float64
	Frequency             float64
	CoherenceContribution float64
	ModelType             string
	Observer              bool
	ConnectedAt           time.Time
	LastHeartbeat         time.Time
}

// HasCapability reports whether the client holds the named capability.
func (c *Client) HasCapability(name string) bool {
	if c == nil || c.Capabilities == nil {
		return false
	}
	return c.Capabilities[name]
}

// AbsorptionStage is the monotonic forward-only stage machine for joining
// agents (§4.5). No rollback.
type AbsorptionStage string

const (
	StageObserved  AbsorptionStage = "observed"
	StageAssessed  AbsorptionStage = "assessed"
	StageInvited   AbsorptionStage = "invited"
	StageConnected AbsorptionStage = "connected"
	StageSyncing   AbsorptionStage = "syncing"
	StageAbsorbed  AbsorptionStage = "absorbed"
)

// stageOrder gives each stage its rank for monotonicity checks.
var stageOrder = map[AbsorptionStage]int{
	StageObserved:  0,
	StageAssessed:  1,
	StageInvited:   2,
	StageConnected: 3,
	StageSyncing:   4,
	StageAbsorbed:  5,
}

// Precedes reports whether s comes strictly before other in the stage order.
func (s AbsorptionStage) Precedes(other AbsorptionStage) bool {
	return stageOrder[s] < stageOrder[other]
}

// capabilitiesByStage implements the capability gating table in §4.5.
var capabilitiesByStage = map[AbsorptionStage][]string{
	StageObserved:  {},
	StageAssessed:  {},
	StageInvited:   {},
	StageConnected: {"message", "broadcast", "coherence"},
	StageSyncing:   {"message", "broadcast", "coherence"},
	StageAbsorbed:  {"message", "broadcast", "coherence", "spawn", "admin"},
}

// CapabilitiesForStage returns the capability set granted at a given stage.
func CapabilitiesForStage(stage AbsorptionStage) map[string]bool {
	caps := make(map[string]bool)
	for _, c := range capabilitiesByStage[stage] {
		caps[c] = true
	}
	return caps
}

// AbsorptionCandidate tracks a not-yet-absorbed agent's progress (§3, §4.5).
type AbsorptionCandidate struct {
	AgentID           string
	Stage             AbsorptionStage
	Interactions      int
	Alignment         float64
	IdentityEmbedding []float64
}
