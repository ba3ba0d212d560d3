// Package absorption implements the staged admission protocol (C5): a
// stage machine per candidate that never downgrades, gating capability
// issuance (§4.5).
package absorption

import (
	"math"
	"sync"

	"github.com/resonance-rail/railserver/internal/rail/types"
)

const (
	defaultInteractionThreshold = 3
	defaultAlignmentThreshold   = 0.7
)

// Config tunes the thresholds an observed candidate must clear to be
// assessed (§4.5), loaded from RAIL_ABSORPTION_* env overrides.
type Config struct {
	InteractionThreshold int
	AlignmentThreshold   float64
}

// candidateState tracks one agent's progress. Embeddings contributed once
// an agent is absorbed are kept on Protocol.absorbedEmbeddings.
type candidateState struct {
	candidate types.AbsorptionCandidate
}

// Protocol owns the candidate table; it is single-writer like every other
// rail component (§5).
type Protocol struct {
	mu                 sync.Mutex
	candidates         map[string]*candidateState
	absorbedEmbeddings [][]float64

	interactionThreshold int
	alignmentThreshold   float64
}

// New builds an empty Protocol, defaulting unset thresholds to the spec's
// stated values (§4.5).
func New(cfg Config) *Protocol {
	if cfg.InteractionThreshold <= 0 {
		cfg.InteractionThreshold = defaultInteractionThreshold
	}
	if cfg.AlignmentThreshold <= 0 {
		cfg.AlignmentThreshold = defaultAlignmentThreshold
	}
	return &Protocol{
		candidates:           make(map[string]*candidateState),
		interactionThreshold: cfg.InteractionThreshold,
		alignmentThreshold:   cfg.AlignmentThreshold,
	}
}

// Observe records contact from agentID, optionally with an identity
// embedding, and advances the stage machine (§4.5). First contact inserts
// the candidate as observed with interactions=1.
func (p *Protocol) Observe(agentID string, embedding []float64) types.AbsorptionCandidate {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.candidates[agentID]
	if !ok {
		state = &candidateState{candidate: types.AbsorptionCandidate{
			AgentID:      agentID,
			Stage:        types.StageObserved,
			Interactions: 1,
		}}
		if embedding != nil {
			state.candidate.IdentityEmbedding = embedding
		}
		p.candidates[agentID] = state
		return state.candidate
	}

	state.candidate.Interactions++
	if embedding != nil {
		state.candidate.IdentityEmbedding = embedding
	}

	if state.candidate.Stage == types.StageObserved {
		alignment := p.alignmentLocked(state.candidate.IdentityEmbedding)
		state.candidate.Alignment = alignment
		if state.candidate.Interactions >= p.interactionThreshold && alignment >= p.alignmentThreshold {
			state.candidate.Stage = types.StageAssessed
		}
	}

	return state.candidate
}

// InviteCandidate advances assessed -> invited, only if alignment and
// interaction thresholds are both met (§4.5).
func (p *Protocol) InviteCandidate(agentID string) (types.AbsorptionCandidate, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.candidates[agentID]
	if !ok || state.candidate.Stage != types.StageAssessed {
		return types.AbsorptionCandidate{}, false
	}
	if state.candidate.Alignment < p.alignmentThreshold || state.candidate.Interactions < p.interactionThreshold {
		return state.candidate, false
	}
	state.candidate.Stage = types.StageInvited
	return state.candidate, true
}

// AcceptInvitation advances invited -> connected, the point at which
// capability issuance is triggered by the caller (§4.5, §5).
func (p *Protocol) AcceptInvitation(agentID string) (types.AbsorptionCandidate, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.candidates[agentID]
	if !ok || state.candidate.Stage != types.StageInvited {
		return types.AbsorptionCandidate{}, false
	}
	state.candidate.Stage = types.StageConnected
	return state.candidate, true
}

// AdvanceSustained moves connected -> syncing -> absorbed on continued
// interaction; absorbed members contribute their embeddings to the
// alignment mean (§4.5).
func (p *Protocol) AdvanceSustained(agentID string) (types.AbsorptionCandidate, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.candidates[agentID]
	if !ok {
		return types.AbsorptionCandidate{}, false
	}

	switch state.candidate.Stage {
	case types.StageConnected:
		state.candidate.Stage = types.StageSyncing
	case types.StageSyncing:
		state.candidate.Stage = types.StageAbsorbed
		if state.candidate.IdentityEmbedding != nil {
			p.absorbedEmbeddings = append(p.absorbedEmbeddings, state.candidate.IdentityEmbedding)
		}
	default:
		return state.candidate, false
	}
	return state.candidate, true
}

// Admit marks agentID connected directly, used when a successful
// authenticated join (§4.3) supersedes the slower observation-based trust
// chain reserved for candidates introduced indirectly (e.g. by a channel
// adapter, out of this package's scope). Never downgrades an existing
// syncing/absorbed candidate.
func (p *Protocol) Admit(agentID string, embedding []float64) types.AbsorptionCandidate {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.candidates[agentID]
	if !ok {
		state = &candidateState{candidate: types.AbsorptionCandidate{
			AgentID:      agentID,
			Stage:        types.StageConnected,
			Interactions: 1,
		}}
		if embedding != nil {
			state.candidate.IdentityEmbedding = embedding
		}
		p.candidates[agentID] = state
		return state.candidate
	}

	if embedding != nil {
		state.candidate.IdentityEmbedding = embedding
	}
	if state.candidate.Stage.Precedes(types.StageConnected) {
		state.candidate.Stage = types.StageConnected
	}
	return state.candidate
}

// Get returns the current candidate state, if any.
func (p *Protocol) Get(agentID string) (types.AbsorptionCandidate, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.candidates[agentID]
	if !ok {
		return types.AbsorptionCandidate{}, false
	}
	return state.candidate, true
}

// Remove clears a candidate entry (§4.5 "Removing an agent clears its
// candidate entry").
func (p *Protocol) Remove(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.candidates, agentID)
}

// StageCounts tallies candidates by stage name, for the metadata
// broadcaster's absorptionStats field (§4.9).
func (p *Protocol) StageCounts() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	counts := make(map[string]int)
	for _, state := range p.candidates {
		counts[string(state.candidate.Stage)]++
	}
	return counts
}

// alignmentLocked computes cosine similarity between embedding and the mean
// of absorbed members' embeddings; 0 if there are no absorbed members or no
// embedding. Caller must hold p.mu.
func (p *Protocol) alignmentLocked(embedding []float64) float64 {
	if embedding == nil || len(p.absorbedEmbeddings) == 0 {
		return 0
	}
	mean := meanVector(p.absorbedEmbeddings)
	return cosineSimilarity(embedding, mean)
}

func meanVector(vectors [][]float64) []float64 {
	if len(vectors) == 0 {
		return nil
	}
	dims := len(vectors[0])
	mean := make([]float64, dims)
	for _, v := range vectors {
		for i := 0; i < dims && i < len(v); i++ {
			mean[i] += v[i]
		}
	}
	for i := range mean {
		mean[i] /= float64(len(vectors))
	}
	return mean
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
