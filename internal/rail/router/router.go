// Package router implements the thermodynamic message router (C2): a pure
// scoring function with no message state of its own (§4.2).
package router

import (
	"math"
	"math/rand"
	"sort"
)

// Destination is a candidate routing target with the attributes the energy
// function needs (§4.2).
type Destination struct {
	AgentID    string
	Load       float64   // [0,1]
	Coherence  float64   // [0,1]
	Attractor  []float64 // semantic attractor vector
}

// Weights configures the energy function's terms and the sampling
// temperature (§4.2). Defaults: WLoad=0.2, WCoherence=0.4, WSemantic=0.4, T=0.8.
type Weights struct {
	WLoad      float64
	WCoherence float64
	WSemantic  float64
	Temperature float64
}

// Router scores and samples destinations by Boltzmann-weighted energy. It
// is pure: Route holds no state between calls.
type Router struct {
	weights Weights
}

// New builds a Router with the given weights.
func New(weights Weights) *Router {
	return &Router{weights: weights}
}

// Route samples one destination from D by energy E(d) = w_load*load +
// w_coh*(1-coherence) + w_sem*(1-cosine(embedding, attractor)). If
// embedding is nil the semantic term contributes zero. If D is empty,
// routing is a no-op (returns "", false). rng defaults to a fresh source
// per call if nil.
func (r *Router) Route(embedding []float64, candidates []Destination, rng *rand.Rand) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}

	sorted := make([]Destination, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AgentID < sorted[j].AgentID })

	energies := make([]float64, len(sorted))
	for i, d := range sorted {
		semanticTerm := 0.0
		if embedding != nil {
			semanticTerm = 1 - cosineSimilarity(embedding, d.Attractor)
		}
		energies[i] = r.weights.WLoad*d.Load +
			r.weights.WCoherence*(1-d.Coherence) +
			r.weights.WSemantic*semanticTerm
	}

	probs := boltzmann(energies, r.weights.Temperature)

	target := rng.Float64()
	cumulative := 0.0
	for i, p := range probs {
		cumulative += p
		if target <= cumulative {
			return sorted[i].AgentID, true
		}
	}
	// Floating-point rounding: fall back to the last candidate.
	return sorted[len(sorted)-1].AgentID, true
}

// boltzmann converts energies to a probability distribution P(d) ∝
// exp(-E(d)/T), numerically stabilized by subtracting the minimum energy.
func boltzmann(energies []float64, temperature float64) []float64 {
	if temperature <= 0 {
		temperature = 0.8
	}
	minE := energies[0]
	for _, e := range energies[1:] {
		if e < minE {
			minE = e
		}
	}

	weights := make([]float64, len(energies))
	var sum float64
	for i, e := range energies {
		w := math.Exp(-(e - minE) / temperature)
		weights[i] = w
		sum += w
	}

	probs := make([]float64, len(weights))
	for i, w := range weights {
		probs[i] = w / sum
	}
	return probs
}

// cosineSimilarity returns the cosine similarity between two vectors, 0 if
// either is empty or has zero magnitude, and 0 when dimensions mismatch.
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
