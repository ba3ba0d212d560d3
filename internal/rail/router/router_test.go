package router

import (
	"math/rand"
	"testing"
)

func defaultWeights() Weights {
	return Weights{WLoad: 0.2, WCoherence: 0.4, WSemantic: 0.4, Temperature: 0.8}
}

func TestRouteWithZeroCandidatesIsNoOp(t *testing.T) {
	r := New(defaultWeights())
	_, ok := r.Route(nil, nil, nil)
	if ok {
		t.Error("expected no-op routing with zero candidates")
	}
}

func TestRouteWithoutEmbeddingIgnoresSemanticTerm(t *testing.T) {
	r := New(defaultWeights())
	candidates := []Destination{
		{AgentID: "agent-a", Load: 0.1, Coherence: 0.9, Attractor: []float64{1, 0}},
		{AgentID: "agent-b", Load: 0.1, Coherence: 0.9, Attractor: []float64{0, 1}},
	}
	rng := rand.New(rand.NewSource(42))
	dest, ok := r.Route(nil, candidates, rng)
	if !ok {
		t.Fatal("expected a routed destination")
	}
	if dest != "agent-a" && dest != "agent-b" {
		t.Errorf("unexpected destination %q", dest)
	}
}

func TestRouteFavorsLowerEnergyDestination(t *testing.T) {
	r := New(Weights{WLoad: 1.0, WCoherence: 0, WSemantic: 0, Temperature: 0.1})
	candidates := []Destination{
		{AgentID: "agent-busy", Load: 0.95},
		{AgentID: "agent-idle", Load: 0.05},
	}

	counts := map[string]int{}
	for i := 0; i < 200; i++ {
		rng := rand.New(rand.NewSource(int64(i)))
		dest, ok := r.Route(nil, candidates, rng)
		if !ok {
			t.Fatal("expected a routed destination")
		}
		counts[dest]++
	}

	if counts["agent-idle"] <= counts["agent-busy"] {
		t.Errorf("expected low-energy destination to be favored: %v", counts)
	}
}

func TestCosineSimilarityMismatchedDimensionsIsZero(t *testing.T) {
	if sim := cosineSimilarity([]float64{1, 0}, []float64{1, 0, 0}); sim != 0 {
		t.Errorf("expected 0 for mismatched dimensions, got %f", sim)
	}
}

func TestCosineSimilarityIdenticalVectorsIsOne(t *testing.T) {
	v := []float64{0.3, 0.4, 0.5}
	if sim := cosineSimilarity(v, v); sim < 0.999 {
		t.Errorf("expected ~1.0 for identical vectors, got %f", sim)
	}
}
