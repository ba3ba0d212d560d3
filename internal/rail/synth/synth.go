// Package synth implements the trace synthesizer (C7): a similarity- and
// coherence-weighted merge over persisted traces (§4.7). It is a pure
// function of persistence plus a client coherence snapshot — no side
// effects, no state of its own.
package synth

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/resonance-rail/railserver/internal/rail/storage"
	"github.com/resonance-rail/railserver/internal/rail/types"
)

const (
	similarityWeight = 0.7
	coherenceWeight  = 0.3
	overFetchFactor  = 2
)

// CoherenceLookup resolves an agent's current coherenceContribution from
// the live client table; 0 if the author is disconnected (§4.7).
type CoherenceLookup func(agentID string) float64

// Synthesizer merges traces for a synthesis request.
type Synthesizer struct {
	store storage.Store
}

// New builds a Synthesizer over store.
func New(store storage.Store) *Synthesizer {
	return &Synthesizer{store: store}
}

// Result carries the scored traces and the formatted summary block.
type Result struct {
	Traces  []types.Trace
	Summary string
}

type scoredTrace struct {
	trace      types.Trace
	similarity float64
	score      float64
}

// Synthesize runs the algorithm in §4.7: per-agent or global over-fetch,
// dedupe by trace id, weighted score, sort, truncate to limit, and format
// a summary.
func (s *Synthesizer) Synthesize(query []float64, agentIDs []string, limit int, coherence CoherenceLookup) (Result, error) {
	if limit <= 0 {
		limit = 10
	}
	fetchLimit := limit * overFetchFactor

	byID := make(map[string]types.Trace)

	if len(agentIDs) > 0 {
		for _, agentID := range agentIDs {
			traces, err := s.store.SearchTraces(storage.TraceQuery{
				AgentID:        agentID,
				QueryEmbedding: query,
				Limit:          fetchLimit,
			})
			if err != nil {
				return Result{}, err
			}
			for _, t := range traces {
				byID[t.ID] = t
			}
		}
	} else {
		traces, err := s.store.SearchTraces(storage.TraceQuery{
			QueryEmbedding: query,
			Limit:          fetchLimit,
		})
		if err != nil {
			return Result{}, err
		}
		for _, t := range traces {
			byID[t.ID] = t
		}
	}

	scored := make([]scoredTrace, 0, len(byID))
	for _, t := range byID {
		similarity := cosineSimilarity(query, t.Embedding)
		contribution := 0.0
		if coherence != nil {
			contribution = coherence(t.AgentID)
		}
		score := similarityWeight*similarity + coherenceWeight*contribution
		scored = append(scored, scoredTrace{trace: t, similarity: similarity, score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].score > scored[j].score
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}

	traces := make([]types.Trace, len(scored))
	for i, st := range scored {
		traces[i] = st.trace
	}

	return Result{Traces: traces, Summary: formatSummary(scored)}, nil
}

// formatSummary joins "[AgentName] (similarity: 0.xxx): <content>" blocks
// with a blank line between entries (§4.7).
func formatSummary(scored []scoredTrace) string {
	blocks := make([]string, len(scored))
	for i, st := range scored {
		blocks[i] = fmt.Sprintf("[%s] (similarity: %.3f): %s", st.trace.AgentName, st.similarity, st.trace.Content)
	}
	return strings.Join(blocks, "\n\n")
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
