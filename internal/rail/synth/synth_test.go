package synth

import (
	"testing"
	"time"

	"github.com/resonance-rail/railserver/internal/rail/storage"
	"github.com/resonance-rail/railserver/internal/rail/types"
)

// fakeStore is a minimal in-memory storage.Store for exercising Synthesize
// without a real database.
type fakeStore struct {
	traces []types.Trace
}

func (f *fakeStore) SaveEnrollment(agentID, secretHash string) error          { return nil }
func (f *fakeStore) GetEnrollment(agentID string) (*types.Enrollment, error)  { return nil, nil }
func (f *fakeStore) LogClientEvent(agentID, agentName, platform, action string) error {
	return nil
}
func (f *fakeStore) LogEvent(eventType, clientID string, details map[string]any) error { return nil }
func (f *fakeStore) LogCoherence(coherence float64, agentCount int, meanPhase float64) error {
	return nil
}
func (f *fakeStore) SavePauseState(snapshot types.PauseSnapshot) error       { return nil }
func (f *fakeStore) LatestPauseState() (*types.PauseSnapshot, error)        { return nil, nil }
func (f *fakeStore) SaveTrace(trace *types.Trace) error {
	f.traces = append(f.traces, *trace)
	return nil
}
func (f *fakeStore) SearchTraces(query storage.TraceQuery) ([]types.Trace, error) {
	var out []types.Trace
	for _, t := range f.traces {
		if query.AgentID != "" && t.AgentID != query.AgentID {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}
func (f *fakeStore) LogMessage(entry types.MessageLogEntry) (int64, error) { return 0, nil }
func (f *fakeStore) PruneMessageLogKeepCount(keepCount int) error          { return nil }
func (f *fakeStore) PruneMessageLogKeepSince(since time.Time) error        { return nil }
func (f *fakeStore) ReplayMessageLog(sinceSeq int64, limit int) ([]types.MessageLogEntry, error) {
	return nil, nil
}
func (f *fakeStore) Close() error                                         { return nil }

func TestSynthesizeOrdersByCombinedScore(t *testing.T) {
	vector := []float64{1, 0, 0}
	store := &fakeStore{traces: []types.Trace{
		{ID: "a", AgentID: "agent-a", AgentName: "Agent A", Content: "shared insight", Embedding: vector},
		{ID: "b", AgentID: "agent-b", AgentName: "Agent B", Content: "shared insight", Embedding: vector},
	}}

	coherence := map[string]float64{"agent-a": 0.9, "agent-b": 0.1}
	s := New(store)

	result, err := s.Synthesize(vector, nil, 2, func(agentID string) float64 {
		return coherence[agentID]
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(result.Traces) != 2 {
		t.Fatalf("expected both traces returned, got %d", len(result.Traces))
	}
	if result.Traces[0].AgentID != "agent-a" {
		t.Fatalf("expected agent-a ordered first due to higher coherence, got %s", result.Traces[0].AgentID)
	}
}

func TestSynthesizeDedupesAcrossAgentSearches(t *testing.T) {
	store := &fakeStore{traces: []types.Trace{
		{ID: "shared", AgentID: "agent-a", AgentName: "Agent A", Content: "x", Embedding: []float64{1, 0}},
	}}
	s := New(store)

	result, err := s.Synthesize([]float64{1, 0}, []string{"agent-a", "agent-a"}, 10, nil)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(result.Traces) != 1 {
		t.Fatalf("expected dedupe to collapse repeated agent search to 1 trace, got %d", len(result.Traces))
	}
}

func TestSynthesizeSummaryFormat(t *testing.T) {
	store := &fakeStore{traces: []types.Trace{
		{ID: "a", AgentID: "agent-a", AgentName: "Agent A", Content: "hello", Embedding: []float64{1, 0}},
	}}
	s := New(store)

	result, err := s.Synthesize([]float64{1, 0}, nil, 5, nil)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	want := "[Agent A] (similarity: 1.000): hello"
	if result.Summary != want {
		t.Fatalf("unexpected summary: %q, want %q", result.Summary, want)
	}
}

func TestSynthesizeWithNoCoherenceLookupTreatsAsZero(t *testing.T) {
	store := &fakeStore{traces: []types.Trace{
		{ID: "a", AgentID: "agent-a", AgentName: "Agent A", Content: "x", Embedding: []float64{1, 0}},
	}}
	s := New(store)

	result, err := s.Synthesize([]float64{1, 0}, nil, 5, nil)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(result.Traces) != 1 {
		t.Fatalf("expected one trace, got %d", len(result.Traces))
	}
}
