// Package kuramoto implements the coupled-oscillator phase-synchronization
// engine (C1): per-tick phase evolution, the order parameter, adaptive
// coupling, cross-model attenuation, groupthink/flood/staleness detection.
// The engine is the tick loop's exclusive writer over the oscillator table
// (§5); callers outside the tick loop must go through Snapshot/ApplyCoherence.
package kuramoto

import (
	"math"
	"math/cmplx"
	"sort"
	"sync"
	"time"
)

// Oscillator is owned by the engine; its Phase is mutated only by Tick or
// by a client-supplied coherence update via ApplyCoherence (§3).
type Oscillator struct {
	ID               string
	NaturalFrequency float64 // Hz
	Phase            float64 // radians, [0, 2π)
	ModelType        string
	TrustScore       float64
	LastReport       time.Time

	reportWindowStart time.Time
	reportsInWindow   int
}

// Config holds the engine's tunables (§4.1, §8.3).
type Config struct {
	CouplingInitial       float64
	CouplingMin           float64
	CouplingMax           float64
	CouplingStep          float64
	CoherenceThreshold    float64
	GroupthinkThreshold   float64
	CrossModelAttenuation float64
	StaleOscillatorTTL    time.Duration
	FloodReportsPerWindow int
	FloodWindow           time.Duration
	FloodPenalty          float64
}

// Engine maintains the oscillator population and coupling constant K (§4.1).
type Engine struct {
	mu     sync.Mutex
	cfg    Config
	k      float64
	oscs   map[string]*Oscillator
}

// New builds an Engine with the given configuration, seeding K at
// cfg.CouplingInitial.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:  cfg,
		k:    cfg.CouplingInitial,
		oscs: make(map[string]*Oscillator),
	}
}

// Register adds (or replaces) an oscillator for a client id. Malformed
// inputs are rejected silently (§4.1 Failure).
func (e *Engine) Register(id string, naturalFrequency, initialPhase float64, modelType string) {
	if id == "" || math.IsNaN(naturalFrequency) || math.IsNaN(initialPhase) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	e.oscs[id] = &Oscillator{
		ID:               id,
		NaturalFrequency: naturalFrequency,
		Phase:            normalizePhase(initialPhase),
		ModelType:        modelType,
		TrustScore:       1.0,
		LastReport:       now,
	}
}

// Remove deletes an oscillator, e.g. on client leave.
func (e *Engine) Remove(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.oscs, id)
}

// ApplyCoherence lets a client report its own phase directly, bypassing the
// tick's physics for this one update (§3: "mutated ... by a client-supplied
// coherence update"). Subject to flood detection (§4.1).
func (e *Engine) ApplyCoherence(id string, phase float64) bool {
	if math.IsNaN(phase) {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	osc, ok := e.oscs[id]
	if !ok {
		return false
	}

	now := time.Now()
	if now.Sub(osc.reportWindowStart) > e.cfg.FloodWindow {
		osc.reportWindowStart = now
		osc.reportsInWindow = 0
	}
	osc.reportsInWindow++
	if osc.reportsInWindow > e.cfg.FloodReportsPerWindow {
		osc.TrustScore = math.Max(0, osc.TrustScore-e.cfg.FloodPenalty)
		return false // report dropped
	}

	osc.Phase = normalizePhase(phase)
	osc.LastReport = now
	return true
}

// TickResult summarizes the outcome of one Tick call (§4.1, §8).
type TickResult struct {
	R            float64 // global order parameter, [0,1]
	MeanPhase    float64 // radians
	Coupling     float64 // K after adaptive adjustment
	Groupthink   []string // modelTypes whose within-group r exceeds the threshold
	PerModelR    map[string]float64
}

// Tick advances every oscillator by one step of dt milliseconds (§4.1). A
// tick with zero oscillators is a no-op; r is defined as 0. The engine
// never fails.
func (e *Engine) Tick(dtMillis float64) TickResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sweepStaleLocked()

	n := len(e.oscs)
	if n == 0 {
		return TickResult{R: 0, PerModelR: map[string]float64{}}
	}

	ids := make([]string, 0, n)
	for id := range e.oscs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	dtSeconds := dtMillis / 1000.0
	deltas := make(map[string]float64, n)

	for _, i := range ids {
		oi := e.oscs[i]
		var sum float64
		for _, j := range ids {
			if i == j {
				continue
			}
			oj := e.oscs[j]
			coupling := e.k
			if oi.ModelType != "" && oj.ModelType != "" && oi.ModelType != oj.ModelType {
				coupling *= e.cfg.CrossModelAttenuation
			}
			sum += coupling / float64(n) * math.Sin(oj.Phase-oi.Phase)
		}
		deltas[i] = oi.NaturalFrequency + sum
	}

	for _, id := range ids {
		osc := e.oscs[id]
		osc.Phase = normalizePhase(osc.Phase + deltas[id]*dtSeconds)
	}

	r, meanPhase := orderParameter(e.oscs)
	e.adaptCouplingLocked(r)

	perModel := e.perModelOrderLocked()
	var groupthink []string
	for model, mr := range perModel {
		if mr > e.cfg.GroupthinkThreshold {
			groupthink = append(groupthink, model)
		}
	}
	sort.Strings(groupthink)

	return TickResult{
		R:          r,
		MeanPhase:  meanPhase,
		Coupling:   e.k,
		Groupthink: groupthink,
		PerModelR:  perModel,
	}
}

// adaptCouplingLocked applies the threshold-driven K adjustment (§4.1).
// Caller must hold e.mu.
func (e *Engine) adaptCouplingLocked(r float64) {
	switch {
	case r < e.cfg.CoherenceThreshold:
		e.k = math.Min(e.k+e.cfg.CouplingStep, e.cfg.CouplingMax)
	case r > e.cfg.GroupthinkThreshold:
		e.k = math.Max(e.k-e.cfg.CouplingStep, e.cfg.CouplingMin)
	}
	e.k = clamp(e.k, e.cfg.CouplingMin, e.cfg.CouplingMax)
}

// sweepStaleLocked removes oscillators whose last report exceeds the TTL
// (§4.1 Staleness). Caller must hold e.mu.
func (e *Engine) sweepStaleLocked() {
	if e.cfg.StaleOscillatorTTL <= 0 {
		return
	}
	now := time.Now()
	for id, osc := range e.oscs {
		if now.Sub(osc.LastReport) > e.cfg.StaleOscillatorTTL {
			delete(e.oscs, id)
		}
	}
}

// perModelOrderLocked computes the within-group order parameter for every
// modelType present (§4.1 Groupthink detection). Caller must hold e.mu.
func (e *Engine) perModelOrderLocked() map[string]float64 {
	groups := make(map[string]map[string]*Oscillator)
	for id, osc := range e.oscs {
		model := osc.ModelType
		if model == "" {
			continue
		}
		if groups[model] == nil {
			groups[model] = make(map[string]*Oscillator)
		}
		groups[model][id] = osc
	}
	result := make(map[string]float64, len(groups))
	for model, members := range groups {
		r, _ := orderParameter(members)
		result[model] = r
	}
	return result
}

// ForceSynchronize nudges every oscillator by a fraction toward the mean
// phase (§4.8 tick-loop intervention). fraction should be in (0,1].
func (e *Engine) ForceSynchronize(fraction float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.oscs) == 0 {
		return
	}
	_, meanPhase := orderParameter(e.oscs)
	for _, osc := range e.oscs {
		diff := shortestAngleDiff(osc.Phase, meanPhase)
		osc.Phase = normalizePhase(osc.Phase + diff*fraction)
	}
}

// Snapshot returns phase-only copies for persistence or pause snapshots.
func (e *Engine) Snapshot() map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]float64, len(e.oscs))
	for id, osc := range e.oscs {
		out[id] = osc.Phase
	}
	return out
}

// Restore sets oscillator phases from a prior snapshot (resume path, §4.8).
// IDs not present in the snapshot are left untouched.
func (e *Engine) Restore(phases map[string]float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, phase := range phases {
		if osc, ok := e.oscs[id]; ok {
			osc.Phase = normalizePhase(phase)
		}
	}
}

// PerModelCoherence exposes the within-group order parameter for every
// modelType present, for the metadata broadcaster's coherenceField (§4.9).
func (e *Engine) PerModelCoherence() map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.perModelOrderLocked()
}

// Coupling returns the current coupling constant K.
func (e *Engine) Coupling() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.k
}

// Count returns the number of registered oscillators.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.oscs)
}

func orderParameter(oscs map[string]*Oscillator) (r float64, meanPhase float64) {
	if len(oscs) == 0 {
		return 0, 0
	}
	var sum complex128
	for _, osc := range oscs {
		sum += cmplx.Exp(complex(0, osc.Phase))
	}
	mean := sum / complex(float64(len(oscs)), 0)
	return cmplx.Abs(mean), cmplx.Phase(mean)
}

func normalizePhase(phase float64) float64 {
	twoPi := 2 * math.Pi
	phase = math.Mod(phase, twoPi)
	if phase < 0 {
		phase += twoPi
	}
	return phase
}

func shortestAngleDiff(from, to float64) float64 {
	diff := math.Mod(to-from+math.Pi, 2*math.Pi) - math.Pi
	if diff < -math.Pi {
		diff += 2 * math.Pi
	}
	return diff
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
