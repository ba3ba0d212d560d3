package kuramoto

import (
	"math"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		CouplingInitial:       0.7,
		CouplingMin:           0.1,
		CouplingMax:           3.0,
		CouplingStep:          0.05,
		CoherenceThreshold:    0.35,
		GroupthinkThreshold:   0.95,
		CrossModelAttenuation: 0.7,
		StaleOscillatorTTL:    30 * time.Second,
		FloodReportsPerWindow: 10,
		FloodWindow:           time.Second,
		FloodPenalty:          0.1,
	}
}

func TestTickZeroOscillatorsIsNoOp(t *testing.T) {
	e := New(testConfig())
	result := e.Tick(100)
	if result.R != 0 {
		t.Errorf("expected r=0 with no oscillators, got %f", result.R)
	}
}

func TestTickInvariantsHoldWithinRange(t *testing.T) {
	e := New(testConfig())
	for i := 0; i < 5; i++ {
		e.Register(string(rune('a'+i)), 1.0, float64(i), "")
	}

	for i := 0; i < 50; i++ {
		result := e.Tick(100)
		if result.R < 0 || result.R > 1 {
			t.Fatalf("r out of [0,1]: %f", result.R)
		}
	}

	for id, phase := range e.Snapshot() {
		if phase < 0 || phase >= 2*math.Pi {
			t.Errorf("oscillator %s phase out of [0, 2pi): %f", id, phase)
		}
	}
}

func TestCoherenceConvergesForHomogeneousPopulation(t *testing.T) {
	e := New(testConfig())
	phases := []float64{0, math.Pi / 2, math.Pi, 3 * math.Pi / 2, math.Pi / 4}
	for i, p := range phases {
		e.Register(string(rune('a'+i)), 1.0, p, "same-model")
	}

	var lastR float64
	for i := 0; i < 300; i++ {
		result := e.Tick(100)
		lastR = result.R
	}

	if lastR < 0.8 {
		t.Errorf("expected convergence r >= 0.8 after sustained ticks, got %f", lastR)
	}
}

func TestAdaptiveCouplingClampedToRange(t *testing.T) {
	cfg := testConfig()
	cfg.CouplingMin = 0.2
	cfg.CouplingMax = 0.75
	e := New(cfg)
	e.Register("a", 5.0, 0, "")
	e.Register("b", -5.0, math.Pi, "")

	for i := 0; i < 200; i++ {
		e.Tick(100)
	}

	k := e.Coupling()
	if k < cfg.CouplingMin || k > cfg.CouplingMax {
		t.Errorf("coupling %f escaped [%f, %f]", k, cfg.CouplingMin, cfg.CouplingMax)
	}
}

func TestStaleOscillatorIsSwept(t *testing.T) {
	cfg := testConfig()
	cfg.StaleOscillatorTTL = time.Millisecond
	e := New(cfg)
	e.Register("a", 1.0, 0, "")
	time.Sleep(5 * time.Millisecond)
	e.Tick(100)

	if e.Count() != 0 {
		t.Errorf("expected stale oscillator to be swept, count=%d", e.Count())
	}
}

func TestFloodedReportsAreDropped(t *testing.T) {
	cfg := testConfig()
	cfg.FloodReportsPerWindow = 2
	cfg.FloodWindow = time.Minute
	e := New(cfg)
	e.Register("a", 1.0, 0, "")

	var lastAccepted bool
	for i := 0; i < 5; i++ {
		lastAccepted = e.ApplyCoherence("a", float64(i))
	}
	if lastAccepted {
		t.Error("expected report beyond flood threshold to be dropped")
	}
}

func TestForceSynchronizePullsTowardMean(t *testing.T) {
	e := New(testConfig())
	e.Register("a", 0, 0, "")
	e.Register("b", 0, math.Pi, "")

	before, _ := orderParameter(e.oscs)
	e.ForceSynchronize(0.5)
	after, _ := orderParameter(e.oscs)

	if after < before {
		t.Errorf("expected order parameter to increase after forced sync: before=%f after=%f", before, after)
	}
}

func TestRestoreAppliesSnapshotPhases(t *testing.T) {
	e := New(testConfig())
	e.Register("a", 1.0, 0, "")
	e.Restore(map[string]float64{"a": math.Pi})

	snap := e.Snapshot()
	if math.Abs(snap["a"]-math.Pi) > 1e-9 {
		t.Errorf("expected restored phase pi, got %f", snap["a"])
	}
}

func TestPerModelCoherenceGroupsByModelType(t *testing.T) {
	e := New(testConfig())
	e.Register("a", 1.0, 0, "gpt")
	e.Register("b", 1.0, 0, "gpt")
	e.Register("c", 1.0, math.Pi, "claude")
	e.Register("d", 1.0, 0, "")

	per := e.PerModelCoherence()
	if len(per) != 2 {
		t.Fatalf("expected 2 model groups (unmodeled oscillators excluded), got %d: %v", len(per), per)
	}
	if per["gpt"] < 0.99 {
		t.Errorf("expected gpt group in phase to have r close to 1, got %f", per["gpt"])
	}
	if _, ok := per["claude"]; !ok {
		t.Error("expected a claude entry even with a single member")
	}
}
