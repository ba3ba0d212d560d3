package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/resonance-rail/railserver/internal/config"
	"github.com/resonance-rail/railserver/internal/rail/absorption"
	"github.com/resonance-rail/railserver/internal/rail/auth"
	"github.com/resonance-rail/railserver/internal/rail/core"
	"github.com/resonance-rail/railserver/internal/rail/firewall"
	"github.com/resonance-rail/railserver/internal/rail/kuramoto"
	"github.com/resonance-rail/railserver/internal/rail/ratelimit"
	"github.com/resonance-rail/railserver/internal/rail/router"
	"github.com/resonance-rail/railserver/internal/rail/storage"
	"github.com/resonance-rail/railserver/internal/rail/synth"
	"github.com/resonance-rail/railserver/internal/rail/types"
)

// fakeStore is a minimal no-op storage.Store for exercising the listener's
// HTTP admin surface without a real database.
type fakeStore struct {
	enrolled map[string]string
}

func (f *fakeStore) SaveEnrollment(agentID, secretHash string) error {
	if f.enrolled == nil {
		f.enrolled = make(map[string]string)
	}
	f.enrolled[agentID] = secretHash
	return nil
}
func (f *fakeStore) GetEnrollment(agentID string) (*types.Enrollment, error) { return nil, nil }
func (f *fakeStore) LogClientEvent(agentID, agentName, platform, action string) error {
	return nil
}
func (f *fakeStore) LogEvent(eventType, clientID string, details map[string]any) error { return nil }
func (f *fakeStore) LogCoherence(coherence float64, agentCount int, meanPhase float64) error {
	return nil
}
func (f *fakeStore) SavePauseState(snapshot types.PauseSnapshot) error { return nil }
func (f *fakeStore) LatestPauseState() (*types.PauseSnapshot, error)  { return nil, nil }
func (f *fakeStore) SaveTrace(trace *types.Trace) error                { return nil }
func (f *fakeStore) SearchTraces(query storage.TraceQuery) ([]types.Trace, error) {
	return nil, nil
}
func (f *fakeStore) LogMessage(entry types.MessageLogEntry) (int64, error) { return 1, nil }
func (f *fakeStore) PruneMessageLogKeepCount(keepCount int) error          { return nil }
func (f *fakeStore) PruneMessageLogKeepSince(since time.Time) error        { return nil }
func (f *fakeStore) ReplayMessageLog(sinceSeq int64, limit int) ([]types.MessageLogEntry, error) {
	return nil, nil
}
func (f *fakeStore) Close() error { return nil }

func testListener(t *testing.T) *Listener {
	t.Helper()
	return testListenerWithConfig(t, config.Config{
		MaxConnections:     10,
		MaxObservers:       5,
		TickInterval:       50 * time.Millisecond,
		CoherenceThreshold: 0.35,
		CORSAllowedOrigins: []string{"https://allowed.example"},
	})
}

// testListenerWithConfig builds a Listener backed by a live Core, both
// sharing the same config — unlike mutating Listener.cfg after the fact,
// this also takes effect in Core's admission checks (join capacity, auth).
func testListenerWithConfig(t *testing.T, cfg config.Config) *Listener {
	t.Helper()
	var l *Listener
	deps := core.Deps{
		Config:      cfg,
		Kuramoto:    kuramoto.New(kuramoto.Config{CouplingInitial: 0.7, CouplingMin: 0.1, CouplingMax: 3.0, CouplingStep: 0.05, CoherenceThreshold: 0.35, GroupthinkThreshold: 0.95, CrossModelAttenuation: 0.7, StaleOscillatorTTL: 30 * time.Second, FloodReportsPerWindow: 10, FloodWindow: time.Second, FloodPenalty: 0.1}),
		Router:      router.New(router.Weights{WLoad: 0.2, WCoherence: 0.4, WSemantic: 0.4, Temperature: 0.8}),
		Absorption:  absorption.New(absorption.Config{}),
		Secrets:     auth.NewSecretRegistry(),
		Reconnects:  auth.NewReconnectStore(5 * time.Minute),
		Firewall:    firewall.New(firewall.ProfileStandard),
		Limiter:     ratelimit.New(ratelimit.Config{}),
		Store:       &fakeStore{},
		Synthesizer: synth.New(&fakeStore{}),
		Sink: func(d core.Delivery) {
			if l != nil {
				l.Deliver(d)
			}
		},
	}
	railCore := core.New(deps)
	l = New(cfg, railCore, deps.Secrets, nil, zap.NewNop().Sugar())
	go railCore.Run(t.Context())

	return l
}

func TestHandleHealthReportsOk(t *testing.T) {
	l := testListener(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	l.handleHealth(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestHandleStatsReflectsCoreState(t *testing.T) {
	l := testListener(t)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	l.handleStats(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"clientCount":0`)
}

func TestHandleEnrollRequiresAdminSecret(t *testing.T) {
	l := testListener(t)

	req := httptest.NewRequest(http.MethodPost, "/enroll", nil)
	w := httptest.NewRecorder()
	l.handleEnroll(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleEnrollRejectsNonPost(t *testing.T) {
	l := testListener(t)
	l.cfg.AdminSecret = "top-secret"

	req := httptest.NewRequest(http.MethodGet, "/enroll", nil)
	w := httptest.NewRecorder()
	l.handleEnroll(w, req)

	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleEnrollHonorsCallerSuppliedSecret(t *testing.T) {
	l := testListener(t)
	l.cfg.AdminSecret = "top-secret"

	secret := "aa" + strings.Repeat("bb", 15) // 32 bytes hex-encoded
	body := strings.NewReader(`{"agentId":"agent-a","secret":"` + secret + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/enroll", body)
	req.Header.Set("Authorization", "Bearer top-secret")
	w := httptest.NewRecorder()
	l.handleEnroll(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	require.Contains(t, w.Body.String(), secret)
	require.True(t, l.secrets.Has("agent-a"))
}

func TestHandleEnrollRejectsNonHexSecret(t *testing.T) {
	l := testListener(t)
	l.cfg.AdminSecret = "top-secret"

	body := strings.NewReader(`{"agentId":"agent-a","secret":"not-hex!"}`)
	req := httptest.NewRequest(http.MethodPost, "/enroll", body)
	req.Header.Set("Authorization", "Bearer top-secret")
	w := httptest.NewRecorder()
	l.handleEnroll(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleWellKnownAdvertisesCapacity(t *testing.T) {
	l := testListener(t)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/resonance-rail", nil)
	w := httptest.NewRecorder()
	l.handleWellKnown(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"maxConnections":10`)
}

func TestCheckOriginAllowsConfiguredPrefix(t *testing.T) {
	l := testListener(t)

	allowed := httptest.NewRequest(http.MethodGet, "/ws", nil)
	allowed.Header.Set("Origin", "https://allowed.example")
	require.True(t, l.checkOrigin(allowed))

	denied := httptest.NewRequest(http.MethodGet, "/ws", nil)
	denied.Header.Set("Origin", "https://evil.example")
	require.False(t, l.checkOrigin(denied))

	noOrigin := httptest.NewRequest(http.MethodGet, "/ws", nil)
	require.True(t, l.checkOrigin(noOrigin))
}

func TestCorsMiddlewareHandlesPreflight(t *testing.T) {
	l := testListener(t)

	req := httptest.NewRequest(http.MethodOptions, "/stats", nil)
	req.Header.Set("Origin", "https://allowed.example")
	w := httptest.NewRecorder()

	called := false
	l.corsMiddleware(func(w http.ResponseWriter, r *http.Request) { called = true })(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.False(t, called, "preflight OPTIONS must not reach the wrapped handler")
	require.Equal(t, "https://allowed.example", w.Header().Get("Access-Control-Allow-Origin"))
}
