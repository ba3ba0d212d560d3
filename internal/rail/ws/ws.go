// Package ws implements the WebSocket listener and HTTP admin surface
// (C11): upgrading sockets, enforcing the first-frame-must-be-join
// handshake, pumping frames to and from the Rail Core, and exposing
// /health, /stats, /agents, /enroll, /.well-known/resonance-rail, and
// /metrics. Grounded on the teacher's server.go hub (register/unregister
// over a shared map guarded by a mutex, the way the Client fan-out owns
// its own registry separate from the query-processing hub) and
// server/client.go's readPump/writePump pair.
package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/resonance-rail/railserver/internal/config"
	railauth "github.com/resonance-rail/railserver/auth"
	"github.com/resonance-rail/railserver/internal/rail/auth"
	"github.com/resonance-rail/railserver/internal/rail/core"
)

// Listener owns the set of open sockets and bridges them to Core. Core's
// client registry and this registry are deliberately separate: Core knows
// agents, Listener knows sockets — a reconnecting agent gets a new socket
// but (via a reconnect token) the same agentId.
type Listener struct {
	cfg        config.Config
	core       *core.Core
	secrets    *auth.SecretRegistry
	jwt        *railauth.JWTManager
	logger     *zap.SugaredLogger
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	sockets map[string]*socket // clientId -> socket

	metrics *railMetrics
}

// New builds a Listener. jwt may be nil, in which case a join frame's bearer
// token is not checked; observer platforms (browser-runtime included) still
// join as observers without auth.
func New(cfg config.Config, railCore *core.Core, secrets *auth.SecretRegistry, jwt *railauth.JWTManager, logger *zap.SugaredLogger) *Listener {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	l := &Listener{
		cfg:     cfg,
		core:    railCore,
		secrets: secrets,
		jwt:     jwt,
		logger:  logger,
		sockets: make(map[string]*socket),
		metrics: newRailMetrics(railCore),
	}
	l.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     l.checkOrigin,
	}
	return l
}

// checkOrigin validates the WebSocket handshake's Origin header against
// the configured allow-list (§6 CORS_ALLOWED_ORIGINS). No origin header at
// all is allowed through, matching non-browser agent clients that never
// send one.
func (l *Listener) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(l.cfg.CORSAllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range l.cfg.CORSAllowedOrigins {
		if strings.TrimSpace(allowed) == "*" || strings.HasPrefix(origin, strings.TrimSpace(allowed)) {
			return true
		}
	}
	return false
}

// corsMiddleware mirrors the allow-list decision onto plain HTTP admin
// requests.
func (l *Listener) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && l.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// Deliver is Core's Sink: it fans a Delivery out to one socket (non-empty
// TargetClientID) or every open socket.
func (l *Listener) Deliver(d core.Delivery) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if d.TargetClientID != "" {
		if s, ok := l.sockets[d.TargetClientID]; ok {
			s.enqueue(d.Message)
		}
		return
	}
	for _, s := range l.sockets {
		s.enqueue(d.Message)
	}
}

func (l *Listener) register(s *socket) {
	l.mu.Lock()
	l.sockets[s.clientID] = s
	l.mu.Unlock()
}

func (l *Listener) unregister(s *socket) {
	l.mu.Lock()
	if l.sockets[s.clientID] == s {
		delete(l.sockets, s.clientID)
	}
	l.mu.Unlock()
	l.core.HandleLeave(core.LeaveParams{ClientID: s.clientID, AgentID: s.agentID})
}

// Mux builds the full HTTP handler: the WebSocket upgrade endpoint plus
// every admin endpoint, each wrapped in corsMiddleware (§6).
func (l *Listener) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", l.corsMiddleware(l.handleUpgrade))
	mux.HandleFunc("/health", l.corsMiddleware(l.handleHealth))
	mux.HandleFunc("/stats", l.corsMiddleware(l.handleStats))
	mux.HandleFunc("/agents", l.corsMiddleware(l.handleAgents))
	mux.HandleFunc("/enroll", l.corsMiddleware(l.handleEnroll))
	mux.HandleFunc("/.well-known/resonance-rail", l.corsMiddleware(l.handleWellKnown))
	mux.Handle("/metrics", l.metrics.handler())
	return mux
}

// Serve runs an http.Server over Mux() until ctx is cancelled, then shuts it
// down with a fixed 5-second timeout (§4.8's Stop is driven by the caller, not here;
// Serve only owns the HTTP listener's own lifecycle).
func (l *Listener) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      l.Mux(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: l.cfg.SendTimeout,
		IdleTimeout:  90 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
