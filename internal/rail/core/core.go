// Package core implements the Rail Core (C8): the client registry, message
// dispatch, tick loop, and pause/resume/shutdown lifecycle (§4.8). It is
// the hub every other rail component is wired through — the single
// goroutine running Run owns the client registry exclusively, the way the
// teacher's server hub owns its clients map via channel ownership rather
// than a lock (§5 "single-writer discipline per shared datum").
package core

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/resonance-rail/railserver/internal/config"
	"github.com/resonance-rail/railserver/internal/rail/absorption"
	"github.com/resonance-rail/railserver/internal/rail/auth"
	"github.com/resonance-rail/railserver/internal/rail/firewall"
	"github.com/resonance-rail/railserver/internal/rail/kuramoto"
	"github.com/resonance-rail/railserver/internal/rail/metadata"
	"github.com/resonance-rail/railserver/internal/rail/ratelimit"
	"github.com/resonance-rail/railserver/internal/rail/router"
	"github.com/resonance-rail/railserver/internal/rail/storage"
	"github.com/resonance-rail/railserver/internal/rail/synth"
	"github.com/resonance-rail/railserver/internal/rail/types"
)

// maxPauseQueue is the bounded FIFO cap while paused (§4.8).
const maxPauseQueue = 10000

// staleHeartbeatTimeout is how old lastHeartbeat may get before a client is
// swept and a synthetic leave is dispatched (§4.8, §5).
const staleHeartbeatTimeout = 30 * time.Second

// Delivery is one outbound frame produced for the channel adapter (§6, §9
// "Produced to channel adapters: the broadcast sink"). TargetClientID
// empty means fan out to every open socket; non-empty means deliver to
// that one socket only — the listener owns the actual fan-out mechanics,
// Core only tags the intent.
type Delivery struct {
	Message        types.Message
	TargetClientID string
}

// Sink receives every outbound Delivery Core produces.
type Sink func(Delivery)

// Deps wires every other rail component into Core. All fields are
// required except Logger.
type Deps struct {
	Config      config.Config
	Kuramoto    *kuramoto.Engine
	Router      *router.Router
	Absorption  *absorption.Protocol
	Secrets     *auth.SecretRegistry
	Reconnects  *auth.ReconnectStore
	Firewall    *firewall.Firewall
	Limiter     *ratelimit.Limiter
	Store       storage.Store
	Synthesizer *synth.Synthesizer
	Sink        Sink
	Logger      *zap.SugaredLogger
}

// Core is the rail's dispatcher, registry, and tick loop. Every field
// below this point is touched only from inside the Run goroutine; callers
// interact exclusively through the channel-backed public methods.
type Core struct {
	cfg         config.Config
	kuramoto    *kuramoto.Engine
	router      *router.Router
	absorption  *absorption.Protocol
	secrets     *auth.SecretRegistry
	reconnects  *auth.ReconnectStore
	firewall    *firewall.Firewall
	limiter     *ratelimit.Limiter
	store       storage.Store
	synthesizer *synth.Synthesizer
	sink        Sink
	logger      *zap.SugaredLogger

	// Owned exclusively by the Run goroutine.
	clients map[string]*types.Client // clientId -> Client
	byAgent map[string]string        // agentId -> clientId, non-observers only

	messagesProcessed int64
	messageSeq        int64
	currentCoherence  float64
	currentMeanPhase  float64

	// Running totals since Core started (§4.9 securityStats); never
	// reset, the broadcaster diffs them like every other top-level field.
	rateLimitViolations int
	firewallBlocks       int

	paused        bool
	pauseSnapshot *types.PauseSnapshot
	pauseQueue    []queuedMessage

	shuttingDown bool

	joinCh    chan joinRequest
	leaveCh   chan leaveRequest
	dispatchCh chan dispatchRequestEnvelope
	pauseCh    chan chan types.PauseSnapshot
	resumeCh   chan chan struct{}
	statsCh    chan chan Stats
	metadataCh chan chan metadata.Snapshot
	stopCh     chan stopRequest
	done       chan struct{}
}

type queuedMessage struct {
	clientID string
	message  types.Message
}

// New builds a Core from deps. Call Run in its own goroutine to start
// serving.
func New(deps Deps) *Core {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Core{
		cfg:         deps.Config,
		kuramoto:    deps.Kuramoto,
		router:      deps.Router,
		absorption:  deps.Absorption,
		secrets:     deps.Secrets,
		reconnects:  deps.Reconnects,
		firewall:    deps.Firewall,
		limiter:     deps.Limiter,
		store:       deps.Store,
		synthesizer: deps.Synthesizer,
		sink:        deps.Sink,
		logger:      logger,

		clients: make(map[string]*types.Client),
		byAgent: make(map[string]string),

		joinCh:     make(chan joinRequest),
		leaveCh:    make(chan leaveRequest),
		dispatchCh: make(chan dispatchRequestEnvelope),
		pauseCh:    make(chan chan types.PauseSnapshot),
		resumeCh:   make(chan chan struct{}),
		statsCh:    make(chan chan Stats),
		metadataCh: make(chan chan metadata.Snapshot),
		stopCh:     make(chan stopRequest),
		done:       make(chan struct{}),
	}
}

// Run is the hub event loop (§5, §9 "coroutine-like flow... rendered as
// explicit state"): one goroutine, one select, every shared datum touched
// only here. It blocks until Stop is called or ctx is cancelled.
func (c *Core) Run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case req := <-c.joinCh:
			result, err := c.admit(req.params)
			req.resp <- joinResponse{result: result, err: err}

		case req := <-c.leaveCh:
			c.handleLeave(req)
			if req.done != nil {
				close(req.done)
			}

		case env := <-c.dispatchCh:
			err := c.processMessage(env.req)
			if env.resp != nil {
				env.resp <- err
			}

		case resp := <-c.pauseCh:
			resp <- c.pause()

		case resp := <-c.resumeCh:
			c.resume()
			close(resp)

		case resp := <-c.statsCh:
			resp <- c.snapshotStats()

		case resp := <-c.metadataCh:
			resp <- c.snapshotMetadata()

		case req := <-c.stopCh:
			c.shutdown(ctx, req)
			return

		case <-ticker.C:
			if c.paused || c.shuttingDown {
				continue
			}
			c.tick()
		}
	}
}

// Store exposes the persistence backend for callers that need it outside
// the dispatch path (e.g. the WS listener's enrollment endpoint). It is
// safe to call concurrently with Run since storage.Store implementations
// manage their own concurrency.
func (c *Core) Store() storage.Store {
	return c.store
}

func (c *Core) warnOnErr(action string, err error, kv ...interface{}) {
	if err == nil {
		return
	}
	args := append([]interface{}{"error", err, "action", action}, kv...)
	c.logger.Warnw("persistence operation failed, continuing", args...)
}

func (c *Core) emit(msg types.Message, targetClientID string) {
	if c.sink == nil {
		return
	}
	c.sink(Delivery{Message: msg, TargetClientID: targetClientID})
}

func (c *Core) observerCount() int {
	n := 0
	for _, cl := range c.clients {
		if cl.Observer {
			n++
		}
	}
	return n
}

func (c *Core) agentSummaries() []AgentSummary {
	out := make([]AgentSummary, 0, len(c.clients))
	for _, cl := range c.clients {
		out = append(out, AgentSummary{
			AgentID:   cl.AgentID,
			AgentName: cl.AgentName,
			Platform:  cl.Platform,
			Observer:  cl.Observer,
		})
	}
	return out
}

// resolveClient finds a client by clientId, falling back to a scan by
// agentId when no clientId context is available (§4.8 "Client registry...
// scans by agentId when leave/heartbeat arrives with no clientId context").
func (c *Core) resolveClient(clientID, agentID string) *types.Client {
	if clientID != "" {
		if cl, ok := c.clients[clientID]; ok {
			return cl
		}
		return nil
	}
	if id, ok := c.byAgent[agentID]; ok {
		return c.clients[id]
	}
	return nil
}
