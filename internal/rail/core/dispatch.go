package core

import (
	"time"

	"github.com/google/uuid"

	"github.com/resonance-rail/railserver/internal/rail/ratelimit"
	"github.com/resonance-rail/railserver/internal/rail/router"
	"github.com/resonance-rail/railserver/internal/rail/storage"
	"github.com/resonance-rail/railserver/internal/rail/types"
)

// DispatchRequest is one inbound frame, tagged with the socket it arrived
// on (empty ClientID means the sender is identified by AgentID alone,
// e.g. a channel adapter with no socket concept — §4.8).
type DispatchRequest struct {
	ClientID string
	Message  types.Message
}

type dispatchRequestEnvelope struct {
	req  DispatchRequest
	resp chan error
}

// Dispatch runs one message to completion before returning (§5 "the Rail
// Core dispatcher must process any single message to completion before
// starting the next from the same socket"), since the request and its
// response both pass through the single Run goroutine in order.
func (c *Core) Dispatch(req DispatchRequest) error {
	resp := make(chan error, 1)
	select {
	case c.dispatchCh <- dispatchRequestEnvelope{req: req, resp: resp}:
	case <-c.done:
		return ErrShuttingDown
	}
	select {
	case err := <-resp:
		return err
	case <-c.done:
		return ErrShuttingDown
	}
}

// processMessage implements §4.8's four dispatch steps.
func (c *Core) processMessage(req DispatchRequest) error {
	c.messagesProcessed++
	msg := req.Message

	if c.paused && msg.Type != types.MessageHeartbeat {
		c.enqueuePaused(req)
		return nil
	}

	err := c.route(req)

	seq, logErr := c.store.LogMessage(types.MessageLogEntry{
		Type:      msg.Type,
		AgentID:   msg.AgentID,
		AgentName: msg.AgentName,
		Payload:   msg.Payload,
		Timestamp: msg.Timestamp,
	})
	c.warnOnErr("log message", logErr, "type", string(msg.Type), "agent_id", msg.AgentID)
	c.messageSeq = seq

	return err
}

// enqueuePaused appends to the bounded FIFO, dropping the newest message
// with a warning on overflow (§4.8, §7 "capacity reached").
func (c *Core) enqueuePaused(req DispatchRequest) {
	if len(c.pauseQueue) >= maxPauseQueue {
		c.logger.Warnw("pause queue full, dropping message", "agent_id", req.Message.AgentID, "type", string(req.Message.Type))
		return
	}
	c.pauseQueue = append(c.pauseQueue, queuedMessage{clientID: req.ClientID, message: req.Message})
}

// route branches by message type (§4.8 step 3, §9 "the dispatcher is a
// total function over the variant set").
func (c *Core) route(req DispatchRequest) error {
	msg := req.Message
	switch msg.Type {
	case types.MessageJoin:
		// Real joins arrive via HandleJoin, which needs to mint a
		// clientId before any frame can be attributed to a socket;
		// a join reaching Dispatch means a channel adapter replayed
		// one after the fact. Nothing to do — the client already
		// exists or never will via this path.
		return nil

	case types.MessageLeave:
		c.handleLeave(leaveRequest{params: LeaveParams{ClientID: req.ClientID, AgentID: msg.AgentID, Reason: "leave"}})
		return nil

	case types.MessageHeartbeat:
		return c.handleHeartbeat(req)

	case types.MessageCoherence:
		return c.handleCoherence(req)

	case types.MessageMessage:
		return c.handleRoutableMessage(req)

	case types.MessageBroadcast:
		return c.handleBroadcast(req)

	case types.MessageSync:
		return c.handleSync(req)

	case types.MessageMigrate:
		return c.handleMigrate(req)

	case types.MessageTrace:
		return c.handleTrace(req)

	case types.MessageSearch:
		return c.handleSearch(req)

	case types.MessageSynthesize:
		return c.handleSynthesize(req)

	case types.MessageReplay:
		return c.handleReplay(req)

	case types.MessageMetadata:
		// Metadata is server-push only (C9); an inbound frame of this
		// type has no defined client-initiated semantics.
		return nil

	default:
		return nil
	}
}

func (c *Core) handleHeartbeat(req DispatchRequest) error {
	client := c.resolveClient(req.ClientID, req.Message.AgentID)
	if client == nil {
		return ErrUnknownClient
	}
	client.LastHeartbeat = time.Now()
	return nil
}

func (c *Core) handleCoherence(req DispatchRequest) error {
	client := c.resolveClient(req.ClientID, req.Message.AgentID)
	if client == nil {
		return ErrUnknownClient
	}
	if phase, ok := payloadFloat64(req.Message.Payload, "phase"); ok {
		c.kuramoto.ApplyCoherence(client.ClientID, phase)
		client.Phase = phase
	}
	if contribution, ok := payloadFloat64(req.Message.Payload, "coherenceContribution"); ok {
		client.CoherenceContribution = contribution
	}
	return nil
}

// handleRoutableMessage implements the §4.8 "routable message" path: tag
// origin, firewall, candidate list, router, forward.
func (c *Core) handleRoutableMessage(req DispatchRequest) error {
	msg := req.Message
	if !c.limiter.Allow(msg.AgentID, ratelimit.WindowMessage) {
		c.limiter.Purge(msg.AgentID)
		c.rateLimitViolations++
		return ErrRateLimited
	}

	content := payloadString(msg.Payload, "content")
	result := c.firewall.Process(content, msg.AgentID)
	if !result.Safe {
		c.firewallBlocks++
		c.warnOnErr("log firewall block", c.store.LogEvent("firewall:blocked", req.ClientID, map[string]any{
			"agentId": msg.AgentID, "threats": result.Threats,
		}), "agent_id", msg.AgentID)
		// §7: dropped silently, sender is not notified to avoid oracle behaviour.
		return nil
	}

	embedding := payloadFloat64Slice(msg.Payload, "embedding")
	candidates := make([]router.Destination, 0, len(c.clients))
	for _, cl := range c.clients {
		if cl.ClientID == req.ClientID || cl.AgentID == msg.AgentID {
			continue
		}
		if cl.Observer {
			continue
		}
		candidates = append(candidates, router.Destination{
			AgentID:   cl.AgentID,
			Load:      0,
			Coherence: cl.CoherenceContribution,
		})
	}

	targetAgentID, ok := c.router.Route(embedding, candidates, nil)
	if !ok {
		return nil
	}
	targetClientID, ok := c.byAgent[targetAgentID]
	if !ok {
		return nil
	}

	c.emit(types.Message{
		ID:        uuid.NewString(),
		Type:      types.MessageMessage,
		AgentID:   msg.AgentID,
		AgentName: msg.AgentName,
		Payload:   map[string]any{"content": result.Sanitized},
		Timestamp: types.NowMillis(),
	}, targetClientID)
	return nil
}

func (c *Core) handleBroadcast(req DispatchRequest) error {
	msg := req.Message
	if !c.limiter.Allow(msg.AgentID, ratelimit.WindowBroadcast) {
		c.limiter.Purge(msg.AgentID)
		c.rateLimitViolations++
		return ErrRateLimited
	}
	c.emit(types.Message{
		ID:        uuid.NewString(),
		Type:      types.MessageBroadcast,
		AgentID:   msg.AgentID,
		AgentName: msg.AgentName,
		Payload:   msg.Payload,
		Timestamp: types.NowMillis(),
	}, "")
	return nil
}

func (c *Core) handleSync(req DispatchRequest) error {
	client := c.resolveClient(req.ClientID, req.Message.AgentID)
	if client == nil {
		return ErrUnknownClient
	}
	c.emit(types.Message{
		ID:        uuid.NewString(),
		Type:      types.MessageSync,
		AgentID:   client.AgentID,
		AgentName: client.AgentName,
		Payload: map[string]any{
			"clientId":  client.ClientID,
			"coherence": c.currentCoherence,
			"agents":    c.agentSummaries(),
		},
		Timestamp: types.NowMillis(),
	}, client.ClientID)
	return nil
}

// handleMigrate records a cross-model migration signal and forwards it so
// interested observers can react; Core does not otherwise own migration
// semantics beyond the event record.
func (c *Core) handleMigrate(req DispatchRequest) error {
	msg := req.Message
	c.warnOnErr("log migrate event", c.store.LogEvent("migrate", req.ClientID, msg.Payload), "agent_id", msg.AgentID)
	c.emit(msg, "")
	return nil
}

func (c *Core) handleTrace(req DispatchRequest) error {
	client := c.resolveClient(req.ClientID, req.Message.AgentID)
	if client == nil {
		return ErrUnknownClient
	}
	msg := req.Message
	trace := &types.Trace{
		ID:        uuid.NewString(),
		AgentID:   client.AgentID,
		AgentName: client.AgentName,
		Content:   payloadString(msg.Payload, "content"),
		Embedding: payloadFloat64Slice(msg.Payload, "embedding"),
		Kind:      payloadString(msg.Payload, "kind"),
		Metadata:  payloadMap(msg.Payload, "metadata"),
		CreatedAt: time.Now(),
	}
	c.warnOnErr("save trace", c.store.SaveTrace(trace), "trace_id", trace.ID, "agent_id", trace.AgentID)

	c.emit(types.Message{
		ID:        uuid.NewString(),
		Type:      types.MessageTrace,
		AgentID:   client.AgentID,
		AgentName: client.AgentName,
		Payload:   map[string]any{"event": "trace_saved", "traceId": trace.ID},
		Timestamp: types.NowMillis(),
	}, client.ClientID)
	return nil
}

func (c *Core) handleSearch(req DispatchRequest) error {
	client := c.resolveClient(req.ClientID, req.Message.AgentID)
	if client == nil {
		return ErrUnknownClient
	}
	msg := req.Message
	limit, _ := payloadInt(msg.Payload, "limit")
	traces, err := c.store.SearchTraces(storage.TraceQuery{
		AgentID:        payloadString(msg.Payload, "agentId"),
		QueryEmbedding: payloadFloat64Slice(msg.Payload, "embedding"),
		Limit:          limit,
	})
	if err != nil {
		c.warnOnErr("search traces", err, "agent_id", client.AgentID)
		traces = nil
	}

	c.emit(types.Message{
		ID:        uuid.NewString(),
		Type:      types.MessageSearch,
		AgentID:   client.AgentID,
		AgentName: client.AgentName,
		Payload:   map[string]any{"traces": traces},
		Timestamp: types.NowMillis(),
	}, client.ClientID)
	return nil
}

func (c *Core) handleSynthesize(req DispatchRequest) error {
	client := c.resolveClient(req.ClientID, req.Message.AgentID)
	if client == nil {
		return ErrUnknownClient
	}
	msg := req.Message
	limit, ok := payloadInt(msg.Payload, "limit")
	if !ok {
		limit = 10
	}

	result, err := c.synthesizer.Synthesize(
		payloadFloat64Slice(msg.Payload, "embedding"),
		payloadStringSlice(msg.Payload, "agentIds"),
		limit,
		func(agentID string) float64 {
			if clientID, ok := c.byAgent[agentID]; ok {
				if cl, ok := c.clients[clientID]; ok {
					return cl.CoherenceContribution
				}
			}
			return 0
		},
	)
	if err != nil {
		c.warnOnErr("synthesize traces", err, "agent_id", client.AgentID)
		result.Traces = nil
		result.Summary = ""
	}

	c.emit(types.Message{
		ID:        uuid.NewString(),
		Type:      types.MessageSynthesize,
		AgentID:   client.AgentID,
		AgentName: client.AgentName,
		Payload:   map[string]any{"traces": result.Traces, "summary": result.Summary},
		Timestamp: types.NowMillis(),
	}, client.ClientID)
	return nil
}

func (c *Core) handleReplay(req DispatchRequest) error {
	client := c.resolveClient(req.ClientID, req.Message.AgentID)
	if client == nil {
		return ErrUnknownClient
	}
	msg := req.Message
	sinceSeq, _ := payloadInt(msg.Payload, "sinceSeq")
	limit, _ := payloadInt(msg.Payload, "limit")

	entries, err := c.store.ReplayMessageLog(int64(sinceSeq), limit)
	if err != nil {
		c.warnOnErr("replay message log", err, "agent_id", client.AgentID)
		entries = nil
	}

	c.emit(types.Message{
		ID:        uuid.NewString(),
		Type:      types.MessageReplay,
		AgentID:   client.AgentID,
		AgentName: client.AgentName,
		Payload:   map[string]any{"entries": entries},
		Timestamp: types.NowMillis(),
	}, client.ClientID)
	return nil
}
