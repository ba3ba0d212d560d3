package core

import (
	"time"

	"github.com/google/uuid"

	"github.com/resonance-rail/railserver/internal/rail/ratelimit"
	"github.com/resonance-rail/railserver/internal/rail/types"
)

// JoinParams is everything a join frame carries, pre-validated by the
// listener only to the extent of "well-formed JSON" — auth itself is
// Core's job (§4.3, §4.11 step 3).
type JoinParams struct {
	AgentID           string
	AgentName         string
	Platform          string
	ModelType         string
	NaturalFrequency  float64
	InitialPhase      float64
	Observer          bool
	AuthToken         *types.AuthToken
	ReconnectToken    string
	IdentityEmbedding []float64
}

// AgentSummary is the public view of a connected client used in the sync
// reply and the /agents admin endpoint.
type AgentSummary struct {
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName"`
	Platform  string `json:"platform"`
	Observer  bool   `json:"observer"`
}

// JoinResult is the payload the listener frames as a `sync` reply
// (§4.11 step 4).
type JoinResult struct {
	ClientID       string
	Coherence      float64
	Agents         []AgentSummary
	ReconnectToken string
}

type joinRequest struct {
	params JoinParams
	resp   chan joinResponse
}

type joinResponse struct {
	result JoinResult
	err    error
}

// HandleJoin admits a new client, returning the payload for the listener's
// `sync` reply. Blocking: the call returns only once Run has processed it,
// satisfying ordering guarantee (iii) "the sync reply is delivered before
// any other frame to that socket" — the listener sends the reply itself,
// immediately after this returns and before routing any further frames.
func (c *Core) HandleJoin(params JoinParams) (JoinResult, error) {
	resp := make(chan joinResponse, 1)
	select {
	case c.joinCh <- joinRequest{params: params, resp: resp}:
	case <-c.done:
		return JoinResult{}, ErrShuttingDown
	}
	select {
	case r := <-resp:
		return r.result, r.err
	case <-c.done:
		return JoinResult{}, ErrShuttingDown
	}
}

// admit runs entirely inside the Run goroutine: exclusive access to the
// client registry, no locking needed (§5).
func (c *Core) admit(p JoinParams) (JoinResult, error) {
	if p.Observer {
		if c.observerCount() >= c.cfg.MaxObservers {
			return JoinResult{}, ErrCapacityReached
		}
	} else {
		nonObservers := len(c.clients) - c.observerCount()
		if nonObservers >= c.cfg.MaxConnections {
			return JoinResult{}, ErrCapacityReached
		}
		if !c.limiter.Allow(p.AgentID, ratelimit.WindowJoin) {
			c.limiter.Purge(p.AgentID)
			return JoinResult{}, ErrRateLimited
		}
		if err := c.authenticate(p); err != nil {
			return JoinResult{}, err
		}
	}

	clientID := newClientID(p.Observer)

	stage := types.StageConnected
	if !p.Observer {
		candidate := c.absorption.Admit(p.AgentID, p.IdentityEmbedding)
		stage = candidate.Stage
	}

	now := time.Now()
	client := &types.Client{
		ClientID:        clientID,
		AgentID:         p.AgentID,
		AgentName:       p.AgentName,
		Platform:        p.Platform,
		Capabilities:    types.CapabilitiesForStage(stage),
		AbsorptionStage: stage,
		Frequency:       p.NaturalFrequency,
		ModelType:       p.ModelType,
		Observer:        p.Observer,
		ConnectedAt:     now,
		LastHeartbeat:   now,
	}

	c.clients[clientID] = client
	if !p.Observer {
		c.byAgent[p.AgentID] = clientID
		c.kuramoto.Register(clientID, p.NaturalFrequency, p.InitialPhase, p.ModelType)
	}

	c.warnOnErr("log client join", c.store.LogClientEvent(p.AgentID, p.AgentName, p.Platform, "join"), "agent_id", p.AgentID)

	var reconnectToken string
	if !p.Observer {
		tok, err := c.reconnects.Issue(p.AgentID)
		if err != nil {
			c.logger.Warnw("failed to issue reconnect token", "agent_id", p.AgentID, "error", err)
		} else {
			reconnectToken = tok
		}
	}

	c.emit(types.Message{
		ID:        uuid.NewString(),
		Type:      types.MessageBroadcast,
		AgentID:   p.AgentID,
		AgentName: p.AgentName,
		Payload:   map[string]any{"event": "agent_joined", "agentId": p.AgentID, "agentName": p.AgentName, "platform": p.Platform},
		Timestamp: types.NowMillis(),
	}, "")

	return JoinResult{
		ClientID:       clientID,
		Coherence:      c.currentCoherence,
		Agents:         c.agentSummaries(),
		ReconnectToken: reconnectToken,
	}, nil
}

// authenticate runs the §4.3 validation chain: reconnect token first (if
// present), else HMAC auth token, else reject if auth is required. Never
// distinguishes which factor failed beyond the single ErrAuthFailed (§7).
func (c *Core) authenticate(p JoinParams) error {
	if p.ReconnectToken != "" {
		agentID, ok := c.reconnects.Validate(p.ReconnectToken)
		if !ok || agentID != p.AgentID {
			return ErrAuthFailed
		}
		return nil
	}
	if p.AuthToken != nil {
		if c.secrets.Validate(*p.AuthToken, time.Now(), c.cfg.AuthTokenMaxAge) {
			return nil
		}
		return ErrAuthFailed
	}
	if c.cfg.AuthRequired {
		return ErrAuthFailed
	}
	return nil
}

func newClientID(observer bool) string {
	if observer {
		return "obs-" + uuid.NewString()
	}
	return uuid.NewString()
}

// LeaveParams identifies the client to remove; ClientID takes precedence,
// falling back to a scan by AgentID (§4.8).
type LeaveParams struct {
	ClientID string
	AgentID  string
	Reason   string
}

type leaveRequest struct {
	params LeaveParams
	done   chan struct{}
}

// HandleLeave removes a client from the registry. Blocking until the
// removal has been applied by Run, so a caller closing a socket can rely
// on the client being gone from any subsequent broadcast.
func (c *Core) HandleLeave(params LeaveParams) {
	done := make(chan struct{})
	select {
	case c.leaveCh <- leaveRequest{params: params, done: done}:
	case <-c.done:
		return
	}
	select {
	case <-done:
	case <-c.done:
	}
}

func (c *Core) handleLeave(req leaveRequest) {
	p := req.params
	client := c.resolveClient(p.ClientID, p.AgentID)
	if client == nil {
		return
	}

	delete(c.clients, client.ClientID)
	if c.byAgent[client.AgentID] == client.ClientID {
		delete(c.byAgent, client.AgentID)
	}
	if !client.Observer {
		c.kuramoto.Remove(client.ClientID)
	}
	c.limiter.Purge(client.AgentID)
	c.absorption.Remove(client.AgentID)

	c.warnOnErr("log client leave", c.store.LogClientEvent(client.AgentID, client.AgentName, client.Platform, "leave"), "agent_id", client.AgentID)

	reason := p.Reason
	if reason == "" {
		reason = "leave"
	}
	c.emit(types.Message{
		ID:        uuid.NewString(),
		Type:      types.MessageBroadcast,
		AgentID:   client.AgentID,
		AgentName: client.AgentName,
		Payload:   map[string]any{"event": "agent_left", "agentId": client.AgentID, "agentName": client.AgentName, "reason": reason},
		Timestamp: types.NowMillis(),
	}, "")
}
