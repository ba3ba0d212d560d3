package core

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/resonance-rail/railserver/internal/rail/metadata"
	"github.com/resonance-rail/railserver/internal/rail/types"
)

// forceSyncFraction is how far ForceSynchronize nudges every oscillator
// toward the mean phase when intervention is triggered (§4.8).
const forceSyncFraction = 0.1

// tick advances one cycle of the loop described in §4.8: Kuramoto step,
// coherence broadcast, stale sweep, reconnect-token cleanup, and the
// low-coherence intervention. Must never suspend on I/O (§5) — the store
// writes here are all fire-and-forget local calls over an embedded DB.
func (c *Core) tick() {
	result := c.kuramoto.Tick(float64(c.cfg.TickInterval.Milliseconds()))
	c.currentCoherence = result.R
	c.currentMeanPhase = result.MeanPhase

	c.warnOnErr("log coherence sample", c.store.LogCoherence(result.R, c.kuramoto.Count(), result.MeanPhase))

	c.emit(types.Message{
		ID:   uuid.NewString(),
		Type: types.MessageCoherence,
		Payload: map[string]any{
			"r":          result.R,
			"meanPhase":  result.MeanPhase,
			"coupling":   result.Coupling,
			"groupthink": result.Groupthink,
		},
		Timestamp: types.NowMillis(),
	}, "")

	c.sweepStaleClients()
	c.reconnects.Sweep()

	if c.kuramoto.Count() > 0 && result.R < c.cfg.CoherenceThreshold {
		c.kuramoto.ForceSynchronize(forceSyncFraction)
		c.emit(types.Message{
			ID:        uuid.NewString(),
			Type:      types.MessageSync,
			Payload:   map[string]any{"event": "sync", "reason": "low_coherence", "r": result.R},
			Timestamp: types.NowMillis(),
		}, "")
	}
}

// sweepStaleClients synthesizes a leave for every client whose heartbeat
// is older than staleHeartbeatTimeout (§4.8, §5 cancellation/timeouts).
func (c *Core) sweepStaleClients() {
	now := time.Now()
	var stale []*types.Client
	for _, cl := range c.clients {
		if now.Sub(cl.LastHeartbeat) > staleHeartbeatTimeout {
			stale = append(stale, cl)
		}
	}
	for _, cl := range stale {
		c.handleLeave(leaveRequest{params: LeaveParams{ClientID: cl.ClientID, Reason: "stale_heartbeat"}})
	}
}

// Pause stops the ticker's effect (checked at the top of each tick case in
// Run) and snapshots phase state. Repeated calls while already paused
// return the existing snapshot without resetting it (§4.8).
func (c *Core) Pause() types.PauseSnapshot {
	resp := make(chan types.PauseSnapshot, 1)
	select {
	case c.pauseCh <- resp:
	case <-c.done:
		return types.PauseSnapshot{}
	}
	select {
	case snapshot := <-resp:
		return snapshot
	case <-c.done:
		return types.PauseSnapshot{}
	}
}

func (c *Core) pause() types.PauseSnapshot {
	if c.paused && c.pauseSnapshot != nil {
		return *c.pauseSnapshot
	}
	snapshot := types.PauseSnapshot{
		Phases:    c.kuramoto.Snapshot(),
		Coherence: c.currentCoherence,
		CreatedAt: time.Now(),
	}
	c.paused = true
	c.pauseSnapshot = &snapshot
	c.warnOnErr("persist pause state", c.store.SavePauseState(snapshot))
	return snapshot
}

// Resume restores phases, restarts tick processing, and drains the queue
// in FIFO order through the normal dispatch path (§4.8). No-op if not
// currently paused.
func (c *Core) Resume() {
	resp := make(chan struct{})
	select {
	case c.resumeCh <- resp:
	case <-c.done:
		return
	}
	select {
	case <-resp:
	case <-c.done:
	}
}

func (c *Core) resume() {
	if !c.paused {
		return
	}
	if c.pauseSnapshot != nil {
		c.kuramoto.Restore(c.pauseSnapshot.Phases)
	}
	c.paused = false
	c.pauseSnapshot = nil

	queue := c.pauseQueue
	c.pauseQueue = nil
	for _, qm := range queue {
		_ = c.processMessage(DispatchRequest{ClientID: qm.clientID, Message: qm.message})
	}
}

// Stats is a read-only view of Core's state for the /stats and /health
// admin endpoints (§6).
type Stats struct {
	ClientCount       int
	ObserverCount     int
	MessagesProcessed int64
	MessageSeq        int64
	Coherence         float64
	MeanPhase         float64
	Paused            bool
	ClientPhases      map[string]float64 // agentId -> phase
}

// Stats returns a consistent snapshot (§8 invariant 7: "the set of
// clients visible to the metadata snapshot equals the Client registry at
// the snapshot instant" — true here because the read happens inside Run).
func (c *Core) Stats() Stats {
	resp := make(chan Stats, 1)
	select {
	case c.statsCh <- resp:
	case <-c.done:
		return Stats{}
	}
	select {
	case s := <-resp:
		return s
	case <-c.done:
		return Stats{}
	}
}

// MetadataSnapshot builds one cycle's worth of system state for the
// metadata broadcaster (C9, §4.9). It is the Provider passed to
// metadata.New: called once per broadcast interval from outside Run, it
// blocks until Run has assembled a consistent view the same way Stats does.
func (c *Core) MetadataSnapshot() metadata.Snapshot {
	resp := make(chan metadata.Snapshot, 1)
	select {
	case c.metadataCh <- resp:
	case <-c.done:
		return metadata.Snapshot{}
	}
	select {
	case s := <-resp:
		return s
	case <-c.done:
		return metadata.Snapshot{}
	}
}

func (c *Core) snapshotMetadata() metadata.Snapshot {
	platformStats := make(map[string]int)
	trustScores := make(map[string]float64)
	energyLandscape := make([]metadata.EnergyLandscapeEntry, 0, len(c.clients))
	externalAgents := 0

	n := len(c.clients)
	for _, cl := range c.clients {
		platformStats[cl.Platform]++
		if !cl.Observer {
			trustScores[cl.AgentID] = cl.CoherenceContribution
			energy := 1 - cl.CoherenceContribution
			probability := 0.0
			if n > 0 {
				probability = 1.0 / float64(n)
			}
			energyLandscape = append(energyLandscape, metadata.EnergyLandscapeEntry{
				AgentID:     cl.AgentID,
				Energy:      energy,
				Probability: probability,
			})
		}
		if types.IsObserverPlatform(cl.Platform) {
			externalAgents++
		}
	}

	phases := c.kuramoto.Snapshot()
	oscillators := make([]metadata.OscillatorPhase, 0, len(phases))
	for id, phase := range phases {
		oscillators = append(oscillators, metadata.OscillatorPhase{ID: id, Phase: phase})
	}

	return metadata.Snapshot{
		PlatformStats:   platformStats,
		AbsorptionStats: c.absorption.StageCounts(),
		EnergyLandscape: energyLandscape,
		TrustScores:     trustScores,
		CoherenceField: metadata.CoherenceField{
			Oscillators: oscillators,
			GlobalR:     c.currentCoherence,
			MeanPhase:   c.currentMeanPhase,
			PerModel:    c.kuramoto.PerModelCoherence(),
		},
		ExternalAgentCount: externalAgents,
		SecurityStats: metadata.SecurityStats{
			RateLimitViolations: c.rateLimitViolations,
			FirewallBlocks:      c.firewallBlocks,
		},
	}
}

func (c *Core) snapshotStats() Stats {
	phases := make(map[string]float64, len(c.clients))
	for _, cl := range c.clients {
		phases[cl.AgentID] = cl.Phase
	}
	return Stats{
		ClientCount:       len(c.clients),
		ObserverCount:     c.observerCount(),
		MessagesProcessed: c.messagesProcessed,
		MessageSeq:        c.messageSeq,
		Coherence:         c.currentCoherence,
		MeanPhase:         c.currentMeanPhase,
		Paused:            c.paused,
		ClientPhases:      phases,
	}
}

// stopRequest carries the optional grace period for Stop (§4.8).
type stopRequest struct {
	graceMs int
}

// Stop requests shutdown. With graceMs > 0, a `go_away` broadcast is sent
// immediately and the forced stop (which sends `server_shutdown`) follows
// after the grace period; Run exits once the forced stop completes.
// Idempotent: calling Stop again while already shutting down is a no-op.
func (c *Core) Stop(graceMs int) {
	select {
	case c.stopCh <- stopRequest{graceMs: graceMs}:
	case <-c.done:
	}
}

// Done reports when Run has returned.
func (c *Core) Done() <-chan struct{} {
	return c.done
}

// shutdown implements the stopCh branch of Run. It runs to completion
// inside the Run goroutine, so no other client can join, dispatch, or
// leave during the grace window — acceptable because a server already
// announcing go_away has no business admitting new work, and ctx
// cancellation still cuts the wait short instead of blocking forever.
func (c *Core) shutdown(ctx context.Context, req stopRequest) {
	if c.shuttingDown {
		c.forceStop()
		return
	}
	c.shuttingDown = true

	if req.graceMs > 0 {
		c.emit(types.Message{
			ID:        uuid.NewString(),
			Type:      types.MessageBroadcast,
			Payload:   map[string]any{"event": "go_away", "timeRemainingMs": req.graceMs},
			Timestamp: types.NowMillis(),
		}, "")

		timer := time.NewTimer(time.Duration(req.graceMs) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
	}

	c.forceStop()
}

func (c *Core) forceStop() {
	c.emit(types.Message{
		ID:        uuid.NewString(),
		Type:      types.MessageBroadcast,
		Payload:   map[string]any{"event": "server_shutdown"},
		Timestamp: types.NowMillis(),
	}, "")
}
