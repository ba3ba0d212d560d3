package ws

import (
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/resonance-rail/railserver/internal/rail/auth"
	"github.com/resonance-rail/railserver/version"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleHealth is a liveness probe: it reports ok as long as the process
// can answer HTTP at all, independent of Core's own internal health.
func (l *Listener) handleHealth(w http.ResponseWriter, r *http.Request) {
	l.mu.RLock()
	sockets := len(l.sockets)
	l.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Get().Short(),
		"sockets": sockets,
	})
}

// handleStats exposes Core's Stats snapshot for operators (§6).
func (l *Listener) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := l.core.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"clientCount":       stats.ClientCount,
		"observerCount":     stats.ObserverCount,
		"messagesProcessed": stats.MessagesProcessed,
		"messageSeq":        stats.MessageSeq,
		"coherence":         stats.Coherence,
		"meanPhase":         stats.MeanPhase,
		"paused":            stats.Paused,
	})
}

// handleAgents lists currently connected agents: the agentId of every socket
// in the Listener's own registry. It does not query Core.
func (l *Listener) handleAgents(w http.ResponseWriter, r *http.Request) {
	l.mu.RLock()
	ids := make([]string, 0, len(l.sockets))
	for _, s := range l.sockets {
		ids = append(ids, s.agentID)
	}
	l.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{"agents": ids})
}

// handleEnroll provisions a new agent's HMAC secret (§4.3, §4.6). Requires
// the configured admin secret as a bearer credential; with no admin secret
// configured, enrollment is refused entirely rather than left open.
func (l *Listener) handleEnroll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if l.cfg.AdminSecret == "" || r.Header.Get("Authorization") != "Bearer "+l.cfg.AdminSecret {
		writeError(w, http.StatusUnauthorized, "admin secret required")
		return
	}

	var body struct {
		AgentID string `json:"agentId"`
		Secret  string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agentId is required")
		return
	}

	var secretHex string
	if body.Secret != "" {
		raw, err := hex.DecodeString(body.Secret)
		if err != nil {
			writeError(w, http.StatusBadRequest, "secret must be hex-encoded")
			return
		}
		l.secrets.Put(body.AgentID, raw)
		secretHex = body.Secret
	} else {
		generated, err := l.secrets.Enroll(body.AgentID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to enroll agent")
			return
		}
		secretHex = generated
	}

	if raw, decodeErr := hex.DecodeString(secretHex); decodeErr == nil {
		if err := l.core.Store().SaveEnrollment(body.AgentID, auth.HashSecret(raw)); err != nil {
			l.logger.Warnw("failed to persist enrollment", "agent_id", body.AgentID, "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"agentId": body.AgentID,
		"secret":  secretHex,
	})
}

// handleWellKnown serves a discovery document so a new channel adapter or
// agent runtime can find the rail's protocol version and capabilities
// without prior configuration (§6).
func (l *Listener) handleWellKnown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"protocol":        "resonance-rail",
		"protocolVersion": 1,
		"wsEndpoint":      "/ws",
		"authRequired":    l.cfg.AuthRequired,
		"maxConnections":  l.cfg.MaxConnections,
		"maxObservers":    l.cfg.MaxObservers,
	})
}
