package ws

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/resonance-rail/railserver/internal/rail/core"
	"github.com/resonance-rail/railserver/internal/rail/types"
)

// wireFrame is the JSON shape of every frame in both directions. Join
// frames carry the extra identity/auth fields; every other frame only
// uses type/agentId/payload (§3, §4.11).
type wireFrame struct {
	ID                string            `json:"id,omitempty"`
	Type              types.MessageType `json:"type"`
	AgentID           string            `json:"agentId"`
	AgentName         string            `json:"agentName,omitempty"`
	Platform          string            `json:"platform,omitempty"`
	ModelType         string            `json:"modelType,omitempty"`
	NaturalFrequency  float64           `json:"naturalFrequency,omitempty"`
	InitialPhase      float64           `json:"initialPhase,omitempty"`
	Observer          bool              `json:"observer,omitempty"`
	AuthToken         *types.AuthToken  `json:"authToken,omitempty"`
	ReconnectToken    string            `json:"reconnectToken,omitempty"`
	Bearer            string            `json:"bearer,omitempty"`
	IdentityEmbedding []float64         `json:"identityEmbedding,omitempty"`
	Payload           map[string]any    `json:"payload,omitempty"`
	Timestamp         int64             `json:"timestamp,omitempty"`
}

// socket is one open connection, paired 1:1 with a Core client once join
// succeeds. Modeled on server/client.go's Client: a bounded send channel
// drained by a single writer goroutine, a reader goroutine that never
// writes to the connection directly (§5 "a socket's writes are
// serialized through exactly one goroutine").
type socket struct {
	listener *Listener
	conn     *websocket.Conn
	send     chan types.Message

	clientID string
	agentID  string
}

// handleUpgrade upgrades the HTTP connection and runs the join handshake:
// the first frame received must be a join frame (§4.11 step 1) or the
// socket is closed with CloseProtocolViolation.
func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	conn.SetReadLimit(1 << 20) // 1MiB; traces/embeddings are the largest frames expected
	conn.SetReadDeadline(time.Now().Add(l.cfg.HeartbeatTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(l.cfg.HeartbeatTimeout))
		return nil
	})

	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}

	var first wireFrame
	if err := json.Unmarshal(raw, &first); err != nil || first.Type != types.MessageJoin {
		closeWith(conn, types.CloseProtocolViolation, "first frame must be a join")
		return
	}

	params := core.JoinParams{
		AgentID:           first.AgentID,
		AgentName:         first.AgentName,
		Platform:          first.Platform,
		ModelType:         first.ModelType,
		NaturalFrequency:  first.NaturalFrequency,
		InitialPhase:      first.InitialPhase,
		Observer:          first.Observer || types.IsObserverPlatform(first.Platform),
		AuthToken:         first.AuthToken,
		ReconnectToken:    first.ReconnectToken,
		IdentityEmbedding: first.IdentityEmbedding,
	}

	if l.jwt != nil && first.Bearer != "" && types.IsObserverPlatform(first.Platform) {
		if _, err := l.jwt.ValidateToken(first.Bearer); err != nil {
			closeWith(conn, types.ClosePolicyViolation, "invalid bearer token")
			return
		}
		params.Observer = true
	}

	result, err := l.core.HandleJoin(params)
	if err != nil {
		code := closeCodeForJoinError(err)
		closeWith(conn, code, err.Error())
		return
	}

	s := &socket{
		listener: l,
		conn:     conn,
		send:     make(chan types.Message, 256),
		clientID: result.ClientID,
		agentID:  first.AgentID,
	}
	l.register(s)

	// Ordering guarantee (iii): the sync reply must reach this socket
	// before any other frame. Sent directly, before registering the
	// writer goroutine that will later drain s.send for every subsequent
	// broadcast/unicast.
	_ = conn.WriteJSON(wireFrame{
		Type:    types.MessageSync,
		AgentID: first.AgentID,
		Payload: map[string]any{
			"clientId":       result.ClientID,
			"coherence":      result.Coherence,
			"agents":         result.Agents,
			"reconnectToken": result.ReconnectToken,
		},
		Timestamp: types.NowMillis(),
	})

	go s.writePump(l.cfg.HeartbeatInterval, l.cfg.SendTimeout)
	s.readPump(l.cfg.HeartbeatTimeout)
}

// readPump is the one goroutine allowed to call conn.ReadMessage; every
// decoded frame is handed to Core.Dispatch to completion before the next
// read, matching §5's per-socket in-order processing guarantee.
func (s *socket) readPump(pongWait time.Duration) {
	defer func() {
		s.listener.unregister(s)
		close(s.send)
		s.conn.Close()
	}()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame wireFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.listener.logger.Debugw("dropping malformed frame", "client_id", s.clientID, "error", err)
			continue
		}

		if frame.Type == types.MessageLeave {
			return
		}

		err = s.listener.core.Dispatch(core.DispatchRequest{
			ClientID: s.clientID,
			Message: types.Message{
				ID:        firstNonEmpty(frame.ID, uuid.NewString()),
				Type:      frame.Type,
				AgentID:   firstNonEmpty(frame.AgentID, s.agentID),
				AgentName: frame.AgentName,
				Payload:   frame.Payload,
				Timestamp: types.NowMillis(),
			},
		})
		if err == core.ErrRateLimited {
			closeWith(s.conn, types.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if err == core.ErrShuttingDown {
			return
		}
	}
}

// writePump is the one goroutine allowed to call conn.WriteMessage; it
// owns the ping ticker too, so writes are never interleaved from two
// goroutines (§5, grounded on server/client.go's writePump).
func (s *socket) writePump(pingPeriod, writeWait time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			frame := wireFrame{
				ID:        msg.ID,
				Type:      msg.Type,
				AgentID:   msg.AgentID,
				AgentName: msg.AgentName,
				Payload:   msg.Payload,
				Timestamp: msg.Timestamp,
			}
			if err := s.conn.WriteJSON(frame); err != nil {
				return
			}

		case <-ticker.C:
			// Transport-level keepalive only; the rail's own heartbeat
			// message type is client-initiated and updates LastHeartbeat
			// via the normal dispatch path, not this ticker.
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue drops the frame with a log line rather than blocking the single
// Core goroutine when a slow socket's buffer is full (§7 "a slow consumer
// must never stall routing for every other client").
func (s *socket) enqueue(msg types.Message) {
	select {
	case s.send <- msg:
	default:
		s.listener.logger.Warnw("socket send buffer full, dropping frame", "client_id", s.clientID, "type", string(msg.Type))
	}
}

func closeWith(conn *websocket.Conn, code types.CloseCode, reason string) {
	deadline := time.Now().Add(5 * time.Second)
	msg := websocket.FormatCloseMessage(int(code), reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
	conn.Close()
}

func closeCodeForJoinError(err error) types.CloseCode {
	switch err {
	case core.ErrCapacityReached:
		return types.CloseOverload
	case core.ErrAuthFailed, core.ErrRateLimited:
		return types.ClosePolicyViolation
	default:
		return types.CloseInvalidPayload
	}
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}
