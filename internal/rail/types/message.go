// Package types defines the shared vocabulary every rail component speaks:
// the Message envelope (§3), close codes and capability sets (§6, §4.5), and
// the absorption stage machine (§4.5). Nothing here owns state.
package types

import "time"

// MessageType is the closed sum the dispatcher is a total function over (§9).
type MessageType string

const (
	MessageJoin       MessageType = "join"
	MessageLeave      MessageType = "leave"
	MessageHeartbeat  MessageType = "heartbeat"
	MessageCoherence  MessageType = "coherence"
	MessageMessage    MessageType = "message"
	MessageBroadcast  MessageType = "broadcast"
	MessageSync       MessageType = "sync"
	MessageMigrate    MessageType = "migrate"
	MessageMetadata   MessageType = "metadata"
	MessageTrace      MessageType = "trace"
	MessageSearch     MessageType = "search"
	MessageSynthesize MessageType = "synthesize"
	MessageReplay     MessageType = "replay"
)

// Message is the immutable-once-constructed envelope carried on the wire
// and through the dispatcher (§3).
type Message struct {
	ID        string         `json:"id"`
	Type      MessageType    `json:"type"`
	AgentID   string         `json:"agentId"`
	AgentName string         `json:"agentName,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp int64          `json:"timestamp"`
	Signature string         `json:"signature,omitempty"`
}

// CloseCode enumerates the WebSocket close codes the listener uses (§6).
type CloseCode int

const (
	CloseServerShutdown      CloseCode = 1001
	CloseProtocolViolation   CloseCode = 1002
	CloseInvalidPayload      CloseCode = 1003
	ClosePolicyViolation     CloseCode = 1008
	CloseOverload            CloseCode = 1013
)

// ObserverPlatforms bypass auth but are recorded and capped separately (§4.3).
var ObserverPlatforms = map[string]bool{
	"moltyverse":      true,
	"observer":        true,
	"browser-runtime": true,
}

// IsObserverPlatform reports whether platform is in the observer allow-list.
func IsObserverPlatform(platform string) bool {
	return ObserverPlatforms[platform]
}

// NowMillis returns the current time in Unix milliseconds, the envelope's
// timestamp unit (§3).
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
