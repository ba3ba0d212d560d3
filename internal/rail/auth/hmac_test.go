package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/resonance-rail/railserver/internal/rail/types"
)

func signToken(secret []byte, agentID string, timestamp int64, nonce string) string {
	payload := fmt.Sprintf("%s:%d:%s", agentID, timestamp, nonce)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestValidateRejectsUnregisteredAgent(t *testing.T) {
	r := NewSecretRegistry()
	token := types.AuthToken{AgentID: "agent-a", Timestamp: time.Now().UnixMilli(), Nonce: "n"}
	if r.Validate(token, time.Now(), 30*time.Second) {
		t.Error("expected validation to fail for unregistered agent")
	}
}

func TestValidateAcceptsFreshCorrectSignature(t *testing.T) {
	r := NewSecretRegistry()
	secret, err := r.Enroll("agent-a")
	if err != nil {
		t.Fatal(err)
	}
	secretBytes, _ := hex.DecodeString(secret)

	now := time.Now()
	token := types.AuthToken{
		AgentID:   "agent-a",
		Timestamp: now.UnixMilli(),
		Nonce:     "deadbeef",
	}
	token.Signature = signToken(secretBytes, token.AgentID, token.Timestamp, token.Nonce)

	if !r.Validate(token, now, 30*time.Second) {
		t.Error("expected valid signature to be accepted")
	}
}

func TestValidateRejectsStaleTimestamp(t *testing.T) {
	r := NewSecretRegistry()
	secret, _ := r.Enroll("agent-a")
	secretBytes, _ := hex.DecodeString(secret)

	past := time.Now().Add(-time.Minute)
	token := types.AuthToken{
		AgentID:   "agent-a",
		Timestamp: past.UnixMilli(),
		Nonce:     "n",
	}
	token.Signature = signToken(secretBytes, token.AgentID, token.Timestamp, token.Nonce)

	if r.Validate(token, time.Now(), 30*time.Second) {
		t.Error("expected stale timestamp to be rejected")
	}
}

func TestValidateRejectsWrongSignature(t *testing.T) {
	r := NewSecretRegistry()
	r.Enroll("agent-a")

	now := time.Now()
	token := types.AuthToken{
		AgentID:   "agent-a",
		Timestamp: now.UnixMilli(),
		Nonce:     "n",
		Signature: "deadbeef",
	}
	if r.Validate(token, now, 30*time.Second) {
		t.Error("expected incorrect signature to be rejected")
	}
}

func TestHashSecretIsDeterministic(t *testing.T) {
	secret := []byte("some-secret-bytes")
	if HashSecret(secret) != HashSecret(secret) {
		t.Error("expected HashSecret to be deterministic")
	}
}
