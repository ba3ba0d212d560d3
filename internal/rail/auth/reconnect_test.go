package auth

import (
	"testing"
	"time"
)

func TestReconnectTokenValidatesOnceOnly(t *testing.T) {
	s := NewReconnectStore(5 * time.Minute)
	token, err := s.Issue("agent-a")
	if err != nil {
		t.Fatal(err)
	}

	agentID, ok := s.Validate(token)
	if !ok || agentID != "agent-a" {
		t.Fatalf("expected first validation to succeed, got ok=%v agentID=%q", ok, agentID)
	}

	_, ok = s.Validate(token)
	if ok {
		t.Error("expected second validation of the same token to fail")
	}
}

func TestReconnectTokenExpires(t *testing.T) {
	s := NewReconnectStore(time.Millisecond)
	token, _ := s.Issue("agent-a")
	time.Sleep(5 * time.Millisecond)

	if _, ok := s.Validate(token); ok {
		t.Error("expected expired token to be rejected")
	}
}

func TestSweepRemovesExpiredTokens(t *testing.T) {
	s := NewReconnectStore(time.Millisecond)
	s.Issue("agent-a")
	time.Sleep(5 * time.Millisecond)
	s.Sweep()

	if len(s.tokens) != 0 {
		t.Errorf("expected sweep to remove expired tokens, %d remain", len(s.tokens))
	}
}

func TestValidateUnknownTokenFails(t *testing.T) {
	s := NewReconnectStore(time.Minute)
	if _, ok := s.Validate("not-a-real-token"); ok {
		t.Error("expected unknown token to fail validation")
	}
}
