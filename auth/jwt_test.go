package auth

import (
	"testing"
	"time"

	"github.com/resonance-rail/railserver/internal/config"
)

func testManager(t *testing.T) *JWTManager {
	t.Helper()
	m, err := NewJWTManager(&config.Config{JWTSecret: "test-secret", JWTTokenExpiry: time.Minute})
	if err != nil {
		t.Fatalf("NewJWTManager: %v", err)
	}
	return m
}

func TestGenerateThenValidateRoundTrips(t *testing.T) {
	m := testManager(t)

	token, err := m.GenerateToken(&Claims{ClientID: "client-a", Platform: "browser-runtime"})
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := m.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.ClientID != "client-a" || claims.Platform != "browser-runtime" {
		t.Errorf("unexpected claims: %+v", claims)
	}
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	m := testManager(t)

	token, err := m.GenerateToken(&Claims{ClientID: "client-a"})
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	if _, err := m.ValidateToken(token + "x"); err == nil {
		t.Error("expected a tampered token to fail validation")
	}
}

func TestValidateRejectsTokenFromAnotherSecret(t *testing.T) {
	m1 := testManager(t)
	m2, err := NewJWTManager(&config.Config{JWTSecret: "different-secret", JWTTokenExpiry: time.Minute})
	if err != nil {
		t.Fatalf("NewJWTManager: %v", err)
	}

	token, err := m1.GenerateToken(&Claims{ClientID: "client-a"})
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	if _, err := m2.ValidateToken(token); err == nil {
		t.Error("expected a token signed with a different secret to fail validation")
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	m, err := NewJWTManager(&config.Config{JWTSecret: "test-secret", JWTTokenExpiry: time.Nanosecond})
	if err != nil {
		t.Fatalf("NewJWTManager: %v", err)
	}

	token, err := m.GenerateToken(&Claims{ClientID: "client-a"})
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	time.Sleep(time.Millisecond)

	if _, err := m.ValidateToken(token); err == nil {
		t.Error("expected an expired token to fail validation")
	}
}

func TestNewJWTManagerGeneratesSecretWhenUnconfigured(t *testing.T) {
	m, err := NewJWTManager(&config.Config{})
	if err != nil {
		t.Fatalf("NewJWTManager: %v", err)
	}
	if len(m.secret) == 0 {
		t.Error("expected a generated secret when none is configured")
	}
	if m.TokenExpiry() != 15*time.Minute {
		t.Errorf("expected the default 15m token expiry, got %v", m.TokenExpiry())
	}
}
