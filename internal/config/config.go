// Package config loads the rail server's environment-first configuration,
// the way teranos/QNTX's own config layer wraps viper: AutomaticEnv plus an
// explicit BindEnv per key, so every tunable has a documented name and a
// sane default even when nothing is set.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable named across SPEC_FULL.md §8.3: the
// distilled spec's env vars (§6) plus the coupling/router/auth/rate-limit
// defaults the distillation leaves as "configuration".
type Config struct {
	// §6 environment
	Port         int
	DataDir      string
	AdminSecret  string
	AuthRequired bool

	// §4.1 Kuramoto Engine
	CouplingInitial       float64
	CouplingMin           float64
	CouplingMax           float64
	CouplingStep          float64
	CoherenceThreshold    float64
	GroupthinkThreshold   float64
	CrossModelAttenuation float64
	StaleOscillatorTTL    time.Duration
	FloodReportsPerWindow int
	FloodWindow           time.Duration
	FloodPenalty          float64
	TickInterval          time.Duration

	// §4.2 Thermodynamic Router
	RouterWeightLoad      float64
	RouterWeightCoherence float64
	RouterWeightSemantic  float64
	RouterTemperature     float64

	// §4.3 Auth Protocol
	AuthTokenMaxAge      time.Duration
	ReconnectTokenTTL    time.Duration
	JWTSecret            string
	JWTTokenExpiry       time.Duration

	// §4.4 Firewall
	FirewallProfile string // paranoid | standard | relaxed

	// §4.5 Absorption
	AbsorptionInteractionThreshold int
	AbsorptionAlignmentThreshold   float64

	// §4.9 Metadata Broadcaster
	BroadcastInterval  time.Duration
	FullSnapshotEvery  int

	// §4.10 Rate Limiter
	RateLimitJoinsPerMinute    int
	RateLimitMessagesPerSecond int
	RateLimitBroadcastsPerSecond int

	// §4.11 WS Listener
	MaxConnections      int
	MaxObservers        int
	HeartbeatInterval   time.Duration
	HeartbeatTimeout    time.Duration
	SendTimeout         time.Duration
	CORSAllowedOrigins  []string

	// Logging
	LogLevel int
}

// Load builds a Config from the environment, applying the spec's stated
// defaults (§8.3: "Defaults match the spec's stated defaults exactly").
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bind := func(key, env string, def interface{}) {
		v.SetDefault(key, def)
		_ = v.BindEnv(key, env)
	}

	bind("port", "PORT", 8765)
	bind("data_dir", "RAIL_DATA_DIR", "./data")
	bind("admin_secret", "RAIL_ADMIN_SECRET", "")
	bind("auth_required", "RAIL_AUTH_REQUIRED", true)

	bind("coupling_initial", "RAIL_COUPLING_INITIAL", 0.7)
	bind("coupling_min", "RAIL_COUPLING_MIN", 0.1)
	bind("coupling_max", "RAIL_COUPLING_MAX", 3.0)
	bind("coupling_step", "RAIL_COUPLING_STEP", 0.05)
	bind("coherence_threshold", "RAIL_COHERENCE_THRESHOLD", 0.35)
	bind("groupthink_threshold", "RAIL_GROUPTHINK_THRESHOLD", 0.95)
	bind("cross_model_attenuation", "RAIL_CROSS_MODEL_ATTENUATION", 0.7)
	bind("stale_oscillator_ttl_seconds", "RAIL_STALE_OSCILLATOR_TTL_SECONDS", 30)
	bind("flood_reports_per_window", "RAIL_FLOOD_REPORTS_PER_WINDOW", 10)
	bind("flood_window_ms", "RAIL_FLOOD_WINDOW_MS", 1000)
	bind("flood_penalty", "RAIL_FLOOD_PENALTY", 0.1)
	bind("tick_interval_ms", "RAIL_TICK_INTERVAL_MS", 100)

	bind("router_weight_load", "RAIL_ROUTER_WEIGHT_LOAD", 0.2)
	bind("router_weight_coherence", "RAIL_ROUTER_WEIGHT_COHERENCE", 0.4)
	bind("router_weight_semantic", "RAIL_ROUTER_WEIGHT_SEMANTIC", 0.4)
	bind("router_temperature", "RAIL_ROUTER_TEMPERATURE", 0.8)

	bind("auth_token_max_age_seconds", "RAIL_AUTH_TOKEN_MAX_AGE_SECONDS", 30)
	bind("reconnect_token_ttl_minutes", "RAIL_RECONNECT_TOKEN_TTL_MINUTES", 5)
	bind("jwt_secret", "RAIL_JWT_SECRET", "")
	bind("jwt_token_expiry_minutes", "RAIL_JWT_TOKEN_EXPIRY_MINUTES", 15)

	bind("firewall_profile", "RAIL_FIREWALL_PROFILE", "standard")

	bind("absorption_interaction_threshold", "RAIL_ABSORPTION_INTERACTION_THRESHOLD", 3)
	bind("absorption_alignment_threshold", "RAIL_ABSORPTION_ALIGNMENT_THRESHOLD", 0.7)

	bind("broadcast_interval_ms", "RAIL_BROADCAST_INTERVAL_MS", 2000)
	bind("full_snapshot_every", "RAIL_FULL_SNAPSHOT_EVERY", 10)

	bind("rate_limit_joins_per_minute", "RAIL_RATE_LIMIT_JOINS_PER_MINUTE", 5)
	bind("rate_limit_messages_per_second", "RAIL_RATE_LIMIT_MESSAGES_PER_SECOND", 100)
	bind("rate_limit_broadcasts_per_second", "RAIL_RATE_LIMIT_BROADCASTS_PER_SECOND", 10)

	bind("max_connections", "RAIL_MAX_CONNECTIONS", 200)
	bind("max_observers", "RAIL_MAX_OBSERVERS", 50)
	bind("heartbeat_interval_seconds", "RAIL_HEARTBEAT_INTERVAL_SECONDS", 10)
	bind("heartbeat_timeout_seconds", "RAIL_HEARTBEAT_TIMEOUT_SECONDS", 30)
	bind("send_timeout_seconds", "RAIL_SEND_TIMEOUT_SECONDS", 60)
	bind("cors_allowed_origins", "RAIL_CORS_ALLOWED_ORIGINS", "")

	bind("log_level", "RAIL_LOG_LEVEL", 0)

	cfg := &Config{
		Port:                  v.GetInt("port"),
		DataDir:               v.GetString("data_dir"),
		AdminSecret:           v.GetString("admin_secret"),
		AuthRequired:          v.GetBool("auth_required"),
		CouplingInitial:       v.GetFloat64("coupling_initial"),
		CouplingMin:           v.GetFloat64("coupling_min"),
		CouplingMax:           v.GetFloat64("coupling_max"),
		CouplingStep:          v.GetFloat64("coupling_step"),
		CoherenceThreshold:    v.GetFloat64("coherence_threshold"),
		GroupthinkThreshold:   v.GetFloat64("groupthink_threshold"),
		CrossModelAttenuation: v.GetFloat64("cross_model_attenuation"),
		StaleOscillatorTTL:    time.Duration(v.GetInt("stale_oscillator_ttl_seconds")) * time.Second,
		FloodReportsPerWindow: v.GetInt("flood_reports_per_window"),
		FloodWindow:           time.Duration(v.GetInt("flood_window_ms")) * time.Millisecond,
		FloodPenalty:          v.GetFloat64("flood_penalty"),
		TickInterval:          time.Duration(v.GetInt("tick_interval_ms")) * time.Millisecond,

		RouterWeightLoad:      v.GetFloat64("router_weight_load"),
		RouterWeightCoherence: v.GetFloat64("router_weight_coherence"),
		RouterWeightSemantic:  v.GetFloat64("router_weight_semantic"),
		RouterTemperature:     v.GetFloat64("router_temperature"),

		AuthTokenMaxAge:   time.Duration(v.GetInt("auth_token_max_age_seconds")) * time.Second,
		ReconnectTokenTTL: time.Duration(v.GetInt("reconnect_token_ttl_minutes")) * time.Minute,
		JWTSecret:         v.GetString("jwt_secret"),
		JWTTokenExpiry:    time.Duration(v.GetInt("jwt_token_expiry_minutes")) * time.Minute,

		FirewallProfile: v.GetString("firewall_profile"),

		AbsorptionInteractionThreshold: v.GetInt("absorption_interaction_threshold"),
		AbsorptionAlignmentThreshold:   v.GetFloat64("absorption_alignment_threshold"),

		BroadcastInterval: time.Duration(v.GetInt("broadcast_interval_ms")) * time.Millisecond,
		FullSnapshotEvery: v.GetInt("full_snapshot_every"),

		RateLimitJoinsPerMinute:      v.GetInt("rate_limit_joins_per_minute"),
		RateLimitMessagesPerSecond:   v.GetInt("rate_limit_messages_per_second"),
		RateLimitBroadcastsPerSecond: v.GetInt("rate_limit_broadcasts_per_second"),

		MaxConnections:    v.GetInt("max_connections"),
		MaxObservers:      v.GetInt("max_observers"),
		HeartbeatInterval: time.Duration(v.GetInt("heartbeat_interval_seconds")) * time.Second,
		HeartbeatTimeout:  time.Duration(v.GetInt("heartbeat_timeout_seconds")) * time.Second,
		SendTimeout:       time.Duration(v.GetInt("send_timeout_seconds")) * time.Second,

		LogLevel: v.GetInt("log_level"),
	}

	if origins := v.GetString("cors_allowed_origins"); origins != "" {
		cfg.CORSAllowedOrigins = strings.Split(origins, ",")
	}

	return cfg, nil
}
