// Package ratelimit enforces the per-client sliding windows (C10): joins,
// messages, and broadcasts, each keyed by agentId. An exceeded window
// signals a violation; the caller is responsible for closing the socket
// and purging the offending entry (§4.10).
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Window names the three limited actions (§4.10).
type Window int

const (
	WindowJoin Window = iota
	WindowMessage
	WindowBroadcast
)

func (w Window) String() string {
	switch w {
	case WindowJoin:
		return "join"
	case WindowMessage:
		return "message"
	case WindowBroadcast:
		return "broadcast"
	default:
		return "unknown"
	}
}

// defaultBursts are the spec's stated per-window burst sizes, each over a
// one-window period (join: per minute, message/broadcast: per second).
var defaultBursts = map[Window]int{
	WindowJoin:      5,
	WindowMessage:   100,
	WindowBroadcast: 10,
}

var windowPeriods = map[Window]time.Duration{
	WindowJoin:      60 * time.Second,
	WindowMessage:   time.Second,
	WindowBroadcast: time.Second,
}

// Config tunes the per-window burst sizes, loaded from RAIL_RATE_LIMIT_*
// env overrides (§4.10). A zero field falls back to the spec default.
type Config struct {
	JoinsPerMinute      int
	MessagesPerSecond   int
	BroadcastsPerSecond int
}

func (c Config) burst(w Window) int {
	var configured int
	switch w {
	case WindowJoin:
		configured = c.JoinsPerMinute
	case WindowMessage:
		configured = c.MessagesPerSecond
	case WindowBroadcast:
		configured = c.BroadcastsPerSecond
	}
	if configured <= 0 {
		return defaultBursts[w]
	}
	return configured
}

func newLimiter(cfg Config, w Window) *rate.Limiter {
	burst := cfg.burst(w)
	period := windowPeriods[w]
	return rate.NewLimiter(rate.Every(period/time.Duration(burst)), burst)
}

// entry holds one client's three limiters, created lazily.
type entry struct {
	limiters [3]*rate.Limiter
}

func newEntry(cfg Config) *entry {
	e := &entry{}
	e.limiters[WindowJoin] = newLimiter(cfg, WindowJoin)
	e.limiters[WindowMessage] = newLimiter(cfg, WindowMessage)
	e.limiters[WindowBroadcast] = newLimiter(cfg, WindowBroadcast)
	return e
}

// Limiter tracks one bucket set per agentId across all three windows.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	clients map[string]*entry
}

// New builds an empty Limiter using cfg's configured burst sizes, falling
// back to the spec defaults for any unset field.
func New(cfg Config) *Limiter {
	return &Limiter{cfg: cfg, clients: make(map[string]*entry)}
}

// Allow consumes one token from agentId's bucket for window w. false means
// the window is exceeded and the caller must treat it as a violation.
func (l *Limiter) Allow(agentID string, w Window) bool {
	l.mu.Lock()
	e, ok := l.clients[agentID]
	if !ok {
		e = newEntry(l.cfg)
		l.clients[agentID] = e
	}
	l.mu.Unlock()

	return e.limiters[w].Allow()
}

// Purge removes agentId's bucket set entirely, done on disconnect or on a
// rate-limit violation (§4.10, §6 "Rate-limit violation").
func (l *Limiter) Purge(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, agentID)
}

// Count reports how many clients currently have bucket state, for metrics.
func (l *Limiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
