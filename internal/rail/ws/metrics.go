package ws

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/resonance-rail/railserver/internal/rail/core"
)

// railMetrics exposes Core.Stats() as a set of Prometheus gauges/counters,
// read fresh on every scrape rather than kept current by a background
// updater — Core.Stats() is cheap (one round-trip through the Run
// goroutine) and this avoids a second ticker racing the tick loop's own
// (§8 invariant 7, grounded on octoreflex's dedicated-registry pattern so
// these metrics never collide with another instrumented library sharing
// the process).
type railMetrics struct {
	core     *core.Core
	registry *prometheus.Registry

	clients           *prometheus.GaugeFunc
	observers         *prometheus.GaugeFunc
	coherence         *prometheus.GaugeFunc
	messagesProcessed *prometheus.GaugeFunc
	messageSeq        *prometheus.GaugeFunc
	paused            *prometheus.GaugeFunc
}

func newRailMetrics(c *core.Core) *railMetrics {
	reg := prometheus.NewRegistry()
	m := &railMetrics{core: c, registry: reg}

	m.clients = gaugeFunc(reg, "rail_clients_connected", "Number of connected clients, including observers.", func() float64 {
		return float64(c.Stats().ClientCount)
	})
	m.observers = gaugeFunc(reg, "rail_observers_connected", "Number of connected observer clients.", func() float64 {
		return float64(c.Stats().ObserverCount)
	})
	m.coherence = gaugeFunc(reg, "rail_coherence_r", "Current Kuramoto order parameter (group coherence, 0-1).", func() float64 {
		return c.Stats().Coherence
	})
	m.messagesProcessed = gaugeFunc(reg, "rail_messages_processed_total", "Total messages processed by the dispatcher since start.", func() float64 {
		return float64(c.Stats().MessagesProcessed)
	})
	m.messageSeq = gaugeFunc(reg, "rail_message_log_seq", "Current message log sequence cursor.", func() float64 {
		return float64(c.Stats().MessageSeq)
	})
	m.paused = gaugeFunc(reg, "rail_paused", "1 if the rail is currently paused, 0 otherwise.", func() float64 {
		if c.Stats().Paused {
			return 1
		}
		return 0
	})

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return m
}

func gaugeFunc(reg *prometheus.Registry, name, help string, fn func() float64) *prometheus.GaugeFunc {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn)
	reg.MustRegister(g)
	return g
}

func (m *railMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
}
