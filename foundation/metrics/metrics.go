// Package metrics exposes the node's operational counters to prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the chain state collectors. A nil *Metrics is valid and
// records nothing, so the core never branches on whether metrics are on.
type Metrics struct {
	registry *prometheus.Registry

	BlocksApplied    prometheus.Counter
	ForkSwitches     prometheus.Counter
	TransactionsSeen prometheus.Counter
	PendingDepth     prometheus.Gauge
}

// New constructs and registers the collectors.
func New() *Metrics {
	m := Metrics{
		registry: prometheus.NewRegistry(),
		BlocksApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chain",
			Name:      "blocks_applied_total",
			Help:      "Blocks applied to the committed history.",
		}),
		ForkSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chain",
			Name:      "fork_switches_total",
			Help:      "Completed switches to a longer competing fork.",
		}),
		TransactionsSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chain",
			Name:      "transactions_total",
			Help:      "Transactions accepted into the pending pool.",
		}),
		PendingDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chain",
			Name:      "pending_transactions",
			Help:      "Transactions currently in the pending pool.",
		}),
	}

	m.registry.MustRegister(m.BlocksApplied, m.ForkSwitches, m.TransactionsSeen, m.PendingDepth)

	return &m
}

// Handler returns the HTTP handler serving the collected metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// =============================================================================
// Nil-safe recording helpers.

// IncBlocksApplied records one applied block.
func (m *Metrics) IncBlocksApplied() {
	if m == nil {
		return
	}
	m.BlocksApplied.Inc()
}

// IncForkSwitches records one completed fork switch.
func (m *Metrics) IncForkSwitches() {
	if m == nil {
		return
	}
	m.ForkSwitches.Inc()
}

// IncTransactions records one accepted transaction.
func (m *Metrics) IncTransactions() {
	if m == nil {
		return
	}
	m.TransactionsSeen.Inc()
}

// SetPendingDepth records the pending pool depth.
func (m *Metrics) SetPendingDepth(n int) {
	if m == nil {
		return
	}
	m.PendingDepth.Set(float64(n))
}
