// Package metrics exposes the engine's Prometheus collectors. All metrics
// share the "arb" namespace and are registered on the default registry, so
// the status server only needs to mount promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "arb"

var (
	// Feed ingest.
	FeedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "feed_events_total",
		Help:      "Market data events accepted by the aggregator.",
	}, []string{"venue", "kind"})

	FeedDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "feed_drops_total",
		Help:      "Events dropped because an ingest queue was full.",
	}, []string{"queue"})

	FeedInvalid = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "feed_invalid_total",
		Help:      "Events rejected by validation (crossed or one-sided books).",
	}, []string{"venue"})

	// Detection.
	Opportunities = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "opportunities_total",
		Help:      "Opportunities published by the analysis worker.",
	}, []string{"symbol", "kind"})

	// Execution.
	Trades = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trades_total",
		Help:      "Two-legged trade attempts by outcome.",
	}, []string{"symbol", "outcome"})

	SingleLegRepairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "single_leg_repairs_total",
		Help:      "Single-leg repair attempts by result.",
	}, []string{"venue", "result"})

	GateRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gate_rejections_total",
		Help:      "Opportunities rejected by a pre-submission gate.",
	}, []string{"symbol", "gate"})

	// Quarantine.
	Quarantined = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "quarantined_symbols",
		Help:      "Symbols currently in the WAITING state.",
	}, []string{"symbol"})

	Probes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "probes_total",
		Help:      "Hourly reduce-only probe orders by result.",
	}, []string{"venue", "result"})

	// Health.
	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnects_total",
		Help:      "Health-monitor triggered reconnects by venue.",
	}, []string{"venue"})

	Staleness = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "data_staleness_seconds",
		Help:      "Seconds since the last market data sample per venue and symbol.",
	}, []string{"venue", "symbol"})
)
