// Package metrics holds the Prometheus collectors exported by both processes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "volumegate"

// ExchangeRequests counts balance requests per exchange and outcome
// (ok, status_error, transport_error, malformed).
var ExchangeRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "exchange",
		Name:      "requests_total",
		Help:      "Balance requests sent to exchanges by outcome",
	},
	[]string{"exchange", "outcome"},
)

// ExchangeLatency observes the round trip of a balance request
var ExchangeLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "exchange",
		Name:      "request_duration_seconds",
		Help:      "Latency of exchange balance requests",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"exchange"},
)

// VolumeChecks counts /check-volume calls by outcome
var VolumeChecks = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "web",
		Name:      "volume_checks_total",
		Help:      "Volume checks served by the web surface",
	},
	[]string{"outcome"},
)

// PrunedMembers counts pruner decisions (removed, kept, skipped, unknown, failed)
var PrunedMembers = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pruner",
		Name:      "members_total",
		Help:      "Channel members processed by the pruner by decision",
	},
	[]string{"decision"},
)

// PrunerRuns counts completed pruner runs
var PrunerRuns = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pruner",
		Name:      "runs_total",
		Help:      "Pruner runs by result",
	},
	[]string{"result"},
)
