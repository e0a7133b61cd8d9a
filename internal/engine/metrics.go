package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts engine activity. Collectors are created unregistered when
// the registerer is nil, so library users who don't run Prometheus pay
// nothing beyond an atomic increment.
type Metrics struct {
	Drains    prometheus.Counter
	Synced    prometheus.Counter
	Conflicts prometheus.Counter
	Retries   prometheus.Counter
	Failures  prometheus.Counter
}

// NewMetrics creates the engine's counters on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Drains: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_drains_total",
			Help: "Number of completed drain passes.",
		}),
		Synced: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_mutations_synced_total",
			Help: "Number of mutations acknowledged by the server.",
		}),
		Conflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_conflicts_total",
			Help: "Number of detected server divergences.",
		}),
		Retries: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_retries_total",
			Help: "Number of transient failures returned to the queue.",
		}),
		Failures: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_failures_total",
			Help: "Number of mutations that failed permanently.",
		}),
	}
}
