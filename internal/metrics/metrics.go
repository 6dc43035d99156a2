// Package metrics exposes prometheus instrumentation for the pairing
// core. Collectors register on the default registry; serve them with
// promhttp.Handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueJoins counts queue join attempts by result ("ok", "error").
	QueueJoins = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pairing",
		Name:      "queue_joins_total",
		Help:      "Queue join attempts by result.",
	}, []string{"result"})

	// TokensSpent counts optimistic token debits recorded at queue join.
	TokensSpent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pairing",
		Name:      "tokens_spent_total",
		Help:      "Tokens optimistically debited for queue joins.",
	})

	// TokensRefunded counts tokens credited back after leaving the queue.
	TokensRefunded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pairing",
		Name:      "tokens_refunded_total",
		Help:      "Tokens credited back after leaving the queue.",
	})

	// DecisionsResolved counts resolved sessions by outcome and by which
	// channel won the resolution race ("rest", "push").
	DecisionsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pairing",
		Name:      "decisions_resolved_total",
		Help:      "Resolved pairing sessions by outcome and source channel.",
	}, []string{"outcome", "source"})

	// AutoPasses counts auto-pass timer firings that actually submitted.
	AutoPasses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pairing",
		Name:      "auto_passes_total",
		Help:      "PASS submissions triggered by the decision timer.",
	})
)
