package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tokenOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dirgate",
			Name:      "token_operations_total",
			Help:      "Token operations by kind and outcome",
		},
		[]string{"operation", "outcome"},
	)

	sessionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dirgate",
			Name:      "session_events_total",
			Help:      "Session lifecycle events; an eviction also counts as a deletion",
		},
		[]string{"event"},
	)
)
