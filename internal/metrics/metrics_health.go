package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DetectorTransitionsTotal counts failure detector state changes
	DetectorTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fletch_detector_transitions_total",
			Help: "Node state transitions observed by the failure detector",
		},
		[]string{"to"}, // "healthy", "suspected", "failed"
	)

	// DetectorNodes tracks registered nodes per state
	DetectorNodes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fletch_detector_nodes",
			Help: "Registered nodes per health state",
		},
		[]string{"state"},
	)

	// HeartbeatsTotal counts heartbeats received, by source
	HeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fletch_heartbeats_total",
			Help: "Heartbeats received by the failure detector",
		},
		[]string{"source"}, // "direct", "grpc"
	)

	// ProbeFailuresTotal counts failed gRPC health probes
	ProbeFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fletch_probe_failures_total",
			Help: "gRPC health probes that did not report SERVING",
		},
	)
)

// BreakerTransitionsTotal counts circuit breaker state changes by target and new state
var BreakerTransitionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fletch_breaker_transitions_total",
		Help: "Circuit breaker state transitions by target and new state",
	},
	[]string{"target", "state"},
)
