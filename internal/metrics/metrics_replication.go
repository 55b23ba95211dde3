package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReplicationQueueDepth tracks pending propagation tasks per target shard
	ReplicationQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fletch_replication_queue_depth",
			Help: "Pending replication tasks per target shard",
		},
		[]string{"shard"},
	)

	// ReplicationAppliedTotal counts mutations applied on replicas
	ReplicationAppliedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fletch_replication_applied_total",
			Help: "Mutations applied on replica shards",
		},
		[]string{"shard"},
	)

	// ReplicationRetriesTotal counts backoff retries per target shard
	ReplicationRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fletch_replication_retries_total",
			Help: "Replication attempts that were retried with backoff",
		},
		[]string{"shard", "reason"}, // reason: "failed", "error"
	)

	// ReplicationDroppedTotal counts tasks discarded by DropReplica or shutdown
	ReplicationDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fletch_replication_dropped_total",
			Help: "Replication tasks discarded before being applied",
		},
		[]string{"shard"},
	)
)

// RateLimitRequestsTotal counts token bucket decisions
var RateLimitRequestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fletch_rate_limit_requests_total",
		Help: "Rate limiter decisions",
	},
	[]string{"scope", "result"}, // result: "allowed", "throttled"
)
