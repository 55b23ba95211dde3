package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Shard Metrics
// =============================================================================

var (
	// ShardOperationsTotal counts shard-local operations
	ShardOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fletch_shard_operations_total",
			Help: "Total number of shard-local operations",
		},
		[]string{"shard", "op", "result"}, // op: add, search, remove, get; result: ok, stale, error
	)

	// ShardVectors tracks the number of live vectors per shard
	ShardVectors = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fletch_shard_vectors",
			Help: "Current number of live vectors per shard",
		},
		[]string{"shard"},
	)

	// ShardSearchDurationSeconds measures shard-local search latency
	ShardSearchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fletch_shard_search_duration_seconds",
			Help:    "Latency of shard-local searches",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"shard"},
	)

	// SnapshotBytes tracks the compressed size of the last snapshot per shard
	SnapshotBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fletch_shard_snapshot_bytes",
			Help: "Size in bytes of the most recent shard snapshot",
		},
		[]string{"shard"},
	)
)

// =============================================================================
// Coordinator Metrics
// =============================================================================

var (
	// CoordinatorRequestsTotal counts client-facing operations
	CoordinatorRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fletch_requests_total",
			Help: "Total number of coordinator operations",
		},
		[]string{"op", "status"}, // status: ok, error
	)

	// CoordinatorDurationSeconds measures end-to-end coordinator latency
	CoordinatorDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fletch_request_duration_seconds",
			Help:    "Duration of coordinator operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// SearchFanoutShards observes how many shards each search probed
	SearchFanoutShards = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fletch_search_fanout_shards",
			Help:    "Number of shards probed per search",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		},
	)

	// SearchDegradedShardsTotal counts shards that failed or timed out during a search
	SearchDegradedShardsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fletch_search_degraded_shards_total",
			Help: "Shards treated as empty during a search",
		},
		[]string{"reason"}, // "timeout", "error", "unavailable"
	)

	// BatchFailedKeysTotal counts keys reported back in partial failures
	BatchFailedKeysTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fletch_batch_failed_keys_total",
			Help: "Total keys that did not commit in add_batch",
		},
	)

	// QuorumMissesTotal counts writes or reads that did not reach quorum in time
	QuorumMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fletch_quorum_misses_total",
			Help: "Operations that did not reach quorum before the deadline",
		},
		[]string{"op"}, // "write", "read"
	)

	// TopologyVersion tracks the current topology version
	TopologyVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fletch_topology_version",
			Help: "Current cluster topology version",
		},
	)

	// RebalanceMovedKeysTotal counts records moved by placement reconciliation
	RebalanceMovedKeysTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fletch_rebalance_moved_keys_total",
			Help: "Total records copied to a new placement during rebalance",
		},
	)

	// ShardFailoversTotal counts shards reported Failed by the detector
	ShardFailoversTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fletch_shard_failovers_total",
			Help: "Times a shard entered the Failed state",
		},
		[]string{"shard"},
	)
)
