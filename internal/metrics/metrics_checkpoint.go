package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CheckpointDurationSeconds measures checkpoint creation latency
	CheckpointDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fletch_checkpoint_duration_seconds",
			Help:    "Duration of checkpoint creation",
			Buckets: prometheus.DefBuckets,
		},
	)

	// CheckpointsTotal counts checkpoint attempts by result
	CheckpointsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fletch_checkpoints_total",
			Help: "Checkpoint attempts",
		},
		[]string{"shard", "result"}, // "ok", "error"
	)

	// CheckpointsRetained tracks retained checkpoints per shard
	CheckpointsRetained = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fletch_checkpoints_retained",
			Help: "Checkpoints currently retained per shard",
		},
		[]string{"shard"},
	)

	// CheckpointsPrunedTotal counts checkpoints deleted by retention
	CheckpointsPrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fletch_checkpoints_pruned_total",
			Help: "Checkpoints deleted by retention pruning",
		},
	)

	// RestoresTotal counts shard restores by source
	RestoresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fletch_restores_total",
			Help: "Shard restores",
		},
		[]string{"source", "result"}, // source: "local", "archive", "save_all"
	)
)
