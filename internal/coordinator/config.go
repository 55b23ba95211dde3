package coordinator

import (
	"fmt"
	"time"

	"github.com/23skdu/fletch/internal/core"
	ferrors "github.com/23skdu/fletch/internal/errors"
	"github.com/23skdu/fletch/internal/health"
	"github.com/23skdu/fletch/internal/index"
	"github.com/23skdu/fletch/internal/replication"
	"github.com/23skdu/fletch/internal/sharding"
)

// CheckpointConfig enables per-shard checkpoint managers when Dir is set.
type CheckpointConfig struct {
	Dir            string
	Interval       time.Duration
	MaxCheckpoints int
	// Manifest is "file" (default) or "badger".
	Manifest string
}

// Config describes a cluster.
type Config struct {
	ShardCount int
	Dims       int
	// Capacity bounds each shard; 0 means unbounded.
	Capacity int
	Metric   core.DistanceMetric
	Index    index.Kind
	HNSW     index.HNSWConfig

	Strategy     sharding.Kind
	VirtualNodes int
	// KeyMin and KeyMax bound the uniform ranges of a range strategy.
	KeyMin uint64
	KeyMax uint64
	// Centroids seed a cluster strategy, one per shard.
	Centroids [][]float32

	ReplicationFactor int
	WriteQuorum       int
	ReadQuorum        int

	WriteTimeout  time.Duration
	SearchTimeout time.Duration
	BatchTimeout  time.Duration
	// IOParallelism bounds concurrent snapshot and restore work in SaveAll/LoadAll.
	IOParallelism int

	// HeartbeatInterval drives in-process heartbeats for local shards; 0
	// leaves liveness to an external heartbeat source.
	HeartbeatInterval time.Duration
	// AddressPrefix names shards in the failure detector.
	AddressPrefix string
	// WriterID breaks version ties; a uuid is generated when empty.
	WriterID string

	Replication replication.Config
	Detector    health.Config
	Checkpoint  CheckpointConfig
}

func DefaultConfig() Config {
	return Config{
		ShardCount:        4,
		Dims:              128,
		Metric:            core.MetricEuclidean,
		Index:             index.KindFlat,
		HNSW:              index.DefaultHNSWConfig(),
		Strategy:          sharding.KindHash,
		VirtualNodes:      sharding.DefaultVirtualNodes,
		KeyMin:            0,
		KeyMax:            1 << 32,
		ReplicationFactor: 1,
		WriteQuorum:       1,
		ReadQuorum:        1,
		WriteTimeout:      100 * time.Millisecond,
		SearchTimeout:     time.Second,
		BatchTimeout:      5 * time.Second,
		IOParallelism:     4,
		HeartbeatInterval: 500 * time.Millisecond,
		AddressPrefix:     "shard",
		Replication:       replication.DefaultConfig(),
		Detector:          health.DefaultConfig(),
	}
}

// ShardAddress is the failure-detector address of shard i.
func (c Config) ShardAddress(i int) string {
	return fmt.Sprintf("%s-%d", c.AddressPrefix, i)
}

// Validate rejects configurations the coordinator cannot run with.
func (c Config) Validate() error {
	if c.ShardCount <= 0 {
		return ferrors.NewConfigurationError("config", "shard count must be positive")
	}
	if c.Dims <= 0 {
		return ferrors.NewConfigurationError("config", "dimension must be positive")
	}
	if c.Capacity < 0 {
		return ferrors.NewConfigurationError("config", "capacity must not be negative")
	}
	if c.ReplicationFactor < 1 {
		return ferrors.NewConfigurationError("config", "replication factor must be at least 1")
	}
	if c.ReplicationFactor > c.ShardCount {
		return ferrors.NewConfigurationError("config",
			fmt.Sprintf("replication factor %d exceeds %d shards", c.ReplicationFactor, c.ShardCount))
	}
	if c.WriteQuorum < 1 || c.WriteQuorum > c.ReplicationFactor {
		return ferrors.NewConfigurationError("config", "write quorum must be between 1 and the replication factor")
	}
	if c.ReadQuorum < 1 || c.ReadQuorum > c.ReplicationFactor {
		return ferrors.NewConfigurationError("config", "read quorum must be between 1 and the replication factor")
	}
	if c.SearchTimeout <= 0 || c.BatchTimeout <= 0 || c.WriteTimeout <= 0 {
		return ferrors.NewConfigurationError("config", "timeouts must be positive")
	}
	switch c.Strategy {
	case sharding.KindHash, sharding.KindRange, sharding.KindCluster:
	default:
		return ferrors.NewConfigurationError("config", fmt.Sprintf("unknown strategy %q", c.Strategy))
	}
	if c.VirtualNodes < 0 {
		return ferrors.NewConfigurationError("config", "virtual nodes must not be negative")
	}
	switch c.Checkpoint.Manifest {
	case "", "file", "badger":
	default:
		return ferrors.NewConfigurationError("config", fmt.Sprintf("unknown manifest %q", c.Checkpoint.Manifest))
	}
	return nil
}

// NewStrategy builds the placement strategy described by c.
func (c Config) NewStrategy() (*sharding.Strategy, error) {
	switch c.Strategy {
	case sharding.KindHash:
		return sharding.NewHash(c.ShardCount, c.VirtualNodes)
	case sharding.KindRange:
		return sharding.NewUniformRange(c.KeyMin, c.KeyMax, c.ShardCount)
	case sharding.KindCluster:
		if len(c.Centroids) != c.ShardCount {
			return nil, ferrors.NewConfigurationError("config",
				fmt.Sprintf("%d centroids for %d shards", len(c.Centroids), c.ShardCount))
		}
		return sharding.NewCluster(c.Centroids, c.Metric)
	default:
		return nil, ferrors.NewConfigurationError("config", fmt.Sprintf("unknown strategy %q", c.Strategy))
	}
}
