package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/23skdu/fletch/internal/checkpoint"
	"github.com/23skdu/fletch/internal/coordinator"
	"github.com/23skdu/fletch/internal/core"
	"github.com/23skdu/fletch/internal/index"
	"github.com/23skdu/fletch/internal/limiter"
	"github.com/23skdu/fletch/internal/sharding"
	"github.com/23skdu/fletch/internal/tracing"
)

// envPrefix namespaces every environment variable, e.g. FLETCH_SHARD_COUNT.
const envPrefix = "FLETCH"

// Config validation errors
var (
	ErrInvalidListenAddr    = errors.New("listen_addr cannot be empty")
	ErrInvalidMetricsAddr   = errors.New("metrics_addr cannot be empty")
	ErrInvalidShardCount    = errors.New("shard_count must be positive")
	ErrInvalidDims          = errors.New("dims must be positive")
	ErrInvalidReplication   = errors.New("replication_factor must be between 1 and shard_count")
	ErrInvalidQuorum        = errors.New("write_quorum and read_quorum must be between 1 and replication_factor")
	ErrInvalidMetric        = errors.New("metric must be 'euclidean' or 'cosine'")
	ErrInvalidIndex         = errors.New("index must be 'flat' or 'hnsw'")
	ErrInvalidStrategy      = errors.New("strategy must be 'hash', 'range' or 'cluster'")
	ErrInvalidTimeout       = errors.New("write, search and batch timeouts must be positive")
	ErrInvalidDetector      = errors.New("detector_timeout, detector_interval and failure_threshold must be positive")
	ErrInvalidShardTargets  = errors.New("shard_targets must list one target per shard")
	ErrInvalidLogFormat     = errors.New("log_format must be 'json' or 'console'")
	ErrInvalidLogLevel      = errors.New("log_level must be debug, info, warn, or error")
	ErrInvalidKeepAliveTime = errors.New("keepalive_time must be positive")
	ErrClusterNeedsSample   = errors.New("cluster strategy needs centroids, serve only supports hash and range")
)

// Config is the process configuration, read from FLETCH_* variables.
type Config struct {
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:"0.0.0.0:3000"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:"0.0.0.0:9090"`
	// DataPath is the SaveAll/LoadAll base; empty disables save on shutdown.
	DataPath string `envconfig:"DATA_PATH" default:"./data/fletch"`

	ShardCount        int           `envconfig:"SHARD_COUNT" default:"4"`
	Dims              int           `envconfig:"DIMS" default:"128"`
	Capacity          int           `envconfig:"CAPACITY" default:"0"`
	Metric            string        `envconfig:"METRIC" default:"euclidean"`
	Index             string        `envconfig:"INDEX" default:"hnsw"`
	HNSWM             int           `envconfig:"HNSW_M" default:"16"`
	HNSWEfSearch      int           `envconfig:"HNSW_EF_SEARCH" default:"64"`
	Strategy          string        `envconfig:"STRATEGY" default:"hash"`
	VirtualNodes      int           `envconfig:"VIRTUAL_NODES" default:"100"`
	KeyMax            uint64        `envconfig:"KEY_MAX" default:"4294967296"`
	ReplicationFactor int           `envconfig:"REPLICATION_FACTOR" default:"1"`
	WriteQuorum       int           `envconfig:"WRITE_QUORUM" default:"1"`
	ReadQuorum        int           `envconfig:"READ_QUORUM" default:"1"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"100ms"`
	SearchTimeout     time.Duration `envconfig:"SEARCH_TIMEOUT" default:"1s"`
	BatchTimeout      time.Duration `envconfig:"BATCH_TIMEOUT" default:"5s"`

	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"500ms"`
	DetectorTimeout   time.Duration `envconfig:"DETECTOR_TIMEOUT" default:"3s"`
	DetectorInterval  time.Duration `envconfig:"DETECTOR_INTERVAL" default:"1s"`
	FailureThreshold  int           `envconfig:"FAILURE_THRESHOLD" default:"3"`
	// ShardTargets switches liveness to gRPC health probes, one dial target per shard.
	ShardTargets []string `envconfig:"SHARD_TARGETS"`

	CheckpointDir      string        `envconfig:"CHECKPOINT_DIR"`
	CheckpointInterval time.Duration `envconfig:"CHECKPOINT_INTERVAL" default:"1m"`
	MaxCheckpoints     int           `envconfig:"MAX_CHECKPOINTS" default:"5"`
	CheckpointManifest string        `envconfig:"CHECKPOINT_MANIFEST" default:"file"`

	ReplicationLimit limiter.Config         `envconfig:"REPLICATION_RATE_LIMIT"`
	RateLimit        limiter.Config         `envconfig:"RATE_LIMIT"`
	Archive          checkpoint.MinioConfig `envconfig:"ARCHIVE"`
	Tracing          tracing.Config         `envconfig:"TRACING"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	KeepAliveTime                time.Duration `envconfig:"KEEPALIVE_TIME" default:"2h"`
	KeepAliveTimeout             time.Duration `envconfig:"KEEPALIVE_TIMEOUT" default:"20s"`
	KeepAliveMinTime             time.Duration `envconfig:"KEEPALIVE_MIN_TIME" default:"5m"`
	KeepAlivePermitWithoutStream bool          `envconfig:"KEEPALIVE_PERMIT_WITHOUT_STREAM" default:"false"`
}

// LoadConfig reads envFile (if it exists) into the environment and then
// processes FLETCH_* variables. Variables already set win over the file.
func LoadConfig(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("process environment: %w", err)
	}
	return cfg, ValidateConfig(&cfg)
}

// ValidateConfig validates the configuration and returns an error if invalid
func ValidateConfig(cfg *Config) error {
	if cfg.ListenAddr == "" {
		return ErrInvalidListenAddr
	}
	if cfg.MetricsAddr == "" {
		return ErrInvalidMetricsAddr
	}
	if cfg.ShardCount <= 0 {
		return ErrInvalidShardCount
	}
	if cfg.Dims <= 0 {
		return ErrInvalidDims
	}
	if cfg.ReplicationFactor < 1 || cfg.ReplicationFactor > cfg.ShardCount {
		return ErrInvalidReplication
	}
	if cfg.WriteQuorum < 1 || cfg.WriteQuorum > cfg.ReplicationFactor ||
		cfg.ReadQuorum < 1 || cfg.ReadQuorum > cfg.ReplicationFactor {
		return ErrInvalidQuorum
	}
	if _, err := core.ParseMetric(cfg.Metric); err != nil {
		return ErrInvalidMetric
	}
	if cfg.Index != string(index.KindFlat) && cfg.Index != string(index.KindHNSW) {
		return ErrInvalidIndex
	}
	kind, err := sharding.ParseKind(cfg.Strategy)
	if err != nil {
		return ErrInvalidStrategy
	}
	if kind == sharding.KindCluster {
		return ErrClusterNeedsSample
	}
	if cfg.WriteTimeout <= 0 || cfg.SearchTimeout <= 0 || cfg.BatchTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if cfg.DetectorTimeout <= 0 || cfg.DetectorInterval <= 0 || cfg.FailureThreshold <= 0 {
		return ErrInvalidDetector
	}
	if len(cfg.ShardTargets) > 0 && len(cfg.ShardTargets) != cfg.ShardCount {
		return ErrInvalidShardTargets
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return ErrInvalidLogFormat
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" && cfg.LogLevel != "error" {
		return ErrInvalidLogLevel
	}
	if cfg.KeepAliveTime <= 0 {
		return ErrInvalidKeepAliveTime
	}
	return nil
}

// CoordinatorConfig maps the process configuration onto a cluster.
func (c *Config) CoordinatorConfig() coordinator.Config {
	cc := coordinator.DefaultConfig()
	cc.ShardCount = c.ShardCount
	cc.Dims = c.Dims
	cc.Capacity = c.Capacity
	cc.Metric, _ = core.ParseMetric(c.Metric)
	cc.Index = index.Kind(c.Index)
	cc.HNSW = index.HNSWConfig{M: c.HNSWM, EfSearch: c.HNSWEfSearch}
	cc.Strategy, _ = sharding.ParseKind(c.Strategy)
	cc.VirtualNodes = c.VirtualNodes
	cc.KeyMax = c.KeyMax
	cc.ReplicationFactor = c.ReplicationFactor
	cc.WriteQuorum = c.WriteQuorum
	cc.ReadQuorum = c.ReadQuorum
	cc.WriteTimeout = c.WriteTimeout
	cc.SearchTimeout = c.SearchTimeout
	cc.BatchTimeout = c.BatchTimeout
	cc.HeartbeatInterval = c.HeartbeatInterval
	if len(c.ShardTargets) > 0 {
		cc.HeartbeatInterval = 0
	}
	cc.Detector.Timeout = c.DetectorTimeout
	cc.Detector.Interval = c.DetectorInterval
	cc.Detector.FailureThreshold = c.FailureThreshold
	cc.Replication.Limit = c.ReplicationLimit
	cc.Checkpoint = coordinator.CheckpointConfig{
		Dir:            c.CheckpointDir,
		Interval:       c.CheckpointInterval,
		MaxCheckpoints: c.MaxCheckpoints,
		Manifest:       c.CheckpointManifest,
	}
	return cc
}

// BuildGRPCServerOptions returns the keepalive options for the health server.
func (c *Config) BuildGRPCServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    c.KeepAliveTime,
			Timeout: c.KeepAliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             c.KeepAliveMinTime,
			PermitWithoutStream: c.KeepAlivePermitWithoutStream,
		}),
	}
}
