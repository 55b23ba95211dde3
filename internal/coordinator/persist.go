package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio"
	"golang.org/x/sync/errgroup"

	ferrors "github.com/23skdu/fletch/internal/errors"
	"github.com/23skdu/fletch/internal/metrics"
	"github.com/23skdu/fletch/internal/sharding"
)

const topologyFormat = 1

// topologyFile is written next to the shard snapshots by SaveAll.
type topologyFile struct {
	Format            int            `json:"format"`
	Dims              int            `json:"dims"`
	ReplicationFactor int            `json:"replication_factor"`
	TopologyVersion   uint64         `json:"topology_version"`
	VersionCounter    uint64         `json:"version_counter"`
	Writer            string         `json:"writer"`
	Strategy          sharding.State `json:"strategy"`
}

// ShardSnapshotPath is where SaveAll writes shard id.
func ShardSnapshotPath(base string, id int) string {
	return fmt.Sprintf("%s_shard_%d.snap", base, id)
}

// TopologyPath is where SaveAll writes the topology description.
func TopologyPath(base string) string {
	return base + "_topology.json"
}

func (c *Coordinator) ioLimit() int {
	if c.cfg.IOParallelism > 0 {
		return c.cfg.IOParallelism
	}
	return len(c.shards)
}

// SaveAll snapshots every shard and the topology under base. Shards that
// fail to save are reported together in a *PartialFailureError.
func (c *Coordinator) SaveAll(ctx context.Context, base string) (err error) {
	ctx, end := c.track(ctx, "save_all")
	defer func() { end(err) }()

	c.topoMu.RLock()
	defer c.topoMu.RUnlock()

	if dir := filepath.Dir(base); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return ferrors.WrapStorageError(err, "save_all", "create directory")
		}
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	pf := ferrors.NewPartialFailure("save_all")
	g.SetLimit(c.ioLimit())
	for _, n := range c.shards {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				mu.Lock()
				pf.AddShard(n.ID(), ferrors.WrapTimeoutError(err, "save_all", "context done"))
				mu.Unlock()
				return nil
			}
			if _, err := n.Snapshot(ShardSnapshotPath(base, n.ID())); err != nil {
				mu.Lock()
				pf.AddShard(n.ID(), err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if perr := pf.ErrOrNil(); perr != nil {
		return perr
	}

	topo := topologyFile{
		Format:            topologyFormat,
		Dims:              c.cfg.Dims,
		ReplicationFactor: c.cfg.ReplicationFactor,
		TopologyVersion:   c.topoVersion,
		VersionCounter:    c.seq.Load(),
		Writer:            c.writer,
		Strategy:          c.strategy.State(),
	}
	data, err := json.MarshalIndent(topo, "", "  ")
	if err != nil {
		return ferrors.WrapStorageError(err, "save_all", "encode topology")
	}
	if err := renameio.WriteFile(TopologyPath(base), data, 0o644); err != nil {
		return ferrors.WrapStorageError(err, "save_all", "write topology")
	}

	c.logger.Info().Str("base", base).Int("shards", len(c.shards)).Msg("Cluster saved")
	return nil
}

// LoadAll replaces every shard and the strategy with what SaveAll wrote
// under base. The saved cluster must have the same shard count, strategy
// kind and dimension.
func (c *Coordinator) LoadAll(ctx context.Context, base string) (err error) {
	ctx, end := c.track(ctx, "load_all")
	defer func() { end(err) }()

	data, err := os.ReadFile(TopologyPath(base))
	if err != nil {
		if os.IsNotExist(err) {
			return ferrors.NewNotFoundError("load_all", TopologyPath(base))
		}
		return ferrors.WrapStorageError(err, "load_all", "read topology")
	}
	var topo topologyFile
	if err := json.Unmarshal(data, &topo); err != nil {
		return ferrors.WrapStorageError(err, "load_all", "decode topology")
	}

	c.topoMu.Lock()
	defer c.topoMu.Unlock()

	switch {
	case topo.Format != topologyFormat:
		return ferrors.NewValidationError("load_all", fmt.Sprintf("unsupported topology format %d", topo.Format))
	case topo.Strategy.ShardCount != len(c.shards):
		return ferrors.NewValidationError("load_all",
			fmt.Sprintf("saved cluster has %d shards, this one has %d", topo.Strategy.ShardCount, len(c.shards)))
	case topo.Strategy.Kind != c.strategy.Kind():
		return ferrors.NewValidationError("load_all",
			fmt.Sprintf("saved cluster uses %s sharding, this one uses %s", topo.Strategy.Kind, c.strategy.Kind()))
	case topo.Dims != c.cfg.Dims:
		return ferrors.NewValidationError("load_all",
			fmt.Sprintf("saved cluster has dimension %d, this one has %d", topo.Dims, c.cfg.Dims))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.ioLimit())
	for _, n := range c.shards {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return ferrors.WrapTimeoutError(err, "load_all", "context done")
			}
			if err := n.Restore(ShardSnapshotPath(base, n.ID())); err != nil {
				return fmt.Errorf("shard %d: %w", n.ID(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		metrics.RestoresTotal.WithLabelValues("save_all", "error").Inc()
		return err
	}

	if err := c.strategy.RestoreState(topo.Strategy); err != nil {
		return err
	}
	c.topoVersion = topo.TopologyVersion
	c.advanceVersion(topo.VersionCounter)
	for _, n := range c.shards {
		c.advanceVersion(n.MaxSeq())
	}
	metrics.TopologyVersion.Set(float64(c.topoVersion))
	metrics.RestoresTotal.WithLabelValues("save_all", "ok").Inc()
	c.logger.Info().Str("base", base).Uint64("topology_version", c.topoVersion).Msg("Cluster loaded")
	return nil
}
