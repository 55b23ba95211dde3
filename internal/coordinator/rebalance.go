package coordinator

import (
	"context"
	"fmt"

	"github.com/23skdu/fletch/internal/core"
	ferrors "github.com/23skdu/fletch/internal/errors"
	"github.com/23skdu/fletch/internal/metrics"
	"github.com/23skdu/fletch/internal/sharding"
)

// SplitShard splits a range shard at splitPoint and moves the upper half
// to a new shard. It returns the new shard's id.
func (c *Coordinator) SplitShard(ctx context.Context, shardID int, splitPoint uint64) (newID int, err error) {
	ctx, end := c.track(ctx, "split_shard")
	defer func() { end(err) }()

	c.topoMu.Lock()
	defer c.topoMu.Unlock()

	if c.strategy.Kind() != sharding.KindRange {
		return -1, ferrors.NewValidationError("split_shard", fmt.Sprintf("%s strategy cannot split shards", c.strategy.Kind()))
	}
	if err := c.drainLocked(ctx, "split_shard"); err != nil {
		return -1, err
	}
	newID, err = c.strategy.SplitShard(shardID, splitPoint)
	if err != nil {
		return -1, err
	}
	if err := c.growLocked(newID); err != nil {
		return -1, err
	}
	moved, err := c.reconcileLocked(ctx)
	c.bumpTopologyLocked("split_shard", moved)
	return newID, err
}

// AddShard grows a hash cluster by one shard and moves the keys the ring
// now places on it.
func (c *Coordinator) AddShard(ctx context.Context) (newID int, err error) {
	ctx, end := c.track(ctx, "add_shard")
	defer func() { end(err) }()

	c.topoMu.Lock()
	defer c.topoMu.Unlock()

	if c.strategy.Kind() != sharding.KindHash {
		return -1, ferrors.NewValidationError("add_shard", fmt.Sprintf("%s strategy cannot add shards, use split or retrain", c.strategy.Kind()))
	}
	if err := c.drainLocked(ctx, "add_shard"); err != nil {
		return -1, err
	}
	newID, err = c.strategy.AddShard()
	if err != nil {
		return -1, err
	}
	if err := c.growLocked(newID); err != nil {
		return -1, err
	}
	moved, err := c.reconcileLocked(ctx)
	c.bumpTopologyLocked("add_shard", moved)
	return newID, err
}

// Retrain recomputes cluster centroids from sample. Existing keys keep
// their shard, so no data moves until the next Rebalance.
func (c *Coordinator) Retrain(ctx context.Context, sample [][]float32) (err error) {
	_, end := c.track(ctx, "retrain")
	defer func() { end(err) }()

	c.topoMu.Lock()
	defer c.topoMu.Unlock()

	if err := c.strategy.Retrain(sample); err != nil {
		return err
	}
	c.bumpTopologyLocked("retrain", 0)
	return nil
}

// Rebalance re-places every live record under the current strategy and
// replication factor. Cluster-sharded keys move to their nearest current
// centroid.
func (c *Coordinator) Rebalance(ctx context.Context) (moved int, err error) {
	ctx, end := c.track(ctx, "rebalance")
	defer func() { end(err) }()

	c.topoMu.Lock()
	defer c.topoMu.Unlock()

	if err := c.drainLocked(ctx, "rebalance"); err != nil {
		return 0, err
	}
	moved, err = c.reconcileLocked(ctx)
	c.bumpTopologyLocked("rebalance", moved)
	return moved, err
}

// drainLocked waits up to BatchTimeout for every replication queue to
// empty. Writers enqueue only under the shared topology lock, so once the
// queues drain no mutation planned against the old placement remains.
func (c *Coordinator) drainLocked(ctx context.Context, op string) error {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.BatchTimeout)
	defer cancel()
	if err := c.repl.Flush(dctx); err != nil {
		c.logger.Warn().
			Str("op", op).
			Int("replication_backlog", c.repl.TotalDepth()).
			Msg("Replication backlog did not drain, topology unchanged")
		return err
	}
	return nil
}

func (c *Coordinator) growLocked(id int) error {
	if id != len(c.shards) {
		return ferrors.NewValidationError("grow", fmt.Sprintf("new shard id %d, expected %d", id, len(c.shards)))
	}
	n, err := c.appendShardLocked(id)
	if err != nil {
		return err
	}
	c.assignReplicasLocked()
	return c.ckpt.add(n)
}

func (c *Coordinator) bumpTopologyLocked(op string, moved int) {
	c.topoVersion++
	metrics.TopologyVersion.Set(float64(c.topoVersion))
	c.logger.Info().
		Str("op", op).
		Uint64("topology_version", c.topoVersion).
		Int("shards", len(c.shards)).
		Int("moved", moved).
		Msg("Topology changed")
}

// reconcileLocked copies every live record onto the shards of its current
// placement, keeping its version, and evicts it from shards outside the
// placement. It returns how many records left a shard.
func (c *Coordinator) reconcileLocked(ctx context.Context) (int, error) {
	moved := 0
	for _, src := range c.shards {
		var evict []uint64
		it := src.Keys().Iterator()
		for it.HasNext() {
			if err := ctx.Err(); err != nil {
				return moved, ferrors.WrapTimeoutError(err, "rebalance", "context done mid-rebalance")
			}
			key := it.Next()
			rec, err := src.Get(ctx, key)
			if err != nil {
				continue
			}
			primary, err := c.strategy.Reassign(key, rec.Vector)
			if err != nil {
				return moved, err
			}
			keep, err := c.placeLocked(ctx, src.ID(), primary, rec)
			if err != nil {
				return moved, err
			}
			if !keep {
				evict = append(evict, key)
			}
		}
		if len(evict) > 0 {
			moved += src.Evict(evict...)
		}
	}
	metrics.RebalanceMovedKeysTotal.Add(float64(moved))
	return moved, nil
}

// placeLocked writes rec to every placement shard other than src and
// reports whether src itself belongs to the placement.
func (c *Coordinator) placeLocked(ctx context.Context, src, primary int, rec core.Record) (bool, error) {
	keep := false
	for _, id := range c.placementLocked(primary) {
		if id == src {
			keep = true
			continue
		}
		if err := c.shards[id].Add(ctx, rec); err != nil {
			return false, fmt.Errorf("copy key %d to shard %d: %w", rec.Key, id, err)
		}
	}
	return keep, nil
}
