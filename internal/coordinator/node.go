package coordinator

import (
	"context"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/23skdu/fletch/internal/core"
	"github.com/23skdu/fletch/internal/shard"
)

// Node is the shard surface the coordinator drives. *shard.Shard
// implements it; WithNodeWrapper lets callers interpose on it.
type Node interface {
	ID() int
	Len() int
	Add(ctx context.Context, rec core.Record) error
	AddBatch(ctx context.Context, recs []core.Record) (int, []uint64, error)
	Search(ctx context.Context, query []float32, k int) ([]core.Hit, error)
	Remove(ctx context.Context, key uint64, version core.Version) error
	Get(ctx context.Context, key uint64) (core.Record, error)
	Apply(ctx context.Context, m core.Mutation) error
	Keys() *roaring64.Bitmap
	Evict(keys ...uint64) int
	MaxSeq() uint64
	Stats() shard.Stats
	Replicas() []int
	SetReplicas(ids []int)
	Snapshot(path string) (shard.SnapshotInfo, error)
	Restore(path string) error
}

var _ Node = (*shard.Shard)(nil)

// localTransport applies replicated mutations to in-process shards.
type localTransport struct {
	c *Coordinator
}

func (t localTransport) Apply(ctx context.Context, shardID int, m core.Mutation) error {
	n, err := t.c.node(shardID)
	if err != nil {
		return err
	}
	return n.Apply(ctx, m)
}
