package coordinator

import (
	"context"
	"sort"
	"time"

	"github.com/23skdu/fletch/internal/core"
)

// mergeHits deduplicates by key, keeping the smallest distance and on an
// exact tie the newer version, then orders by distance and key and keeps
// the first k.
func mergeHits(k int, sets ...[]core.Hit) []core.Hit {
	best := make(map[uint64]core.Hit)
	for _, hits := range sets {
		for _, h := range hits {
			cur, ok := best[h.Key]
			if !ok || h.Distance < cur.Distance ||
				(h.Distance == cur.Distance && h.Version.Newer(cur.Version)) {
				best[h.Key] = h
			}
		}
	}
	out := make([]core.Hit, 0, len(best))
	for _, h := range best {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

type gathered[T any] struct {
	results []T
	// failed maps shard id to the error it returned.
	failed map[int]error
	// late lists shards that had not answered at the deadline.
	late []int
}

// gather calls fn on every node concurrently and collects what arrives
// before timeout. Calls still running at the deadline are abandoned, not
// cancelled beyond their context.
func gather[T any](ctx context.Context, nodes []Node, timeout time.Duration, fn func(context.Context, Node) (T, error)) gathered[T] {
	type result struct {
		id  int
		val T
		err error
	}

	gctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan result, len(nodes))
	for _, n := range nodes {
		go func() {
			val, err := fn(gctx, n)
			ch <- result{id: n.ID(), val: val, err: err}
		}()
	}

	out := gathered[T]{failed: make(map[int]error)}
	answered := make(map[int]bool, len(nodes))
	for pending := len(nodes); pending > 0; pending-- {
		select {
		case r := <-ch:
			answered[r.id] = true
			if r.err != nil {
				out.failed[r.id] = r.err
				continue
			}
			out.results = append(out.results, r.val)
		case <-gctx.Done():
			for _, n := range nodes {
				if !answered[n.ID()] {
					out.late = append(out.late, n.ID())
				}
			}
			return out
		}
	}
	return out
}
