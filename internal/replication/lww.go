package replication

import (
	"github.com/23skdu/fletch/internal/core"
)

// ResolveLWW merges hits from several replicas keeping, per key, the hit
// with the highest version. Identical versions keep the smaller distance.
// The result is in no particular order.
func ResolveLWW(sets ...[]core.Hit) []core.Hit {
	best := make(map[uint64]core.Hit)
	for _, hits := range sets {
		for _, h := range hits {
			cur, ok := best[h.Key]
			if !ok || h.Version.Newer(cur.Version) ||
				(h.Version == cur.Version && h.Distance < cur.Distance) {
				best[h.Key] = h
			}
		}
	}
	out := make([]core.Hit, 0, len(best))
	for _, h := range best {
		out = append(out, h)
	}
	return out
}

// ResolveRecord returns the newest of the given replica reads.
func ResolveRecord(recs ...core.Record) (core.Record, bool) {
	var (
		best  core.Record
		found bool
	)
	for _, r := range recs {
		if !found || r.Version.Newer(best.Version) {
			best, found = r, true
		}
	}
	return best, found
}
