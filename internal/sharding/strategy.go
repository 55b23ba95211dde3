// Package sharding maps keys and vectors onto shard ids.
//
// A Strategy is one of three kinds (hash, range or cluster) chosen when the
// cluster is created. Each kind answers the write-path question "which shard
// is primary for this record" and the read-path question "which shards does
// this query probe".
package sharding

import (
	"fmt"
	"sync"

	"github.com/23skdu/fletch/internal/core"
	ferrors "github.com/23skdu/fletch/internal/errors"
)

// Kind tags the active placement scheme.
type Kind string

const (
	KindHash    Kind = "hash"
	KindRange   Kind = "range"
	KindCluster Kind = "cluster"
)

// ParseKind maps a configuration string onto a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindHash, "":
		return KindHash, nil
	case KindRange:
		return KindRange, nil
	case KindCluster:
		return KindCluster, nil
	default:
		return "", ferrors.NewValidationError("parse_strategy", fmt.Sprintf("unknown strategy %q", s))
	}
}

// Strategy is the placement function of a cluster. Only the fields of the
// active kind are populated. Lookups are safe for concurrent use; the
// topology-changing methods (SplitShard, AddShard, Retrain) are expected to
// run while the owning coordinator holds its topology lock exclusively.
type Strategy struct {
	mu         sync.RWMutex
	kind       Kind
	shardCount int

	// hash
	vnodes int
	ring   *ConsistentHash

	// range
	ranges []Range

	// cluster
	metric    core.DistanceMetric
	centroids [][]float32
	sticky    map[uint64]int
	seed      int64
}

// NewHash returns a hash strategy over shardCount shards. With vnodes > 0
// placement uses a consistent-hash ring, otherwise hash(key) mod shardCount.
func NewHash(shardCount, vnodes int) (*Strategy, error) {
	if shardCount <= 0 {
		return nil, ferrors.NewValidationError("new_hash_strategy", "shard count must be positive")
	}
	s := &Strategy{kind: KindHash, shardCount: shardCount, vnodes: vnodes}
	if vnodes > 0 {
		s.ring = NewConsistentHash(vnodes)
		for i := 0; i < shardCount; i++ {
			s.ring.AddNode(i)
		}
	}
	return s, nil
}

func (s *Strategy) Kind() Kind {
	return s.kind
}

func (s *Strategy) ShardCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shardCount
}

// PrimaryForKey returns the primary shard of key. A cluster strategy only
// knows keys it has already placed and reports ErrNotFound otherwise.
func (s *Strategy) PrimaryForKey(key uint64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch s.kind {
	case KindHash:
		return s.hashShard(key), nil
	case KindRange:
		return s.rangeShard(key), nil
	case KindCluster:
		if shard, ok := s.sticky[key]; ok {
			return shard, nil
		}
		return -1, ferrors.NewNotFoundError("shard_for_key", fmt.Sprintf("key %d has no cluster assignment", key))
	default:
		return -1, fmt.Errorf("sharding: unknown kind %q", s.kind)
	}
}

// Primary returns the primary shard for a write of (key, vector).
func (s *Strategy) Primary(key uint64, vector []float32) (int, error) {
	if s.kind == KindCluster {
		return s.PrimaryForVector(key, vector)
	}
	return s.PrimaryForKey(key)
}

// TargetsForQuery returns the shards a search probes. nProbe == 0 or
// nProbe >= ShardCount probes every shard. Hash and range placement are
// content independent, so they probe the first nProbe shard ids; cluster
// placement probes the nProbe nearest centroids.
func (s *Strategy) TargetsForQuery(query []float32, nProbe int) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if nProbe <= 0 || nProbe >= s.shardCount {
		nProbe = s.shardCount
	}
	if s.kind == KindCluster {
		return s.nearestCentroids(query, nProbe)
	}
	out := make([]int, nProbe)
	for i := range out {
		out[i] = i
	}
	return out
}

// AddShard grows a hash strategy by one shard and returns its id. On a ring
// only the new shard's points are added.
func (s *Strategy) AddShard() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.kind != KindHash {
		return -1, ferrors.NewValidationError("add_shard", fmt.Sprintf("%s strategy cannot add shards, use split or retrain", s.kind))
	}
	id := s.shardCount
	s.shardCount++
	if s.ring != nil {
		s.ring.AddNode(id)
	}
	return id, nil
}

func (s *Strategy) hashShard(key uint64) int {
	if s.ring != nil {
		return s.ring.GetNode(key)
	}
	return int(KeyHash(key) % uint64(s.shardCount))
}

// Placement returns the shards that hold a record whose primary is primary:
// the primary followed by (primary+i) mod shardCount for i < rf.
func Placement(primary, rf, shardCount int) []int {
	if rf > shardCount {
		rf = shardCount
	}
	if rf < 1 {
		rf = 1
	}
	out := make([]int, rf)
	for i := range out {
		out[i] = (primary + i) % shardCount
	}
	return out
}
