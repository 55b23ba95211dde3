package sharding

import (
	"fmt"

	"github.com/23skdu/fletch/internal/core"
	ferrors "github.com/23skdu/fletch/internal/errors"
)

// State is the serializable form of a Strategy, stored in the topology file.
type State struct {
	Kind         Kind                `json:"kind"`
	ShardCount   int                 `json:"shard_count"`
	VirtualNodes int                 `json:"virtual_nodes,omitempty"`
	Ranges       []Range             `json:"ranges,omitempty"`
	Metric       core.DistanceMetric `json:"metric,omitempty"`
	Centroids    [][]float32         `json:"centroids,omitempty"`
	Assignments  map[uint64]int      `json:"assignments,omitempty"`
	Seed         int64               `json:"seed,omitempty"`
}

// State captures the strategy's current parameters.
func (s *Strategy) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := State{Kind: s.kind, ShardCount: s.shardCount}
	switch s.kind {
	case KindHash:
		st.VirtualNodes = s.vnodes
	case KindRange:
		st.Ranges = append([]Range(nil), s.ranges...)
	case KindCluster:
		st.Metric = s.metric
		st.Centroids = cloneCentroids(s.centroids)
		st.Seed = s.seed
		st.Assignments = make(map[uint64]int, len(s.sticky))
		for k, v := range s.sticky {
			st.Assignments[k] = v
		}
	}
	return st
}

// FromState rebuilds a Strategy from a saved State.
func FromState(st State) (*Strategy, error) {
	switch st.Kind {
	case KindHash:
		return NewHash(st.ShardCount, st.VirtualNodes)
	case KindRange:
		s, err := NewRange(st.Ranges)
		if err != nil {
			return nil, err
		}
		if s.shardCount != st.ShardCount {
			return nil, ferrors.NewValidationError("restore_strategy",
				fmt.Sprintf("%d ranges for %d shards", len(st.Ranges), st.ShardCount))
		}
		return s, nil
	case KindCluster:
		s, err := NewCluster(st.Centroids, st.Metric)
		if err != nil {
			return nil, err
		}
		s.seed = st.Seed
		for k, v := range st.Assignments {
			if v < 0 || v >= s.shardCount {
				return nil, ferrors.NewValidationError("restore_strategy", fmt.Sprintf("key %d assigned to unknown shard %d", k, v))
			}
			s.sticky[k] = v
		}
		return s, nil
	default:
		return nil, ferrors.NewValidationError("restore_strategy", fmt.Sprintf("unknown strategy %q", st.Kind))
	}
}

// RestoreState replaces s's parameters with st. The kind must match.
func (s *Strategy) RestoreState(st State) error {
	if st.Kind != s.kind {
		return ferrors.NewValidationError("restore_strategy", fmt.Sprintf("saved %s strategy, cluster uses %s", st.Kind, s.kind))
	}
	restored, err := FromState(st)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.shardCount = restored.shardCount
	s.vnodes = restored.vnodes
	s.ring = restored.ring
	s.ranges = restored.ranges
	s.metric = restored.metric
	s.centroids = restored.centroids
	s.sticky = restored.sticky
	s.seed = restored.seed
	return nil
}
