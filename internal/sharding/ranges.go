package sharding

import (
	"fmt"
	"sort"

	ferrors "github.com/23skdu/fletch/internal/errors"
)

// Range is a half-open key interval [Min, Max) owned by Shard.
type Range struct {
	Min   uint64 `json:"min"`
	Max   uint64 `json:"max"`
	Shard int    `json:"shard"`
}

// NewRange returns a range strategy. Ranges must be non-empty and pairwise
// disjoint, and their shard ids must be exactly 0..len(ranges)-1.
func NewRange(ranges []Range) (*Strategy, error) {
	rs, err := validateRanges(ranges)
	if err != nil {
		return nil, err
	}
	return &Strategy{kind: KindRange, shardCount: len(rs), ranges: rs}, nil
}

// NewUniformRange splits [lo, hi) into shardCount contiguous ranges of equal
// width; the last range absorbs the remainder.
func NewUniformRange(lo, hi uint64, shardCount int) (*Strategy, error) {
	if shardCount <= 0 || hi <= lo || hi-lo < uint64(shardCount) {
		return nil, ferrors.NewValidationError("new_range_strategy",
			fmt.Sprintf("cannot split [%d,%d) into %d ranges", lo, hi, shardCount))
	}
	width := (hi - lo) / uint64(shardCount)
	ranges := make([]Range, shardCount)
	for i := range ranges {
		ranges[i] = Range{Min: lo + uint64(i)*width, Max: lo + uint64(i+1)*width, Shard: i}
	}
	ranges[shardCount-1].Max = hi
	return NewRange(ranges)
}

func validateRanges(ranges []Range) ([]Range, error) {
	if len(ranges) == 0 {
		return nil, ferrors.NewValidationError("new_range_strategy", "at least one range is required")
	}
	rs := append([]Range(nil), ranges...)
	sort.Slice(rs, func(i, j int) bool { return rs[i].Min < rs[j].Min })

	seen := make(map[int]bool, len(rs))
	for i, r := range rs {
		if r.Min >= r.Max {
			return nil, ferrors.NewValidationError("new_range_strategy", fmt.Sprintf("empty range [%d,%d)", r.Min, r.Max))
		}
		if i > 0 && r.Min < rs[i-1].Max {
			return nil, ferrors.NewValidationError("new_range_strategy",
				fmt.Sprintf("range [%d,%d) overlaps [%d,%d)", r.Min, r.Max, rs[i-1].Min, rs[i-1].Max))
		}
		if r.Shard < 0 || r.Shard >= len(rs) || seen[r.Shard] {
			return nil, ferrors.NewValidationError("new_range_strategy", fmt.Sprintf("bad shard id %d", r.Shard))
		}
		seen[r.Shard] = true
	}
	return rs, nil
}

// rangeShard finds the first range whose Max lies above key. Keys below the
// first range or inside a gap go to the next range up; keys at or past the
// last Max go to the last range.
func (s *Strategy) rangeShard(key uint64) int {
	idx := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].Max > key
	})
	if idx == len(s.ranges) {
		idx = len(s.ranges) - 1
	}
	return s.ranges[idx].Shard
}

// Ranges returns a copy of the current ranges ordered by Min.
func (s *Strategy) Ranges() []Range {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Range(nil), s.ranges...)
}

// SplitShard divides shardID's range at splitPoint. The existing shard keeps
// [Min, splitPoint) and a new shard, whose id is returned, takes
// [splitPoint, Max). No other range changes.
func (s *Strategy) SplitShard(shardID int, splitPoint uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.kind != KindRange {
		return -1, ferrors.NewValidationError("split_shard", fmt.Sprintf("%s strategy has no ranges", s.kind))
	}
	idx := -1
	for i, r := range s.ranges {
		if r.Shard == shardID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return -1, ferrors.NewNotFoundError("split_shard", fmt.Sprintf("shard %d has no range", shardID))
	}
	r := s.ranges[idx]
	if splitPoint <= r.Min || splitPoint >= r.Max {
		return -1, ferrors.NewValidationError("split_shard",
			fmt.Sprintf("split point %d outside (%d,%d)", splitPoint, r.Min, r.Max))
	}

	newID := s.shardCount
	upper := Range{Min: splitPoint, Max: r.Max, Shard: newID}
	s.ranges[idx].Max = splitPoint
	s.ranges = append(s.ranges, Range{})
	copy(s.ranges[idx+2:], s.ranges[idx+1:])
	s.ranges[idx+1] = upper
	s.shardCount++
	return newID, nil
}
