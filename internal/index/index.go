// Package index defines the local nearest-neighbour index a shard wraps and
// ships two implementations: an exact flat scan and an HNSW graph.
package index

import (
	"fmt"
	"io"

	"github.com/23skdu/fletch/internal/core"
	"github.com/coder/hnsw"
)

// Neighbor is one raw result from a local index.
type Neighbor struct {
	Key      uint64
	Distance float32
}

// Index is the nearest-neighbour structure owned by a single shard.
// Implementations are not safe for concurrent mutation; the owning shard
// serializes writers and only lets readers share Search and Lookup.
type Index interface {
	// Add inserts or replaces the vector stored under key.
	Add(key uint64, vector []float32) error
	// Search returns up to k neighbours ascending by distance.
	Search(query []float32, k int) []Neighbor
	// Remove deletes key and reports whether it was present.
	Remove(key uint64) bool
	Lookup(key uint64) ([]float32, bool)
	Len() int
	Dims() int
	Save(w io.Writer) error
	// Load replaces the entire contents with what Save wrote.
	Load(r io.Reader) error
}

// Kind selects an Index implementation.
type Kind string

const (
	KindFlat Kind = "flat"
	KindHNSW Kind = "hnsw"
)

// Factory builds an empty index for a shard.
type Factory func() Index

// DistanceFunc returns the distance function for metric.
func DistanceFunc(metric core.DistanceMetric) hnsw.DistanceFunc {
	switch metric {
	case core.MetricCosine:
		return hnsw.CosineDistance
	default:
		return hnsw.EuclideanDistance
	}
}

// NewFactory returns a Factory for the given kind.
func NewFactory(kind Kind, dims int, metric core.DistanceMetric, cfg HNSWConfig) (Factory, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("index: dimension must be positive, got %d", dims)
	}
	switch kind {
	case KindFlat, "":
		return func() Index { return NewFlat(dims, metric) }, nil
	case KindHNSW:
		return func() Index { return NewHNSW(dims, metric, cfg) }, nil
	default:
		return nil, fmt.Errorf("index: unknown kind %q", kind)
	}
}

func checkDims(want int, v []float32) error {
	if len(v) != want {
		return fmt.Errorf("index: vector has %d dimensions, want %d", len(v), want)
	}
	return nil
}
