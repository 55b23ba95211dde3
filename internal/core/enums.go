package core

import "fmt"

// DistanceMetric defines the distance metric used for vector comparison.
type DistanceMetric string

const (
	// MetricEuclidean is the default L2 distance (lower is closer).
	MetricEuclidean DistanceMetric = "euclidean"
	// MetricCosine is the Cosine distance (1.0 - cosine_similarity).
	MetricCosine DistanceMetric = "cosine"
)

// ParseMetric maps a configuration string onto a DistanceMetric.
func ParseMetric(s string) (DistanceMetric, error) {
	switch DistanceMetric(s) {
	case MetricEuclidean, "":
		return MetricEuclidean, nil
	case MetricCosine:
		return MetricCosine, nil
	default:
		return "", fmt.Errorf("unknown distance metric %q", s)
	}
}

// MutationKind discriminates replicated operations.
type MutationKind uint8

const (
	MutationAdd MutationKind = iota
	MutationRemove
)

func (k MutationKind) String() string {
	switch k {
	case MutationAdd:
		return "add"
	case MutationRemove:
		return "remove"
	default:
		return "unknown"
	}
}
