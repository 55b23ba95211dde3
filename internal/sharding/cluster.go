package sharding

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/23skdu/fletch/internal/core"
	ferrors "github.com/23skdu/fletch/internal/errors"
	"github.com/23skdu/fletch/internal/index"
)

// DefaultKMeansIterations bounds Lloyd iterations when training centroids.
const DefaultKMeansIterations = 25

// NewCluster returns a content-based strategy with one shard per centroid.
func NewCluster(centroids [][]float32, metric core.DistanceMetric) (*Strategy, error) {
	if err := validateCentroids(centroids); err != nil {
		return nil, err
	}
	return &Strategy{
		kind:       KindCluster,
		shardCount: len(centroids),
		metric:     metric,
		centroids:  cloneCentroids(centroids),
		sticky:     make(map[uint64]int),
	}, nil
}

// TrainCluster runs k-means over sample and returns a cluster strategy with
// k shards. The seed makes training reproducible.
func TrainCluster(sample [][]float32, k int, metric core.DistanceMetric, seed int64) (*Strategy, error) {
	centroids, err := TrainKMeans(sample, k, metric, DefaultKMeansIterations, seed)
	if err != nil {
		return nil, err
	}
	s, err := NewCluster(centroids, metric)
	if err != nil {
		return nil, err
	}
	s.seed = seed
	return s, nil
}

// PrimaryForVector returns the shard of the nearest centroid. The first
// placement of a key is remembered and reused for every later write, even
// after Retrain.
func (s *Strategy) PrimaryForVector(key uint64, vector []float32) (int, error) {
	if s.kind != KindCluster {
		return s.PrimaryForKey(key)
	}
	s.mu.RLock()
	shard, ok := s.sticky[key]
	dim := len(s.centroids[0])
	s.mu.RUnlock()
	if ok {
		return shard, nil
	}
	if len(vector) != dim {
		return -1, ferrors.NewValidationError("shard_for_vector",
			fmt.Sprintf("vector has %d dimensions, centroids have %d", len(vector), dim))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if shard, ok := s.sticky[key]; ok {
		return shard, nil
	}
	shard = s.nearestCentroids(vector, 1)[0]
	s.sticky[key] = shard
	return shard, nil
}

// Unassign forgets the sticky placement of key so the next write is
// placed by the current centroids.
func (s *Strategy) Unassign(key uint64) {
	if s.kind != KindCluster {
		return
	}
	s.mu.Lock()
	delete(s.sticky, key)
	s.mu.Unlock()
}

// Reassign returns the primary of (key, vector) under the current
// placement. For a cluster strategy it drops the sticky shard and pins key
// to its nearest current centroid; other kinds are unaffected.
func (s *Strategy) Reassign(key uint64, vector []float32) (int, error) {
	s.Unassign(key)
	return s.Primary(key, vector)
}

// Retrain replaces the centroids with k-means over sample, keeping the shard
// count. Existing keys keep their shard until they are reassigned.
func (s *Strategy) Retrain(sample [][]float32) error {
	if s.kind != KindCluster {
		return ferrors.NewValidationError("retrain", fmt.Sprintf("%s strategy has no centroids", s.kind))
	}
	s.mu.Lock()
	k, metric := s.shardCount, s.metric
	s.seed++
	seed := s.seed
	s.mu.Unlock()

	centroids, err := TrainKMeans(sample, k, metric, DefaultKMeansIterations, seed)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(centroids[0]) != len(s.centroids[0]) {
		return ferrors.NewValidationError("retrain",
			fmt.Sprintf("sample has %d dimensions, centroids have %d", len(centroids[0]), len(s.centroids[0])))
	}
	s.centroids = centroids
	return nil
}

// Centroids returns a copy of the current centroids indexed by shard id.
func (s *Strategy) Centroids() [][]float32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneCentroids(s.centroids)
}

type centroidDist struct {
	id   int
	dist float32
}

// nearestCentroids returns the n closest centroids ascending by distance,
// ties by shard id. Caller holds s.mu.
func (s *Strategy) nearestCentroids(query []float32, n int) []int {
	distance := index.DistanceFunc(s.metric)
	dists := make([]centroidDist, len(s.centroids))
	for i, c := range s.centroids {
		d := float32(math.MaxFloat32)
		if len(query) == len(c) {
			if v := distance(query, c); !math.IsNaN(float64(v)) {
				d = v
			}
		}
		dists[i] = centroidDist{id: i, dist: d}
	}
	sort.Slice(dists, func(i, j int) bool {
		if dists[i].dist != dists[j].dist {
			return dists[i].dist < dists[j].dist
		}
		return dists[i].id < dists[j].id
	})
	if n > len(dists) {
		n = len(dists)
	}
	out := make([]int, n)
	for i := range out {
		out[i] = dists[i].id
	}
	return out
}

// TrainKMeans trains k centroids from sample with Lloyd's algorithm.
// Initial centroids are drawn from sample with a seeded permutation and an
// emptied cluster is reseeded from a random sample point.
func TrainKMeans(sample [][]float32, k int, metric core.DistanceMetric, maxIter int, seed int64) ([][]float32, error) {
	n := len(sample)
	if k <= 0 {
		return nil, ferrors.NewValidationError("train_kmeans", "k must be positive")
	}
	if n < k {
		return nil, ferrors.NewValidationError("train_kmeans", fmt.Sprintf("need at least %d sample vectors, got %d", k, n))
	}
	dim := len(sample[0])
	for _, v := range sample {
		if len(v) != dim || dim == 0 {
			return nil, ferrors.NewValidationError("train_kmeans", "sample vectors must share a non-zero dimension")
		}
	}

	rng := rand.New(rand.NewSource(seed))
	distance := index.DistanceFunc(metric)

	centroids := make([][]float32, k)
	perm := rng.Perm(n)
	for i := range centroids {
		centroids[i] = core.CloneVector(sample[perm[i]])
	}

	assignments := make([]int, n)
	for i := range assignments {
		assignments[i] = -1
	}
	counts := make([]int, k)
	sums := make([][]float32, k)
	for i := range sums {
		sums[i] = make([]float32, dim)
	}

	for iter := 0; iter < maxIter; iter++ {
		changed := false
		for i, vec := range sample {
			best, bestDist := 0, float32(math.MaxFloat32)
			for j, c := range centroids {
				if d := distance(vec, c); d < bestDist {
					best, bestDist = j, d
				}
			}
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}

		for j := range sums {
			counts[j] = 0
			for d := range sums[j] {
				sums[j][d] = 0
			}
		}
		for i, vec := range sample {
			c := assignments[i]
			for d, x := range vec {
				sums[c][d] += x
			}
			counts[c]++
		}
		for j := range centroids {
			if counts[j] == 0 {
				centroids[j] = core.CloneVector(sample[rng.Intn(n)])
				continue
			}
			scale := 1 / float32(counts[j])
			for d := range centroids[j] {
				centroids[j][d] = sums[j][d] * scale
			}
		}
	}
	return centroids, nil
}

func validateCentroids(centroids [][]float32) error {
	if len(centroids) == 0 {
		return ferrors.NewValidationError("new_cluster_strategy", "at least one centroid is required")
	}
	dim := len(centroids[0])
	for _, c := range centroids {
		if len(c) != dim || dim == 0 {
			return ferrors.NewValidationError("new_cluster_strategy", "centroids must share a non-zero dimension")
		}
	}
	return nil
}

func cloneCentroids(in [][]float32) [][]float32 {
	out := make([][]float32, len(in))
	for i, c := range in {
		out[i] = core.CloneVector(c)
	}
	return out
}
