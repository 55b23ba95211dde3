package sharding

import (
	"encoding/json"
	"math/rand"
	"sort"
	"testing"

	"github.com/23skdu/fletch/internal/core"
	ferrors "github.com/23skdu/fletch/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashStrategy_Deterministic(t *testing.T) {
	for _, vnodes := range []int{0, DefaultVirtualNodes} {
		s, err := NewHash(4, vnodes)
		require.NoError(t, err)
		assert.Equal(t, KindHash, s.Kind())

		for key := uint64(0); key < 500; key++ {
			a, err := s.PrimaryForKey(key)
			require.NoError(t, err)
			b, _ := s.Primary(key, nil)
			assert.Equal(t, a, b)
			assert.GreaterOrEqual(t, a, 0)
			assert.Less(t, a, 4)
		}
	}
}

func TestHashStrategy_ModUsesKeyHash(t *testing.T) {
	s, err := NewHash(7, 0)
	require.NoError(t, err)
	got, _ := s.PrimaryForKey(99)
	assert.Equal(t, int(KeyHash(99)%7), got)
}

func TestHashStrategy_AddShard(t *testing.T) {
	s, err := NewHash(3, DefaultVirtualNodes)
	require.NoError(t, err)

	id, err := s.AddShard()
	require.NoError(t, err)
	assert.Equal(t, 3, id)
	assert.Equal(t, 4, s.ShardCount())

	hits := 0
	for key := uint64(0); key < 1000; key++ {
		if p, _ := s.PrimaryForKey(key); p == 3 {
			hits++
		}
	}
	assert.Greater(t, hits, 0)
}

func TestNewHash_Invalid(t *testing.T) {
	_, err := NewHash(0, 10)
	assert.ErrorIs(t, err, ferrors.ErrInvalidArgument)
}

func TestTargetsForQuery_KeyBased(t *testing.T) {
	s, err := NewHash(4, 0)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2, 3}, s.TargetsForQuery(nil, 0))
	assert.Equal(t, []int{0, 1, 2, 3}, s.TargetsForQuery(nil, 9))
	assert.Equal(t, []int{0, 1}, s.TargetsForQuery(nil, 2))
}

func TestRangeStrategy_SplitScenario(t *testing.T) {
	s, err := NewUniformRange(0, 10000, 2)
	require.NoError(t, err)
	assert.Equal(t, []Range{{0, 5000, 0}, {5000, 10000, 1}}, s.Ranges())

	newShard, err := s.SplitShard(0, 2500)
	require.NoError(t, err)
	assert.Equal(t, 2, newShard)
	assert.Equal(t, 3, s.ShardCount())

	for key, want := range map[uint64]int{100: 0, 3000: newShard, 6000: 1} {
		got, err := s.PrimaryForKey(key)
		require.NoError(t, err)
		assert.Equal(t, want, got, "key %d", key)
	}
	assert.Equal(t, []Range{{0, 2500, 0}, {2500, 5000, 2}, {5000, 10000, 1}}, s.Ranges())
}

func TestRangeStrategy_OutOfBounds(t *testing.T) {
	s, err := NewRange([]Range{{Min: 100, Max: 200, Shard: 0}, {Min: 300, Max: 400, Shard: 1}})
	require.NoError(t, err)

	cases := map[uint64]int{0: 0, 99: 0, 150: 0, 250: 1, 399: 1, 400: 1, 1 << 40: 1}
	for key, want := range cases {
		got, _ := s.PrimaryForKey(key)
		assert.Equal(t, want, got, "key %d", key)
	}
}

func TestRangeStrategy_SplitErrors(t *testing.T) {
	s, err := NewUniformRange(0, 100, 2)
	require.NoError(t, err)

	_, err = s.SplitShard(0, 0)
	assert.ErrorIs(t, err, ferrors.ErrInvalidArgument)
	_, err = s.SplitShard(0, 50)
	assert.ErrorIs(t, err, ferrors.ErrInvalidArgument)
	_, err = s.SplitShard(9, 10)
	assert.ErrorIs(t, err, ferrors.ErrNotFound)
	assert.Equal(t, 2, s.ShardCount())

	h, _ := NewHash(2, 0)
	_, err = h.SplitShard(0, 10)
	assert.ErrorIs(t, err, ferrors.ErrInvalidArgument)

	_, err = s.AddShard()
	assert.ErrorIs(t, err, ferrors.ErrInvalidArgument)
}

func TestNewRange_Invalid(t *testing.T) {
	_, err := NewRange(nil)
	assert.Error(t, err)
	_, err = NewRange([]Range{{0, 10, 0}, {5, 20, 1}})
	assert.ErrorIs(t, err, ferrors.ErrInvalidArgument)
	_, err = NewRange([]Range{{0, 10, 0}, {10, 20, 0}})
	assert.ErrorIs(t, err, ferrors.ErrInvalidArgument)
	_, err = NewUniformRange(10, 10, 1)
	assert.ErrorIs(t, err, ferrors.ErrInvalidArgument)
}

func testCentroids() [][]float32 {
	return [][]float32{{0, 0}, {10, 0}, {0, 10}}
}

func TestClusterStrategy_Routing(t *testing.T) {
	s, err := NewCluster(testCentroids(), core.MetricEuclidean)
	require.NoError(t, err)
	assert.Equal(t, 3, s.ShardCount())

	p, err := s.Primary(1, []float32{9, 1})
	require.NoError(t, err)
	assert.Equal(t, 1, p)

	assert.Equal(t, []int{1, 0}, s.TargetsForQuery([]float32{9, 1}, 2))
	// (5,5) is equidistant from every centroid: ties by shard id.
	assert.Equal(t, []int{0, 1, 2}, s.TargetsForQuery([]float32{5, 5}, 0))

	_, err = s.Primary(2, []float32{1})
	assert.ErrorIs(t, err, ferrors.ErrInvalidArgument)
}

func TestClusterStrategy_StickyAcrossRetrain(t *testing.T) {
	s, err := NewCluster(testCentroids(), core.MetricEuclidean)
	require.NoError(t, err)

	p, err := s.Primary(7, []float32{9, 1})
	require.NoError(t, err)
	require.Equal(t, 1, p)

	// Same key, different vector: placement does not move.
	p, err = s.Primary(7, []float32{0, 10})
	require.NoError(t, err)
	assert.Equal(t, 1, p)

	require.NoError(t, s.Retrain(blobs(rand.New(rand.NewSource(3)), [][]float32{{50, 50}, {-50, 50}, {0, -50}}, 20)))
	p, err = s.Primary(7, []float32{0, 10})
	require.NoError(t, err)
	assert.Equal(t, 1, p)

	byKey, err := s.PrimaryForKey(7)
	require.NoError(t, err)
	assert.Equal(t, 1, byKey)

	_, err = s.PrimaryForKey(8)
	assert.ErrorIs(t, err, ferrors.ErrNotFound)

	s.Unassign(7)
	_, err = s.PrimaryForKey(7)
	assert.ErrorIs(t, err, ferrors.ErrNotFound)
}

func TestClusterStrategy_ReassignFollowsCentroids(t *testing.T) {
	s, err := NewCluster([][]float32{{0, 0}, {10, 0}}, core.MetricEuclidean)
	require.NoError(t, err)

	p, err := s.Primary(1, []float32{9, 0})
	require.NoError(t, err)
	assert.Equal(t, 1, p)

	st := s.State()
	st.Centroids = [][]float32{{10, 0}, {-10, 0}}
	require.NoError(t, s.RestoreState(st))

	p, err = s.Primary(1, []float32{9, 0})
	require.NoError(t, err)
	assert.Equal(t, 1, p, "sticky until reassigned")

	p, err = s.Reassign(1, []float32{9, 0})
	require.NoError(t, err)
	assert.Equal(t, 0, p)
	byKey, err := s.PrimaryForKey(1)
	require.NoError(t, err)
	assert.Equal(t, 0, byKey)

	hashed, err := NewHash(4, 0)
	require.NoError(t, err)
	want, err := hashed.PrimaryForKey(99)
	require.NoError(t, err)
	got, err := hashed.Reassign(99, nil)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestTrainKMeans_SeparatesBlobs(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	sample := blobs(rng, [][]float32{{0, 0}, {100, 100}}, 50)

	centroids, err := TrainKMeans(sample, 2, core.MetricEuclidean, DefaultKMeansIterations, 42)
	require.NoError(t, err)
	require.Len(t, centroids, 2)

	sort.Slice(centroids, func(i, j int) bool { return centroids[i][0] < centroids[j][0] })
	assert.InDelta(t, 0, centroids[0][0], 5)
	assert.InDelta(t, 0, centroids[0][1], 5)
	assert.InDelta(t, 100, centroids[1][0], 5)
	assert.InDelta(t, 100, centroids[1][1], 5)

	again, err := TrainKMeans(sample, 2, core.MetricEuclidean, DefaultKMeansIterations, 42)
	require.NoError(t, err)
	sort.Slice(again, func(i, j int) bool { return again[i][0] < again[j][0] })
	assert.Equal(t, centroids, again)
}

func TestTrainKMeans_Invalid(t *testing.T) {
	_, err := TrainKMeans([][]float32{{1, 2}}, 2, core.MetricEuclidean, 5, 1)
	assert.ErrorIs(t, err, ferrors.ErrInvalidArgument)
	_, err = TrainKMeans([][]float32{{1, 2}, {1}}, 1, core.MetricEuclidean, 5, 1)
	assert.ErrorIs(t, err, ferrors.ErrInvalidArgument)
}

func TestStrategyState_RoundTrip(t *testing.T) {
	hash, _ := NewHash(4, 50)
	rng, _ := NewUniformRange(0, 1000, 2)
	_, err := rng.SplitShard(1, 700)
	require.NoError(t, err)
	cluster, _ := NewCluster([][]float32{{1, 0}, {0, 1}, {-1, 0}}, core.MetricCosine)
	_, err = cluster.Primary(11, []float32{0, 3})
	require.NoError(t, err)

	for _, s := range []*Strategy{hash, rng, cluster} {
		raw, err := json.Marshal(s.State())
		require.NoError(t, err)
		var st State
		require.NoError(t, json.Unmarshal(raw, &st))

		restored, err := FromState(st)
		require.NoError(t, err)
		assert.Equal(t, s.Kind(), restored.Kind())
		assert.Equal(t, s.ShardCount(), restored.ShardCount())
		for key := uint64(0); key < 200; key++ {
			want, errA := s.PrimaryForKey(key)
			got, errB := restored.PrimaryForKey(key)
			assert.Equal(t, errA == nil, errB == nil)
			assert.Equal(t, want, got)
		}
	}

	fresh, _ := NewCluster([][]float32{{1, 1}, {2, 2}, {3, 3}}, core.MetricCosine)
	require.NoError(t, fresh.RestoreState(cluster.State()))
	p, err := fresh.PrimaryForKey(11)
	require.NoError(t, err)
	assert.Equal(t, 1, p)

	assert.ErrorIs(t, hash.RestoreState(cluster.State()), ferrors.ErrInvalidArgument)
}

func TestPlacement(t *testing.T) {
	assert.Equal(t, []int{2}, Placement(2, 1, 4))
	assert.Equal(t, []int{3, 0, 1}, Placement(3, 3, 4))
	assert.Equal(t, []int{1, 0}, Placement(1, 5, 2))
	assert.Equal(t, []int{0}, Placement(0, 0, 4))
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, KindHash, k)
	k, err = ParseKind("cluster")
	require.NoError(t, err)
	assert.Equal(t, KindCluster, k)
	_, err = ParseKind("round-robin")
	assert.ErrorIs(t, err, ferrors.ErrInvalidArgument)
}

func blobs(rng *rand.Rand, centers [][]float32, per int) [][]float32 {
	out := make([][]float32, 0, len(centers)*per)
	for _, c := range centers {
		for i := 0; i < per; i++ {
			v := make([]float32, len(c))
			for d := range c {
				v[d] = c[d] + float32(rng.NormFloat64())
			}
			out = append(out, v)
		}
	}
	return out
}
