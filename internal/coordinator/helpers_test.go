package coordinator

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/fletch/internal/core"
	"github.com/23skdu/fletch/internal/health"
	"github.com/23skdu/fletch/internal/replication"
	"github.com/23skdu/fletch/internal/resilience"
	"github.com/23skdu/fletch/internal/sharding"
)

func testConfig(shards, dims int) Config {
	cfg := DefaultConfig()
	cfg.ShardCount = shards
	cfg.Dims = dims
	cfg.WriterID = "test-writer"
	cfg.WriteTimeout = time.Second
	cfg.Replication = replication.Config{
		Backoff: &resilience.RetryPolicy{
			InitialDelay:  time.Millisecond,
			MaxDelay:      10 * time.Millisecond,
			Multiplier:    2,
			RetryableFunc: resilience.DefaultRetryableFunc,
		},
	}
	return cfg
}

func newTestCoordinator(t *testing.T, cfg Config, opts ...Option) *Coordinator {
	t.Helper()
	c, err := New(cfg, zerolog.Nop(), opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func randomVectors(n, dims int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dims)
		for j := range v {
			v[j] = rng.Float32()
		}
		out[i] = v
	}
	return out
}

func sequentialKeys(n int) []uint64 {
	keys := make([]uint64, n)
	for i := range keys {
		keys[i] = uint64(i)
	}
	return keys
}

func keysOf(hits []core.Hit) []uint64 {
	out := make([]uint64, len(hits))
	for i, h := range hits {
		out[i] = h.Key
	}
	return out
}

// fakeClock drives a health.Detector by hand.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newManualDetector(clock *fakeClock) *health.Detector {
	return health.NewDetector(health.Config{
		Timeout:          time.Second,
		Interval:         time.Second,
		FailureThreshold: 3,
		Clock:            clock.Now,
	}, zerolog.Nop())
}

// failShard lets shard id miss three detection cycles while every other
// shard keeps heartbeating.
func failShard(t *testing.T, c *Coordinator, d *health.Detector, clock *fakeClock, id int) {
	t.Helper()
	for cycle := 0; cycle < 3; cycle++ {
		clock.Advance(2 * time.Second)
		for i := 0; i < c.ShardCount(); i++ {
			if i != id {
				require.NoError(t, c.Heartbeat(i))
			}
		}
		d.DetectOnce()
	}
	require.True(t, c.Failed(id))
}

// keyOnShard returns the first key >= from whose primary is shard.
func keyOnShard(t *testing.T, c *Coordinator, shard int, from uint64) uint64 {
	t.Helper()
	for k := from; k < from+100000; k++ {
		id, err := c.ShardForKey(k)
		require.NoError(t, err)
		if id == shard {
			return k
		}
	}
	t.Fatalf("no key maps to shard %d", shard)
	return 0
}

// slowNode delays Search and AddBatch past any reasonable deadline.
type slowNode struct {
	Node
	delay time.Duration
}

func (n slowNode) Search(ctx context.Context, q []float32, k int) ([]core.Hit, error) {
	time.Sleep(n.delay)
	return n.Node.Search(ctx, q, k)
}

func (n slowNode) AddBatch(ctx context.Context, recs []core.Record) (int, []uint64, error) {
	time.Sleep(n.delay)
	return n.Node.AddBatch(context.Background(), recs)
}

// brokenNode fails every read and batch write.
type brokenNode struct {
	Node
	err error
}

func (n brokenNode) Search(context.Context, []float32, int) ([]core.Hit, error) {
	return nil, n.err
}

func (n brokenNode) AddBatch(_ context.Context, recs []core.Record) (int, []uint64, error) {
	keys := make([]uint64, len(recs))
	for i, r := range recs {
		keys[i] = r.Key
	}
	return 0, keys, n.err
}

func wrapShard(id int, wrap func(Node) Node) Option {
	return WithNodeWrapper(func(n Node) Node {
		if n.ID() == id {
			return wrap(n)
		}
		return n
	})
}

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Apply(ctx context.Context, shardID int, mut core.Mutation) error {
	args := m.Called(ctx, shardID, mut)
	return args.Error(0)
}

func rangeStrategy(t *testing.T, lo, hi uint64, n int) *sharding.Strategy {
	t.Helper()
	s, err := sharding.NewUniformRange(lo, hi, n)
	require.NoError(t, err)
	return s
}

// gatedTransport holds every replicated mutation until release is called,
// then applies it to the in-process shards of c.
type gatedTransport struct {
	c    *Coordinator
	open chan struct{}
	once sync.Once
}

func newGatedTransport() *gatedTransport {
	return &gatedTransport{open: make(chan struct{})}
}

func (g *gatedTransport) release() {
	g.once.Do(func() { close(g.open) })
}

func (g *gatedTransport) Apply(ctx context.Context, shardID int, mut core.Mutation) error {
	select {
	case <-g.open:
	case <-ctx.Done():
		return ctx.Err()
	}
	return localTransport{c: g.c}.Apply(ctx, shardID, mut)
}
