// Package coordinator routes reads and writes across a sharded, replicated
// vector index.
//
// Every request holds the topology lock shared for its whole duration;
// administrative rebalances take it exclusively, so they start only after
// in-flight requests drain and no request observes a half-changed
// topology. Shards serialize their own mutations and nothing else spans
// shards.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/fletch/internal/checkpoint"
	"github.com/23skdu/fletch/internal/core"
	ferrors "github.com/23skdu/fletch/internal/errors"
	"github.com/23skdu/fletch/internal/health"
	"github.com/23skdu/fletch/internal/index"
	"github.com/23skdu/fletch/internal/metrics"
	"github.com/23skdu/fletch/internal/replication"
	"github.com/23skdu/fletch/internal/shard"
	"github.com/23skdu/fletch/internal/sharding"
	"github.com/23skdu/fletch/internal/tracing"
)

// Option customizes New.
type Option func(*options)

type options struct {
	strategy  *sharding.Strategy
	transport replication.Transport
	detector  *health.Detector
	archive   checkpoint.Archive
	wrap      func(Node) Node
}

// WithStrategy uses s instead of building one from Config. Config's
// strategy kind and shard count are taken from s.
func WithStrategy(s *sharding.Strategy) Option {
	return func(o *options) { o.strategy = s }
}

// WithTransport replaces the in-process replication transport.
func WithTransport(t replication.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithDetector shares an existing failure detector. The coordinator
// registers its shards on it but does not start or stop it.
func WithDetector(d *health.Detector) Option {
	return func(o *options) { o.detector = d }
}

// WithArchive mirrors checkpoints to remote storage.
func WithArchive(a checkpoint.Archive) Option {
	return func(o *options) { o.archive = a }
}

// WithNodeWrapper wraps every shard the coordinator creates.
func WithNodeWrapper(wrap func(Node) Node) Option {
	return func(o *options) { o.wrap = wrap }
}

// Coordinator owns the shards of one cluster.
type Coordinator struct {
	cfg     Config
	logger  zerolog.Logger
	writer  string
	seq     atomic.Uint64
	factory index.Factory
	wrap    func(Node) Node

	// topoMu is held shared by requests and exclusively by rebalances.
	topoMu      sync.RWMutex
	strategy    *sharding.Strategy
	topoVersion uint64

	// shardsMu guards the slice for readers that do not hold topoMu.
	// Writers hold both.
	shardsMu sync.RWMutex
	shards   []Node
	addrs    map[string]int

	repl          *replication.Manager
	detector      *health.Detector
	ownsDetector  bool
	localReplicas bool

	ckpt *checkpoints

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

// New builds a cluster of empty shards.
//
//nolint:gocritic // Logger passed by value for constructor simplicity
func New(cfg Config, logger zerolog.Logger, opts ...Option) (*Coordinator, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.strategy != nil {
		cfg.Strategy = o.strategy.Kind()
		cfg.ShardCount = o.strategy.ShardCount()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	strategy := o.strategy
	if strategy == nil {
		var err error
		if strategy, err = cfg.NewStrategy(); err != nil {
			return nil, err
		}
	}
	factory, err := index.NewFactory(cfg.Index, cfg.Dims, cfg.Metric, cfg.HNSW)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.ErrorTypeConfiguration, "new_coordinator", "index")
	}

	writer := cfg.WriterID
	if writer == "" {
		writer = uuid.NewString()
	}

	c := &Coordinator{
		cfg:         cfg,
		logger:      logger.With().Str("component", "coordinator").Logger(),
		writer:      writer,
		factory:     factory,
		wrap:        o.wrap,
		strategy:    strategy,
		topoVersion: 1,
		addrs:       make(map[string]int),
	}

	c.detector = o.detector
	if c.detector == nil {
		c.detector = health.NewDetector(cfg.Detector, logger)
		c.ownsDetector = true
	}
	c.detector.OnFailure(c.onNodeFailure)

	for i := 0; i < cfg.ShardCount; i++ {
		if _, err := c.appendShardLocked(i); err != nil {
			return nil, err
		}
	}
	c.assignReplicasLocked()

	transport := o.transport
	if transport == nil {
		transport = localTransport{c: c}
		c.localReplicas = true
	}
	c.repl = replication.NewManager(transport, c, cfg.Replication, logger)

	if c.ckpt, err = newCheckpoints(cfg.Checkpoint, o.archive, logger); err != nil {
		c.repl.Close()
		return nil, err
	}
	for _, n := range c.shards {
		if err := c.ckpt.add(n); err != nil {
			c.Close()
			return nil, err
		}
	}

	metrics.TopologyVersion.Set(float64(c.topoVersion))
	c.logger.Info().
		Int("shards", cfg.ShardCount).
		Str("strategy", string(cfg.Strategy)).
		Int("replication_factor", cfg.ReplicationFactor).
		Str("writer", writer).
		Msg("Coordinator initialized")
	return c, nil
}

// appendShardLocked creates shard id and registers it with the detector.
// Callers hold topoMu exclusively or are still constructing c.
func (c *Coordinator) appendShardLocked(id int) (Node, error) {
	s, err := shard.New(shard.Config{
		ID:       id,
		Dims:     c.cfg.Dims,
		Capacity: c.cfg.Capacity,
		Index:    c.factory,
	}, c.logger)
	if err != nil {
		return nil, err
	}
	var n Node = s
	if c.wrap != nil {
		n = c.wrap(s)
	}
	addr := c.cfg.ShardAddress(id)
	c.shardsMu.Lock()
	c.shards = append(c.shards, n)
	c.addrs[addr] = id
	c.shardsMu.Unlock()
	c.detector.Register(addr)
	return n, nil
}

func (c *Coordinator) assignReplicasLocked() {
	for i, n := range c.shards {
		n.SetReplicas(sharding.Placement(i, c.cfg.ReplicationFactor, len(c.shards))[1:])
	}
}

// node returns shard id without requiring the topology lock.
func (c *Coordinator) node(id int) (Node, error) {
	c.shardsMu.RLock()
	defer c.shardsMu.RUnlock()
	if id < 0 || id >= len(c.shards) {
		return nil, ferrors.NewNotFoundError("shard_lookup", fmt.Sprintf("shard %d does not exist", id))
	}
	return c.shards[id], nil
}

// Failed reports whether the detector considers shard id Failed.
func (c *Coordinator) Failed(id int) bool {
	return c.detector.State(c.cfg.ShardAddress(id)) == health.StateFailed
}

// Heartbeat records a liveness signal for shard id.
func (c *Coordinator) Heartbeat(id int) error {
	return c.detector.Heartbeat(c.cfg.ShardAddress(id))
}

// Detector exposes the failure detector the shards are registered on.
func (c *Coordinator) Detector() *health.Detector {
	return c.detector
}

func (c *Coordinator) onNodeFailure(st health.NodeStatus) {
	c.shardsMu.RLock()
	id, ok := c.addrs[st.Address]
	c.shardsMu.RUnlock()
	if !ok {
		return
	}
	metrics.ShardFailoversTotal.WithLabelValues(strconv.Itoa(id)).Inc()
	c.logger.Error().
		Int("shard", id).
		Int("missed_cycles", st.ConsecutiveFailures).
		Int("replication_backlog", c.repl.QueueDepth(id)).
		Msg("Shard failed, routing around it")
}

func (c *Coordinator) nextVersion() core.Version {
	return core.Version{Seq: c.seq.Add(1), Writer: c.writer}
}

// advanceVersion moves the logical clock past seq.
func (c *Coordinator) advanceVersion(seq uint64) {
	for {
		cur := c.seq.Load()
		if cur >= seq || c.seq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// WriterID is the identifier stamped on every version this coordinator issues.
func (c *Coordinator) WriterID() string { return c.writer }

func (c *Coordinator) Dims() int { return c.cfg.Dims }

func (c *Coordinator) ShardCount() int {
	c.shardsMu.RLock()
	defer c.shardsMu.RUnlock()
	return len(c.shards)
}

// ShardForKey returns the primary shard of key under the current topology.
func (c *Coordinator) ShardForKey(key uint64) (int, error) {
	c.topoMu.RLock()
	defer c.topoMu.RUnlock()
	return c.strategy.PrimaryForKey(key)
}

func (c *Coordinator) TopologyVersion() uint64 {
	c.topoMu.RLock()
	defer c.topoMu.RUnlock()
	return c.topoVersion
}

// track opens a span and returns the function that closes it and records
// the request metrics.
func (c *Coordinator) track(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, "coordinator."+op, attrs...)
	return ctx, func(err error) {
		status := "ok"
		switch {
		case err == nil:
		case ferrors.TypeOf(err) == ferrors.ErrorTypeNotFound:
			status = "not_found"
		default:
			var pf *ferrors.PartialFailureError
			if errors.As(err, &pf) {
				status = "partial"
			} else {
				status = "error"
			}
		}
		metrics.CoordinatorRequestsTotal.WithLabelValues(op, status).Inc()
		metrics.CoordinatorDurationSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
		span.End(err)
	}
}

func (c *Coordinator) checkVector(op string, v []float32) error {
	if len(v) != c.cfg.Dims {
		return ferrors.NewValidationError(op, fmt.Sprintf("vector has %d dimensions, cluster expects %d", len(v), c.cfg.Dims))
	}
	return nil
}

// placementLocked returns the shards that should hold a record whose
// primary is primary.
func (c *Coordinator) placementLocked(primary int) []int {
	return sharding.Placement(primary, c.cfg.ReplicationFactor, len(c.shards))
}

// writableLocked picks the first non-Failed shard of placement.
func (c *Coordinator) writableLocked(op string, placement []int) (int, error) {
	for _, id := range placement {
		if !c.Failed(id) {
			return id, nil
		}
	}
	return -1, ferrors.NewUnavailableError(op, fmt.Sprintf("every shard of placement %v is failed", placement))
}

func without(ids []int, drop int) []int {
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}

// awaitQuorum waits up to WriteTimeout for the write quorum. A miss is
// logged and counted but not returned: the primary already committed.
func (c *Coordinator) awaitQuorum(ctx context.Context, ack *replication.Ack, key uint64) {
	w := c.cfg.WriteQuorum
	if w > ack.Total() {
		w = ack.Total()
	}
	if w <= 1 {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := ack.Wait(wctx, w); err != nil {
		metrics.QuorumMissesTotal.WithLabelValues("write").Inc()
		c.logger.Debug().Err(err).Uint64("key", key).Int("acked", ack.Acked()).Int("quorum", w).Msg("Write quorum not reached, replicating in background")
	}
}

// Add writes key to its primary, queues it for the replicas and waits a
// bounded time for the write quorum.
func (c *Coordinator) Add(ctx context.Context, key uint64, vector []float32) (err error) {
	ctx, end := c.track(ctx, "add", attribute.String("key", strconv.FormatUint(key, 10)))
	defer func() { end(err) }()

	if err := c.checkVector("add", vector); err != nil {
		return err
	}

	c.topoMu.RLock()
	defer c.topoMu.RUnlock()

	primary, err := c.strategy.Primary(key, vector)
	if err != nil {
		return err
	}
	placement := c.placementLocked(primary)
	acting, err := c.writableLocked("add", placement)
	if err != nil {
		return err
	}

	rec := core.Record{Key: key, Vector: core.CloneVector(vector), Version: c.nextVersion()}
	if err := c.shards[acting].Add(ctx, rec); err != nil {
		return err
	}
	ack := c.repl.Propagate(core.Mutation{Kind: core.MutationAdd, Record: rec}, 1, without(placement, acting))
	c.awaitQuorum(ctx, ack, key)
	return nil
}

type pendingWrite struct {
	rec       core.Record
	placement []int
}

// AddBatch partitions the batch by shard and writes the partitions
// concurrently, each under BatchTimeout. Every key that did not commit is
// listed in the returned *PartialFailureError.
func (c *Coordinator) AddBatch(ctx context.Context, keys []uint64, vectors [][]float32) (err error) {
	ctx, end := c.track(ctx, "add_batch", attribute.Int("size", len(keys)))
	defer func() { end(err) }()

	if len(keys) != len(vectors) {
		return ferrors.NewValidationError("add_batch", fmt.Sprintf("%d keys but %d vectors", len(keys), len(vectors)))
	}
	for i, v := range vectors {
		if len(v) != c.cfg.Dims {
			return ferrors.NewValidationError("add_batch",
				fmt.Sprintf("key %d: vector has %d dimensions, cluster expects %d", keys[i], len(v), c.cfg.Dims))
		}
	}

	c.topoMu.RLock()
	defer c.topoMu.RUnlock()

	pf := ferrors.NewPartialFailure("add_batch")
	parts := make(map[int][]pendingWrite)
	for i, key := range keys {
		primary, err := c.strategy.Primary(key, vectors[i])
		if err != nil {
			return err
		}
		placement := c.placementLocked(primary)
		acting, err := c.writableLocked("add_batch", placement)
		if err != nil {
			pf.AddShard(primary, err, key)
			continue
		}
		parts[acting] = append(parts[acting], pendingWrite{
			rec:       core.Record{Key: key, Vector: core.CloneVector(vectors[i]), Version: c.nextVersion()},
			placement: placement,
		})
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(len(c.shards))
	for id, batch := range parts {
		g.Go(func() error {
			failed, cause := c.writePartition(ctx, id, batch)
			if len(failed) > 0 {
				mu.Lock()
				pf.AddShard(id, cause, failed...)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if perr := pf.ErrOrNil(); perr != nil {
		metrics.BatchFailedKeysTotal.Add(float64(len(pf.FailedKeys)))
		c.logger.Warn().Int("failed_keys", len(pf.FailedKeys)).Ints("shards", pf.FailedShards).Msg("Batch partially failed")
		return perr
	}
	return nil
}

// writePartition commits batch on shard id and replicates what committed.
// A partition that misses its deadline reports every key as failed.
func (c *Coordinator) writePartition(ctx context.Context, id int, batch []pendingWrite) ([]uint64, error) {
	pctx, cancel := context.WithTimeout(ctx, c.cfg.BatchTimeout)
	defer cancel()

	recs := make([]core.Record, len(batch))
	for i, p := range batch {
		recs[i] = p.rec
	}

	type result struct {
		failed []uint64
		err    error
	}
	n := c.shards[id]
	ch := make(chan result, 1)
	go func() {
		_, failed, err := n.AddBatch(pctx, recs)
		ch <- result{failed: failed, err: err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-pctx.Done():
		keys := make([]uint64, len(recs))
		for i, rec := range recs {
			keys[i] = rec.Key
		}
		return keys, ferrors.WrapTimeoutError(pctx.Err(), "add_batch", fmt.Sprintf("shard %d missed the batch deadline", id))
	}

	failed := make(map[uint64]struct{}, len(r.failed))
	for _, k := range r.failed {
		failed[k] = struct{}{}
	}
	for _, p := range batch {
		if _, bad := failed[p.rec.Key]; bad {
			continue
		}
		c.repl.Propagate(core.Mutation{Kind: core.MutationAdd, Record: p.rec}, 1, without(p.placement, id))
	}
	if len(r.failed) > 0 && r.err == nil {
		r.err = ferrors.NewStorageError("add_batch", fmt.Sprintf("shard %d rejected %d keys", id, len(r.failed)))
	}
	return r.failed, r.err
}

// routeQueryLocked replaces Failed targets with their least loaded healthy
// replica and drops duplicates.
func (c *Coordinator) routeQueryLocked(targets []int) []Node {
	seen := make(map[int]bool, len(targets))
	out := make([]Node, 0, len(targets))
	for _, t := range targets {
		id := t
		if c.Failed(t) {
			id = c.healthyReplicaLocked(t)
			if id < 0 {
				metrics.SearchDegradedShardsTotal.WithLabelValues("unavailable").Inc()
				c.logger.Debug().Int("shard", t).Msg("Shard failed with no healthy replica, skipping")
				continue
			}
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, c.shards[id])
		}
	}
	return out
}

func (c *Coordinator) healthyReplicaLocked(primary int) int {
	best, bestScore := -1, 0.0
	for _, id := range c.placementLocked(primary)[1:] {
		if c.Failed(id) {
			continue
		}
		score := c.shards[id].Stats().LoadScore()
		if best < 0 || score < bestScore {
			best, bestScore = id, score
		}
	}
	return best
}

// readSetLocked picks up to ReadQuorum healthy shards of primary's
// placement: the primary first when healthy, then replicas by load.
func (c *Coordinator) readSetLocked(primary int) []int {
	placement := c.placementLocked(primary)
	var out []int
	if !c.Failed(primary) {
		out = append(out, primary)
	}
	replicas := make([]int, 0, len(placement)-1)
	for _, id := range placement[1:] {
		if !c.Failed(id) {
			replicas = append(replicas, id)
		}
	}
	scores := make(map[int]float64, len(replicas))
	for _, id := range replicas {
		scores[id] = c.shards[id].Stats().LoadScore()
	}
	sort.SliceStable(replicas, func(i, j int) bool { return scores[replicas[i]] < scores[replicas[j]] })
	out = append(out, replicas...)
	if len(out) > c.cfg.ReadQuorum {
		out = out[:c.cfg.ReadQuorum]
	}
	return out
}

func (c *Coordinator) checkQuery(query []float32, k int) error {
	if err := c.checkVector("search", query); err != nil {
		return err
	}
	if k <= 0 {
		return ferrors.NewValidationError("search", fmt.Sprintf("k must be positive, got %d", k))
	}
	return nil
}

func (c *Coordinator) searchNodes(ctx context.Context, nodes []Node, query []float32, k int) [][]core.Hit {
	metrics.SearchFanoutShards.Observe(float64(len(nodes)))
	res := gather(ctx, nodes, c.cfg.SearchTimeout, func(ctx context.Context, n Node) ([]core.Hit, error) {
		return n.Search(ctx, query, k)
	})
	for id, err := range res.failed {
		reason := "error"
		if ferrors.TypeOf(err) == ferrors.ErrorTypeTimeout {
			reason = "timeout"
		}
		metrics.SearchDegradedShardsTotal.WithLabelValues(reason).Inc()
		c.logger.Warn().Err(err).Int("shard", id).Msg("Shard search failed, treating as empty")
	}
	if len(res.late) > 0 {
		metrics.SearchDegradedShardsTotal.WithLabelValues("timeout").Add(float64(len(res.late)))
		c.logger.Warn().Ints("shards", res.late).Dur("timeout", c.cfg.SearchTimeout).Msg("Shards missed the search deadline, treating as empty")
	}
	return res.results
}

// Search probes the shards chosen by the strategy and merges their
// answers. Shards that fail or miss SearchTimeout contribute nothing;
// fewer than k hits is not an error.
func (c *Coordinator) Search(ctx context.Context, query []float32, k, nProbe int) (hits []core.Hit, err error) {
	ctx, end := c.track(ctx, "search", attribute.Int("k", k), attribute.Int("n_probe", nProbe))
	defer func() { end(err) }()

	if err := c.checkQuery(query, k); err != nil {
		return nil, err
	}

	c.topoMu.RLock()
	defer c.topoMu.RUnlock()

	nodes := c.routeQueryLocked(c.strategy.TargetsForQuery(query, nProbe))
	return mergeHits(k, c.searchNodes(ctx, nodes, query, k)...), nil
}

// SearchQuorum reads ReadQuorum shards of every probed placement and keeps
// the newest version of each key before merging.
func (c *Coordinator) SearchQuorum(ctx context.Context, query []float32, k, nProbe int) (hits []core.Hit, err error) {
	ctx, end := c.track(ctx, "search_quorum", attribute.Int("k", k), attribute.Int("n_probe", nProbe))
	defer func() { end(err) }()

	if err := c.checkQuery(query, k); err != nil {
		return nil, err
	}

	c.topoMu.RLock()
	defer c.topoMu.RUnlock()

	seen := make(map[int]bool)
	var nodes []Node
	for _, t := range c.strategy.TargetsForQuery(query, nProbe) {
		set := c.readSetLocked(t)
		if len(set) < c.cfg.ReadQuorum {
			metrics.QuorumMissesTotal.WithLabelValues("read").Inc()
		}
		if len(set) == 0 {
			metrics.SearchDegradedShardsTotal.WithLabelValues("unavailable").Inc()
		}
		for _, id := range set {
			if !seen[id] {
				seen[id] = true
				nodes = append(nodes, c.shards[id])
			}
		}
	}
	resolved := replication.ResolveLWW(c.searchNodes(ctx, nodes, query, k)...)
	return mergeHits(k, resolved), nil
}

// Get reads key from ReadQuorum shards of its placement and returns the
// newest version.
func (c *Coordinator) Get(ctx context.Context, key uint64) (rec core.Record, err error) {
	ctx, end := c.track(ctx, "get", attribute.String("key", strconv.FormatUint(key, 10)))
	defer func() { end(err) }()

	c.topoMu.RLock()
	defer c.topoMu.RUnlock()

	primary, err := c.strategy.PrimaryForKey(key)
	if err != nil {
		return core.Record{}, err
	}
	set := c.readSetLocked(primary)
	if len(set) == 0 {
		return core.Record{}, ferrors.NewUnavailableError("get", fmt.Sprintf("every shard holding key %d is failed", key))
	}
	if len(set) < c.cfg.ReadQuorum {
		metrics.QuorumMissesTotal.WithLabelValues("read").Inc()
	}
	nodes := make([]Node, len(set))
	for i, id := range set {
		nodes[i] = c.shards[id]
	}
	res := gather(ctx, nodes, c.cfg.SearchTimeout, func(ctx context.Context, n Node) (core.Record, error) {
		return n.Get(ctx, key)
	})
	best, ok := replication.ResolveRecord(res.results...)
	if !ok {
		return core.Record{}, ferrors.NewNotFoundError("get", fmt.Sprintf("key %d not found", key))
	}
	return best, nil
}

// Remove deletes key on its primary and replicates the tombstone. It
// returns ErrNotFound when the primary did not hold key.
func (c *Coordinator) Remove(ctx context.Context, key uint64) (err error) {
	ctx, end := c.track(ctx, "remove", attribute.String("key", strconv.FormatUint(key, 10)))
	defer func() { end(err) }()

	c.topoMu.RLock()
	defer c.topoMu.RUnlock()

	primary, err := c.strategy.PrimaryForKey(key)
	if err != nil {
		return err
	}
	placement := c.placementLocked(primary)
	acting, err := c.writableLocked("remove", placement)
	if err != nil {
		return err
	}

	version := c.nextVersion()
	removeErr := c.shards[acting].Remove(ctx, key, version)
	if removeErr != nil && ferrors.TypeOf(removeErr) != ferrors.ErrorTypeNotFound {
		return removeErr
	}
	mut := core.Mutation{Kind: core.MutationRemove, Record: core.Record{Key: key, Version: version}}
	ack := c.repl.Propagate(mut, 1, without(placement, acting))
	if removeErr == nil {
		c.awaitQuorum(ctx, ack, key)
	}
	return removeErr
}

// ShardStats describes one shard in ClusterStats.
type ShardStats struct {
	shard.Stats
	Health     string  `json:"health"`
	Replicas   []int   `json:"replicas"`
	QueueDepth int     `json:"replication_queue_depth"`
	LoadScore  float64 `json:"load_score"`
}

// ClusterStats is a point-in-time view of the cluster.
type ClusterStats struct {
	TopologyVersion   uint64        `json:"topology_version"`
	Strategy          sharding.Kind `json:"strategy"`
	ShardCount        int           `json:"shard_count"`
	ReplicationFactor int           `json:"replication_factor"`
	WriteQuorum       int           `json:"write_quorum"`
	ReadQuorum        int           `json:"read_quorum"`
	TotalVectors      int           `json:"total_vectors"`
	ReplicationQueue  int           `json:"replication_queue_depth"`
	Writer            string        `json:"writer"`
	Shards            []ShardStats  `json:"shards"`
}

func (c *Coordinator) ClusterStats() ClusterStats {
	c.topoMu.RLock()
	defer c.topoMu.RUnlock()

	st := ClusterStats{
		TopologyVersion:   c.topoVersion,
		Strategy:          c.strategy.Kind(),
		ShardCount:        len(c.shards),
		ReplicationFactor: c.cfg.ReplicationFactor,
		WriteQuorum:       c.cfg.WriteQuorum,
		ReadQuorum:        c.cfg.ReadQuorum,
		ReplicationQueue:  c.repl.TotalDepth(),
		Writer:            c.writer,
		Shards:            make([]ShardStats, 0, len(c.shards)),
	}
	for i, n := range c.shards {
		s := n.Stats()
		st.TotalVectors += s.Size
		st.Shards = append(st.Shards, ShardStats{
			Stats:      s,
			Health:     c.detector.State(c.cfg.ShardAddress(i)).String(),
			Replicas:   n.Replicas(),
			QueueDepth: c.repl.QueueDepth(i),
			LoadScore:  s.LoadScore(),
		})
	}
	return st
}

// Flush waits until every replication queue is empty.
func (c *Coordinator) Flush(ctx context.Context) error {
	return c.repl.Flush(ctx)
}

// DropReplica stops replicating to shard id; ReinstateReplica resumes.
func (c *Coordinator) DropReplica(id int)      { c.repl.DropReplica(id) }
func (c *Coordinator) ReinstateReplica(id int) { c.repl.ReinstateReplica(id) }

// Start runs the background loops: failure detection (when the detector is
// owned), in-process heartbeats and periodic checkpoints.
func (c *Coordinator) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return ferrors.NewValidationError("coordinator_start", "coordinator already running")
	}
	if c.ownsDetector {
		if err := c.detector.Start(ctx); err != nil {
			return err
		}
	}
	if err := c.ckpt.start(ctx); err != nil {
		if c.ownsDetector {
			c.detector.Stop()
		}
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	if c.localReplicas && c.cfg.HeartbeatInterval > 0 {
		go c.heartbeatLoop(ctx, c.done)
	} else {
		close(c.done)
	}
	return nil
}

func (c *Coordinator) heartbeatLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		c.beatLocal()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) beatLocal() {
	c.shardsMu.RLock()
	n := len(c.shards)
	c.shardsMu.RUnlock()
	for i := 0; i < n; i++ {
		_ = c.Heartbeat(i)
	}
}

// Stop ends the background loops and waits for them.
func (c *Coordinator) Stop() {
	c.runMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.ckpt.stop()
	if c.ownsDetector {
		c.detector.Stop()
	}
}

// Close stops everything and releases the replication workers and the
// checkpoint manifest. Pending replication is discarded. A shared detector
// stops tracking this cluster's shards.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.Stop()
		c.repl.Close()
		if !c.ownsDetector {
			c.topoMu.RLock()
			for addr := range c.addrs {
				c.detector.Unregister(addr)
			}
			c.topoMu.RUnlock()
		}
		if err := c.ckpt.close(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to close checkpoint manifest")
		}
	})
}
