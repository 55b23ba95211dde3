// Package shard holds one partition of the cluster: a local index plus the
// per-key versions that make replicated writes converge.
package shard

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/rs/zerolog"

	"github.com/23skdu/fletch/internal/core"
	ferrors "github.com/23skdu/fletch/internal/errors"
	"github.com/23skdu/fletch/internal/index"
	"github.com/23skdu/fletch/internal/metrics"
)

// Config describes a shard.
type Config struct {
	ID   int
	Dims int
	// Capacity bounds the number of live keys; 0 means unbounded.
	Capacity int
	Index    index.Factory
}

// Shard owns one index. Mutations, Snapshot and Restore hold the write
// lock; Search, Get and Keys share the read lock.
type Shard struct {
	id       int
	label    string
	dims     int
	capacity int
	factory  index.Factory
	logger   zerolog.Logger

	mu         sync.RWMutex
	idx        index.Index
	versions   map[uint64]core.Version
	tombstones map[uint64]core.Version
	keys       *roaring64.Bitmap

	replicasMu sync.RWMutex
	replicas   []int

	stats counters
}

// New creates an empty shard.
//
//nolint:gocritic // Logger passed by value for constructor simplicity
func New(cfg Config, logger zerolog.Logger) (*Shard, error) {
	if cfg.Dims <= 0 {
		return nil, ferrors.NewValidationError("new_shard", fmt.Sprintf("dimension must be positive, got %d", cfg.Dims))
	}
	if cfg.Capacity < 0 {
		return nil, ferrors.NewValidationError("new_shard", "capacity must not be negative")
	}
	factory := cfg.Index
	if factory == nil {
		var err error
		factory, err = index.NewFactory(index.KindFlat, cfg.Dims, core.MetricEuclidean, index.DefaultHNSWConfig())
		if err != nil {
			return nil, err
		}
	}
	s := &Shard{
		id:       cfg.ID,
		label:    strconv.Itoa(cfg.ID),
		dims:     cfg.Dims,
		capacity: cfg.Capacity,
		factory:  factory,
		logger:   logger.With().Int("shard", cfg.ID).Logger(),
	}
	s.resetLocked(factory())
	return s, nil
}

func (s *Shard) resetLocked(idx index.Index) {
	s.idx = idx
	s.versions = make(map[uint64]core.Version)
	s.tombstones = make(map[uint64]core.Version)
	s.keys = roaring64.New()
}

func (s *Shard) ID() int       { return s.id }
func (s *Shard) Dims() int     { return s.dims }
func (s *Shard) Capacity() int { return s.capacity }

// Len returns the number of live keys.
func (s *Shard) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.versions)
}

// Replicas returns the shards that mirror this shard's primary keys.
func (s *Shard) Replicas() []int {
	s.replicasMu.RLock()
	defer s.replicasMu.RUnlock()
	return append([]int(nil), s.replicas...)
}

func (s *Shard) SetReplicas(ids []int) {
	s.replicasMu.Lock()
	s.replicas = append([]int(nil), ids...)
	s.replicasMu.Unlock()
}

// Add stores rec unless a newer or equal version (live or removed) is
// already present, in which case the write is ignored.
func (s *Shard) Add(ctx context.Context, rec core.Record) (err error) {
	done := s.stats.begin()
	defer func() { done(err) }()
	if err := ctx.Err(); err != nil {
		return ferrors.WrapTimeoutError(err, "shard_add", "context done before write")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(rec)
}

func (s *Shard) addLocked(rec core.Record) error {
	if len(rec.Vector) != s.dims {
		s.count("add", "error")
		return ferrors.NewValidationError("shard_add",
			fmt.Sprintf("vector has %d dimensions, shard expects %d", len(rec.Vector), s.dims)).
			WithContext("shard", s.id).WithContext("key", rec.Key)
	}
	if s.stale(rec.Key, rec.Version) {
		s.count("add", "stale")
		return nil
	}
	_, live := s.versions[rec.Key]
	if !live && s.capacity > 0 && len(s.versions) >= s.capacity {
		s.count("add", "error")
		return ferrors.NewCapacityError("shard_add", fmt.Sprintf("shard %d is full (%d vectors)", s.id, s.capacity)).
			WithContext("shard", s.id).WithContext("key", rec.Key)
	}
	if err := s.idx.Add(rec.Key, rec.Vector); err != nil {
		s.count("add", "error")
		return ferrors.WrapValidationError(err, "shard_add", "index rejected vector")
	}
	s.versions[rec.Key] = rec.Version
	delete(s.tombstones, rec.Key)
	s.keys.Add(rec.Key)
	s.stats.adds.Add(1)
	s.count("add", "ok")
	metrics.ShardVectors.WithLabelValues(s.label).Set(float64(len(s.versions)))
	return nil
}

// stale reports whether v does not supersede what is stored for key.
func (s *Shard) stale(key uint64, v core.Version) bool {
	if cur, ok := s.versions[key]; ok && !v.Newer(cur) {
		return true
	}
	if dead, ok := s.tombstones[key]; ok && !v.Newer(dead) {
		return true
	}
	return false
}

// AddBatch applies recs in order under one lock. It returns how many
// committed, the keys that did not, and the first failure cause.
func (s *Shard) AddBatch(ctx context.Context, recs []core.Record) (succeeded int, failed []uint64, err error) {
	done := s.stats.begin()
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, rec := range recs {
		if ctxErr := ctx.Err(); ctxErr != nil {
			for _, r := range recs[i:] {
				failed = append(failed, r.Key)
			}
			if err == nil {
				err = ferrors.WrapTimeoutError(ctxErr, "shard_add_batch", "deadline reached mid-batch")
			}
			return succeeded, failed, err
		}
		if addErr := s.addLocked(rec); addErr != nil {
			failed = append(failed, rec.Key)
			if err == nil {
				err = addErr
			}
			continue
		}
		succeeded++
	}
	return succeeded, failed, err
}

// Search returns up to k hits ascending by distance. An empty shard yields
// an empty result, never an error.
func (s *Shard) Search(ctx context.Context, query []float32, k int) (hits []core.Hit, err error) {
	done := s.stats.begin()
	defer func() { done(err) }()
	if len(query) != s.dims {
		s.count("search", "error")
		return nil, ferrors.NewValidationError("shard_search",
			fmt.Sprintf("query has %d dimensions, shard expects %d", len(query), s.dims))
	}
	if err := ctx.Err(); err != nil {
		return nil, ferrors.WrapTimeoutError(err, "shard_search", "context done before search")
	}

	start := time.Now()
	s.mu.RLock()
	neighbors := s.idx.Search(query, k)
	hits = make([]core.Hit, 0, len(neighbors))
	for _, n := range neighbors {
		hits = append(hits, core.Hit{Key: n.Key, Distance: n.Distance, Version: s.versions[n.Key]})
	}
	s.mu.RUnlock()

	s.stats.searches.Add(1)
	s.count("search", "ok")
	metrics.ShardSearchDurationSeconds.WithLabelValues(s.label).Observe(time.Since(start).Seconds())
	return hits, nil
}

// Remove deletes key when version supersedes the stored write and leaves a
// tombstone so older replicated adds cannot bring it back. It returns
// ErrNotFound when key is not live.
func (s *Shard) Remove(ctx context.Context, key uint64, version core.Version) (err error) {
	done := s.stats.begin()
	defer func() { done(err) }()
	if err := ctx.Err(); err != nil {
		return ferrors.WrapTimeoutError(err, "shard_remove", "context done before remove")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, live := s.versions[key]
	if !live {
		if dead, ok := s.tombstones[key]; !ok || version.Newer(dead) {
			s.tombstones[key] = version
		}
		s.count("remove", "error")
		return ferrors.NewNotFoundError("shard_remove", fmt.Sprintf("key %d not in shard %d", key, s.id))
	}
	if !version.Newer(cur) {
		s.count("remove", "stale")
		return nil
	}
	s.idx.Remove(key)
	delete(s.versions, key)
	s.tombstones[key] = version
	s.keys.Remove(key)
	s.stats.removes.Add(1)
	s.count("remove", "ok")
	metrics.ShardVectors.WithLabelValues(s.label).Set(float64(len(s.versions)))
	return nil
}

// Apply routes a replicated mutation. A remove of a key this shard never
// saw still records the tombstone and is not an error.
func (s *Shard) Apply(ctx context.Context, m core.Mutation) error {
	switch m.Kind {
	case core.MutationAdd:
		return s.Add(ctx, m.Record)
	case core.MutationRemove:
		err := s.Remove(ctx, m.Record.Key, m.Record.Version)
		if ferrors.TypeOf(err) == ferrors.ErrorTypeNotFound {
			return nil
		}
		return err
	default:
		return ferrors.NewValidationError("shard_apply", fmt.Sprintf("unknown mutation %d", m.Kind))
	}
}

// Evict drops keys without leaving tombstones. It is used when records
// have been copied to the shard that now owns them.
func (s *Shard) Evict(keys ...uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, key := range keys {
		if _, ok := s.versions[key]; !ok {
			continue
		}
		s.idx.Remove(key)
		delete(s.versions, key)
		s.keys.Remove(key)
		n++
	}
	if n > 0 {
		metrics.ShardVectors.WithLabelValues(s.label).Set(float64(len(s.versions)))
	}
	return n
}

// Get returns the live record stored under key.
func (s *Shard) Get(ctx context.Context, key uint64) (core.Record, error) {
	if err := ctx.Err(); err != nil {
		return core.Record{}, ferrors.WrapTimeoutError(err, "shard_get", "context done before lookup")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.versions[key]
	if !ok {
		return core.Record{}, ferrors.NewNotFoundError("shard_get", fmt.Sprintf("key %d not in shard %d", key, s.id))
	}
	vec, ok := s.idx.Lookup(key)
	if !ok {
		return core.Record{}, ferrors.NewStorageError("shard_get", fmt.Sprintf("key %d has a version but no vector", key))
	}
	return core.Record{Key: key, Vector: vec, Version: v}, nil
}

// Keys returns a copy of the live key set.
func (s *Shard) Keys() *roaring64.Bitmap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys.Clone()
}

// MaxSeq returns the highest version sequence the shard has seen,
// tombstones included.
func (s *Shard) MaxSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var maxSeq uint64
	for _, v := range s.versions {
		if v.Seq > maxSeq {
			maxSeq = v.Seq
		}
	}
	for _, v := range s.tombstones {
		if v.Seq > maxSeq {
			maxSeq = v.Seq
		}
	}
	return maxSeq
}

// Stats returns the shard's request counters and size.
func (s *Shard) Stats() Stats {
	st := s.stats.snapshot()
	st.ShardID = s.id
	st.Capacity = s.capacity
	st.Size = s.Len()
	return st
}

func (s *Shard) count(op, result string) {
	metrics.ShardOperationsTotal.WithLabelValues(s.label, op, result).Inc()
}
