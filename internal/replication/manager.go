// Package replication mirrors committed primary writes onto replica shards.
//
// Every target shard has one ordered queue drained by one worker, so a
// replica applies mutations in the order its primary committed them. A
// worker whose target is Failed, or whose last attempt errored, retries the
// head of its queue with capped exponential backoff until it succeeds or the
// replica is dropped.
package replication

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/23skdu/fletch/internal/core"
	ferrors "github.com/23skdu/fletch/internal/errors"
	"github.com/23skdu/fletch/internal/limiter"
	"github.com/23skdu/fletch/internal/metrics"
	"github.com/23skdu/fletch/internal/resilience"
)

// Transport applies a mutation to one shard. It may be in-process or remote.
type Transport interface {
	Apply(ctx context.Context, shardID int, m core.Mutation) error
}

// HealthOracle reports whether a shard is currently Failed.
type HealthOracle interface {
	Failed(shardID int) bool
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, shardID int, m core.Mutation) error

func (f TransportFunc) Apply(ctx context.Context, shardID int, m core.Mutation) error {
	return f(ctx, shardID, m)
}

type Config struct {
	Backoff *resilience.RetryPolicy
	// Limit throttles each worker's apply rate.
	Limit limiter.Config
	// ApplyTimeout bounds a single Transport.Apply call.
	ApplyTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Backoff:      resilience.ReplicationPolicy(),
		ApplyTimeout: 5 * time.Second,
	}
}

// Manager owns the per-replica queues.
type Manager struct {
	transport Transport
	health    HealthOracle
	cfg       Config
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[int]*worker
	dropped map[int]bool
	closed  bool
}

// NewManager creates a manager. health may be nil when every target is
// assumed reachable.
//
//nolint:gocritic // Logger passed by value for constructor simplicity
func NewManager(transport Transport, health HealthOracle, cfg Config, logger zerolog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.Backoff == nil {
		cfg.Backoff = def.Backoff
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = def.ApplyTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		transport: transport,
		health:    health,
		cfg:       cfg,
		logger:    logger.With().Str("component", "replication").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		workers:   make(map[int]*worker),
		dropped:   make(map[int]bool),
	}
}

// Propagate enqueues m for every target and returns an Ack that already
// counts primaryAcks (1 when the primary committed synchronously). Dropped
// targets are counted as failed.
func (m *Manager) Propagate(mut core.Mutation, primaryAcks int, targets []int) *Ack {
	ack := newAck(primaryAcks+len(targets), primaryAcks)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, target := range targets {
		if m.closed || m.dropped[target] {
			metrics.ReplicationDroppedTotal.WithLabelValues(strconv.Itoa(target)).Inc()
			ack.record(false)
			continue
		}
		m.workerLocked(target).enqueue(task{mutation: mut, ack: ack})
	}
	return ack
}

func (m *Manager) workerLocked(target int) *worker {
	w, ok := m.workers[target]
	if ok {
		return w
	}
	ctx, cancel := context.WithCancel(m.ctx)
	w = &worker{
		m:       m,
		target:  target,
		label:   strconv.Itoa(target),
		signal:  make(chan struct{}, 1),
		limiter: limiter.NewRateLimiter(m.cfg.Limit, "replication"),
		backoff: resilience.NewBackoff(m.cfg.Backoff),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	m.workers[target] = w
	m.wg.Add(1)
	go w.run()
	return w
}

// DropReplica stops replicating to target and discards its pending tasks.
// Later writes skip it until ReinstateReplica.
func (m *Manager) DropReplica(target int) {
	m.mu.Lock()
	m.dropped[target] = true
	w := m.workers[target]
	delete(m.workers, target)
	m.mu.Unlock()

	if w != nil {
		w.stop()
	}
	m.logger.Warn().Int("shard", target).Msg("Replica dropped")
}

// ReinstateReplica resumes replication to a previously dropped target.
func (m *Manager) ReinstateReplica(target int) {
	m.mu.Lock()
	delete(m.dropped, target)
	m.mu.Unlock()
}

// Dropped reports whether target was dropped.
func (m *Manager) Dropped(target int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[target]
}

// QueueDepth returns pending tasks for target.
func (m *Manager) QueueDepth(target int) int {
	m.mu.Lock()
	w := m.workers[target]
	m.mu.Unlock()
	if w == nil {
		return 0
	}
	return w.depth()
}

// TotalDepth returns pending tasks across all targets.
func (m *Manager) TotalDepth() int {
	m.mu.Lock()
	ws := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		ws = append(ws, w)
	}
	m.mu.Unlock()

	total := 0
	for _, w := range ws {
		total += w.depth()
	}
	return total
}

// Flush waits until every queue is empty or ctx ends.
func (m *Manager) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if m.TotalDepth() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ferrors.WrapTimeoutError(ctx.Err(), "replication_flush", "queues not drained")
		case <-ticker.C:
		}
	}
}

// Close stops all workers and waits for them. Pending tasks are discarded.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}
