package replication

import (
	"context"
	"sync"
	"time"

	"github.com/23skdu/fletch/internal/core"
	"github.com/23skdu/fletch/internal/limiter"
	"github.com/23skdu/fletch/internal/metrics"
	"github.com/23skdu/fletch/internal/resilience"
)

type task struct {
	mutation core.Mutation
	ack      *Ack
}

// worker drains the queue of one target shard in arrival order.
type worker struct {
	m       *Manager
	target  int
	label   string
	limiter *limiter.RateLimiter
	backoff *resilience.Backoff

	mu     sync.Mutex
	queue  []task
	signal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (w *worker) enqueue(t task) {
	w.mu.Lock()
	w.queue = append(w.queue, t)
	n := len(w.queue)
	w.mu.Unlock()
	metrics.ReplicationQueueDepth.WithLabelValues(w.label).Set(float64(n))

	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *worker) depth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *worker) head() (task, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return task{}, false
	}
	return w.queue[0], true
}

func (w *worker) pop() {
	w.mu.Lock()
	w.queue[0] = task{}
	w.queue = w.queue[1:]
	n := len(w.queue)
	w.mu.Unlock()
	metrics.ReplicationQueueDepth.WithLabelValues(w.label).Set(float64(n))
}

func (w *worker) run() {
	defer w.m.wg.Done()
	defer close(w.done)
	defer w.discard()

	for {
		t, ok := w.head()
		if !ok {
			select {
			case <-w.ctx.Done():
				return
			case <-w.signal:
				continue
			}
		}

		if w.m.health != nil && w.m.health.Failed(w.target) {
			metrics.ReplicationRetriesTotal.WithLabelValues(w.label, "failed").Inc()
			if !w.sleep(w.backoff.Next()) {
				return
			}
			continue
		}

		if err := w.limiter.Wait(w.ctx); err != nil {
			return
		}

		err := w.apply(t.mutation)
		if err != nil && w.ctx.Err() != nil {
			return
		}
		switch {
		case err == nil:
			w.pop()
			w.backoff.Reset()
			t.ack.record(true)
			metrics.ReplicationAppliedTotal.WithLabelValues(w.label).Inc()
		case !resilience.DefaultRetryableFunc(err):
			w.pop()
			t.ack.record(false)
			metrics.ReplicationDroppedTotal.WithLabelValues(w.label).Inc()
			w.m.logger.Error().Err(err).Int("shard", w.target).Uint64("key", t.mutation.Record.Key).
				Msg("Replica rejected mutation, skipping")
		default:
			metrics.ReplicationRetriesTotal.WithLabelValues(w.label, "error").Inc()
			delay := w.backoff.Next()
			w.m.logger.Warn().Err(err).Int("shard", w.target).Dur("backoff", delay).
				Int("failures", w.backoff.Failures()).Msg("Replication attempt failed")
			if !w.sleep(delay) {
				return
			}
		}
	}
}

func (w *worker) apply(mut core.Mutation) error {
	ctx, cancel := context.WithTimeout(w.ctx, w.m.cfg.ApplyTimeout)
	defer cancel()
	return w.m.transport.Apply(ctx, w.target, mut)
}

// sleep waits d and reports false if the worker was stopped meanwhile.
func (w *worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-w.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// discard fails every pending task so that quorum waiters return.
func (w *worker) discard() {
	w.mu.Lock()
	pending := w.queue
	w.queue = nil
	w.mu.Unlock()

	for _, t := range pending {
		t.ack.record(false)
		metrics.ReplicationDroppedTotal.WithLabelValues(w.label).Inc()
	}
	metrics.ReplicationQueueDepth.WithLabelValues(w.label).Set(0)
}

func (w *worker) stop() {
	w.cancel()
	<-w.done
}
