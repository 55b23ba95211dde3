package replication

import (
	"context"
	"fmt"
	"sync"

	ferrors "github.com/23skdu/fletch/internal/errors"
)

// Ack counts acknowledgements for one write across its placement.
type Ack struct {
	mu      sync.Mutex
	acked   int
	failed  int
	total   int
	changed chan struct{}
}

func newAck(total, initial int) *Ack {
	return &Ack{acked: initial, total: total, changed: make(chan struct{})}
}

func (a *Ack) record(ok bool) {
	a.mu.Lock()
	if ok {
		a.acked++
	} else {
		a.failed++
	}
	close(a.changed)
	a.changed = make(chan struct{})
	a.mu.Unlock()
}

// Acked returns the acknowledgements received so far.
func (a *Ack) Acked() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acked
}

// Total is the number of shards the write was placed on.
func (a *Ack) Total() int {
	return a.total
}

// Wait blocks until n shards acknowledged, until n can no longer be reached
// or until ctx ends. It returns ErrTimeout when the quorum was missed.
func (a *Ack) Wait(ctx context.Context, n int) error {
	for {
		a.mu.Lock()
		acked, failed, ch := a.acked, a.failed, a.changed
		a.mu.Unlock()

		if acked >= n {
			return nil
		}
		if a.total-failed < n {
			return ferrors.NewUnavailableError("quorum_wait",
				fmt.Sprintf("%d of %d replicas failed, quorum %d unreachable", failed, a.total, n))
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ferrors.WrapTimeoutError(ctx.Err(), "quorum_wait",
				fmt.Sprintf("%d of %d acks before deadline", acked, n))
		}
	}
}
