package health

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	ferrors "github.com/23skdu/fletch/internal/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestDetector(clock *fakeClock) *Detector {
	return NewDetector(Config{Timeout: time.Second, Interval: time.Second, FailureThreshold: 3, Clock: clock.Now}, zerolog.Nop())
}

func TestDetector_FailsAfterThreeMissedCycles(t *testing.T) {
	clock := newFakeClock()
	d := newTestDetector(clock)
	d.Register("shard-0")

	var fired []NodeStatus
	d.OnFailure(func(st NodeStatus) { fired = append(fired, st) })

	clock.Advance(2 * time.Second)

	d.DetectOnce()
	assert.Equal(t, StateSuspected, d.State("shard-0"))
	d.DetectOnce()
	assert.Equal(t, StateSuspected, d.State("shard-0"))
	assert.Empty(t, fired)

	d.DetectOnce()
	assert.Equal(t, StateFailed, d.State("shard-0"))
	require.Len(t, fired, 1)
	assert.Equal(t, "shard-0", fired[0].Address)
	assert.Equal(t, 3, fired[0].ConsecutiveFailures)
	assert.False(t, fired[0].Alive)

	// Staying Failed does not fire again.
	for i := 0; i < 5; i++ {
		d.DetectOnce()
	}
	assert.Len(t, fired, 1)

	require.NoError(t, d.Heartbeat("shard-0"))
	st, ok := d.Status("shard-0")
	require.True(t, ok)
	assert.Equal(t, StateHealthy, st.State)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.True(t, st.Alive)

	// A new episode fires again.
	clock.Advance(2 * time.Second)
	d.DetectOnce()
	d.DetectOnce()
	d.DetectOnce()
	assert.Len(t, fired, 2)
}

func TestDetector_HeartbeatWithinTimeout(t *testing.T) {
	clock := newFakeClock()
	d := newTestDetector(clock)
	d.Register("a")

	for i := 0; i < 10; i++ {
		clock.Advance(600 * time.Millisecond)
		require.NoError(t, d.Heartbeat("a"))
		d.DetectOnce()
		assert.Equal(t, StateHealthy, d.State("a"))
	}
}

func TestDetector_SuspectedRecovers(t *testing.T) {
	clock := newFakeClock()
	d := newTestDetector(clock)
	d.Register("a")

	clock.Advance(1500 * time.Millisecond)
	d.DetectOnce()
	d.DetectOnce()
	require.Equal(t, StateSuspected, d.State("a"))

	require.NoError(t, d.Heartbeat("a"))
	d.DetectOnce()
	assert.Equal(t, StateHealthy, d.State("a"))

	// The counter restarted: two more missed cycles are not enough.
	clock.Advance(1500 * time.Millisecond)
	d.DetectOnce()
	d.DetectOnce()
	assert.Equal(t, StateSuspected, d.State("a"))
}

func TestDetector_UnknownNodes(t *testing.T) {
	d := newTestDetector(newFakeClock())
	assert.ErrorIs(t, d.Heartbeat("nobody"), ferrors.ErrNotFound)
	assert.Equal(t, StateHealthy, d.State("nobody"))
	_, ok := d.Status("nobody")
	assert.False(t, ok)

	d.Register("b")
	d.Register("a")
	d.Register("a")
	assert.Equal(t, []string{"a", "b"}, d.Addresses())
	d.Unregister("b")
	assert.Equal(t, []string{"a"}, d.Addresses())
}

func TestDetector_LoopStartStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := NewDetector(Config{Timeout: 10 * time.Millisecond, Interval: 5 * time.Millisecond}, zerolog.Nop())
	d.Register("silent")

	var calls atomic.Int32
	failed := make(chan struct{}, 1)
	d.OnFailure(func(NodeStatus) {
		if calls.Add(1) == 1 {
			failed <- struct{}{}
		}
	})

	require.NoError(t, d.Start(context.Background()))
	assert.Error(t, d.Start(context.Background()))

	select {
	case <-failed:
	case <-time.After(5 * time.Second):
		t.Fatal("node never failed")
	}
	d.Stop()
	d.Stop()

	assert.Equal(t, StateFailed, d.State("silent"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "healthy", StateHealthy.String())
	assert.Equal(t, "suspected", StateSuspected.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", State(9).String())
}
