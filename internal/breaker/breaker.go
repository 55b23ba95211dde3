// Package breaker is a closed/open/half-open circuit breaker used to stop
// hammering remote shards that keep failing.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	ferrors "github.com/23skdu/fletch/internal/errors"
	"github.com/23skdu/fletch/internal/metrics"
)

// State represents the current state of the circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Settings configures the CircuitBreaker
type Settings struct {
	Name        string
	MaxRequests uint32        // Max requests in Half-Open state
	Timeout     time.Duration // Time to wait before switching from Open to Half-Open
	ReadyToTrip func(counts Counts) bool
	Clock       func() time.Time
}

// Counts holds the numbers of requests and their results
type Counts struct {
	Requests             uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreaker is a state machine that rejects calls while a target is
// known to be failing and lets a few through once Timeout has passed.
type CircuitBreaker struct {
	name        string
	maxRequests uint32
	timeout     time.Duration
	readyToTrip func(counts Counts) bool
	clock       func() time.Time

	mutex  sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// NewCircuitBreaker creates a new CircuitBreaker
func NewCircuitBreaker(st Settings) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:        st.Name,
		maxRequests: st.MaxRequests,
		timeout:     st.Timeout,
		readyToTrip: st.ReadyToTrip,
		clock:       st.Clock,
	}
	if cb.maxRequests == 0 {
		cb.maxRequests = 1
	}
	if cb.timeout <= 0 {
		cb.timeout = 30 * time.Second
	}
	if cb.readyToTrip == nil {
		cb.readyToTrip = func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 5
		}
	}
	if cb.clock == nil {
		cb.clock = time.Now
	}
	return cb
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current state of the CircuitBreaker
func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.currentState(cb.clock())
}

func (cb *CircuitBreaker) currentState(now time.Time) State {
	if cb.state == StateOpen && !now.Before(cb.expiry) {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state
}

func (cb *CircuitBreaker) setState(to State, now time.Time) {
	if cb.state == to {
		return
	}
	cb.state = to
	cb.counts = Counts{}
	cb.expiry = time.Time{}
	if to == StateOpen {
		cb.expiry = now.Add(cb.timeout)
	}
	metrics.BreakerTransitionsTotal.WithLabelValues(cb.name, to.String()).Inc()
}

// Allow reports whether a call may proceed and, if so, counts it.
func (cb *CircuitBreaker) Allow() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.currentState(cb.clock()) {
	case StateOpen:
		return false
	case StateHalfOpen:
		if cb.counts.Requests >= cb.maxRequests {
			return false
		}
	}
	cb.counts.Requests++
	return true
}

// Record reports the outcome of a call admitted by Allow.
func (cb *CircuitBreaker) Record(err error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.clock()
	if err != nil {
		cb.counts.ConsecutiveFailures++
		cb.counts.ConsecutiveSuccesses = 0
		switch cb.state {
		case StateClosed:
			if cb.readyToTrip(cb.counts) {
				cb.setState(StateOpen, now)
			}
		case StateHalfOpen:
			cb.setState(StateOpen, now)
		}
		return
	}
	cb.counts.ConsecutiveSuccesses++
	cb.counts.ConsecutiveFailures = 0
	if cb.state == StateHalfOpen {
		cb.setState(StateClosed, now)
	}
}

// Execute runs fn if the breaker allows it and records its outcome. A
// rejected call returns an unavailable error matching ErrOpenState.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.Allow() {
		return ferrors.WrapUnavailableError(ErrOpenState, "breaker", cb.name)
	}
	err := fn()
	cb.Record(err)
	return err
}

// ErrOpenState is the cause of calls rejected by an open breaker.
var ErrOpenState = errors.New("circuit breaker is open")
