package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	ferrors "github.com/23skdu/fletch/internal/errors"
)

type RetryPolicy struct {
	// MaxAttempts bounds Retry; 0 retries until the context ends.
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	Jitter        bool
	RetryableFunc func(error) bool
	OnRetry       func(attempt int, err error)
}

func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		Multiplier:    2.0,
		Jitter:        true,
		RetryableFunc: DefaultRetryableFunc,
	}
}

// ReplicationPolicy backs off replica propagation: 50ms doubling up to 30s,
// never giving up on its own.
func ReplicationPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:   0,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		Multiplier:    2.0,
		Jitter:        false,
		RetryableFunc: DefaultRetryableFunc,
	}
}

// DefaultRetryableFunc retries everything except caller mistakes and
// missing objects, which cannot succeed on a second attempt.
func DefaultRetryableFunc(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch ferrors.TypeOf(err) {
	case ferrors.ErrorTypeValidation, ferrors.ErrorTypeNotFound, ferrors.ErrorTypeConfiguration:
		return false
	}
	return true
}

func Retry[T any](ctx context.Context, policy *RetryPolicy, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	if policy == nil {
		policy = DefaultRetryPolicy()
	}

	for attempt := 0; policy.MaxAttempts == 0 || attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return result, fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(policy.Delay(attempt)):
			}
		}

		res, err := fn()
		if err == nil {
			return res, nil
		}
		lastErr = err

		if policy.RetryableFunc != nil && !policy.RetryableFunc(err) {
			break
		}
		if policy.OnRetry != nil {
			policy.OnRetry(attempt+1, err)
		}
	}

	return result, lastErr
}

// Delay returns the wait before the given attempt (1 is the first retry).
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	delay := p.baseDelay(attempt)
	if p.Jitter {
		delay = time.Duration(float64(delay) * (0.8 + 0.4*rand.Float64()))
		if delay > p.MaxDelay && p.MaxDelay > 0 {
			delay = p.MaxDelay
		}
	}
	return delay
}

func (p *RetryPolicy) baseDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return p.InitialDelay
	}
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// Backoff tracks consecutive failures of one long-lived worker.
type Backoff struct {
	policy   *RetryPolicy
	failures int
}

func NewBackoff(policy *RetryPolicy) *Backoff {
	if policy == nil {
		policy = ReplicationPolicy()
	}
	return &Backoff{policy: policy}
}

// Next records a failure and returns how long to wait before trying again.
func (b *Backoff) Next() time.Duration {
	b.failures++
	return b.policy.Delay(b.failures)
}

func (b *Backoff) Reset() {
	b.failures = 0
}

func (b *Backoff) Failures() int {
	return b.failures
}
