// Package limiter wraps a token bucket used to throttle replication
// workers and inbound gRPC calls.
package limiter

import (
	"context"
	"errors"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/fletch/internal/metrics"
)

// Config holds rate limiter configuration
type Config struct {
	RPS   int `envconfig:"RPS" default:"0"`   // 0 means disabled
	Burst int `envconfig:"BURST" default:"0"` // 0 means use RPS
}

// RateLimiter wraps the token bucket limiter
type RateLimiter struct {
	limiter *rate.Limiter
	enabled bool
	scope   string
}

// NewRateLimiter creates a new rate limiter; scope labels its metrics.
func NewRateLimiter(cfg Config, scope string) *RateLimiter {
	if cfg.RPS <= 0 {
		return &RateLimiter{enabled: false, scope: scope}
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RPS
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), burst),
		enabled: true,
		scope:   scope,
	}
}

func (l *RateLimiter) Enabled() bool {
	return l.enabled
}

// Wait blocks until a token is available or ctx ends.
func (l *RateLimiter) Wait(ctx context.Context) error {
	if !l.enabled {
		return nil
	}
	if err := l.limiter.Wait(ctx); err != nil {
		metrics.RateLimitRequestsTotal.WithLabelValues(l.scope, "throttled").Inc()
		return err
	}
	metrics.RateLimitRequestsTotal.WithLabelValues(l.scope, "allowed").Inc()
	return nil
}

// UnaryInterceptor returns a gRPC unary interceptor
func (l *RateLimiter) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if err := l.Wait(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, status.FromContextError(err).Err()
			}
			// Wait reports an error up front when the deadline is shorter than the wait.
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(ctx, req)
	}
}
