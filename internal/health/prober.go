package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/23skdu/fletch/internal/breaker"
	"github.com/23skdu/fletch/internal/metrics"
)

// ProberConfig configures GRPCProber.
type ProberConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	// Service is the name passed in HealthCheckRequest; "" is the server as a whole.
	Service string
	// Target maps a registered node address to a gRPC dial target.
	Target func(addr string) string
	// TripAfter consecutive failed probes open a node's breaker, which then
	// skips probes for BreakerTimeout. 0 disables the breaker.
	TripAfter      int
	BreakerTimeout time.Duration
}

// GRPCProber turns standard gRPC health checks into detector heartbeats.
// A node only heartbeats when its health service answers SERVING.
type GRPCProber struct {
	detector *Detector
	cfg      ProberConfig
	opts     []grpc.DialOption
	logger   zerolog.Logger

	mu       sync.Mutex
	conns    map[string]*grpc.ClientConn
	breakers map[string]*breaker.CircuitBreaker

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

//nolint:gocritic // Logger passed by value for constructor simplicity
func NewGRPCProber(d *Detector, cfg ProberConfig, logger zerolog.Logger, opts ...grpc.DialOption) *GRPCProber {
	if cfg.Interval <= 0 {
		cfg.Interval = d.cfg.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 10 * cfg.Interval
	}
	if cfg.Target == nil {
		cfg.Target = func(addr string) string { return addr }
	}
	return &GRPCProber{
		detector: d,
		cfg:      cfg,
		opts:     opts,
		logger:   logger.With().Str("component", "grpc_prober").Logger(),
		conns:    make(map[string]*grpc.ClientConn),
		breakers: make(map[string]*breaker.CircuitBreaker),
	}
}

func (p *GRPCProber) conn(addr string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[addr]; ok {
		return c, nil
	}
	c, err := grpc.NewClient(p.cfg.Target(addr), p.opts...)
	if err != nil {
		return nil, err
	}
	p.conns[addr] = c
	return c, nil
}

// ProbeOnce checks every registered node concurrently and waits for all
// probes to finish.
func (p *GRPCProber) ProbeOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, addr := range p.detector.Addresses() {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			p.probe(ctx, addr)
		}(addr)
	}
	wg.Wait()
}

func (p *GRPCProber) breakerFor(addr string) *breaker.CircuitBreaker {
	if p.cfg.TripAfter <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.breakers[addr]
	if !ok {
		trip := uint32(p.cfg.TripAfter)
		b = breaker.NewCircuitBreaker(breaker.Settings{
			Name:        addr,
			Timeout:     p.cfg.BreakerTimeout,
			ReadyToTrip: func(c breaker.Counts) bool { return c.ConsecutiveFailures >= trip },
			Clock:       p.detector.cfg.Clock,
		})
		p.breakers[addr] = b
	}
	return b
}

func (p *GRPCProber) probe(ctx context.Context, addr string) {
	b := p.breakerFor(addr)
	if b == nil {
		_ = p.check(ctx, addr)
		return
	}
	if err := b.Execute(func() error { return p.check(ctx, addr) }); errors.Is(err, breaker.ErrOpenState) {
		metrics.ProbeFailuresTotal.Inc()
	}
}

// check probes addr once and heartbeats it on SERVING.
func (p *GRPCProber) check(ctx context.Context, addr string) error {
	c, err := p.conn(addr)
	if err != nil {
		metrics.ProbeFailuresTotal.Inc()
		p.logger.Debug().Err(err).Str("node", addr).Msg("Dial failed")
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(c).Check(ctx, &healthpb.HealthCheckRequest{Service: p.cfg.Service})
	if err != nil || resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		metrics.ProbeFailuresTotal.Inc()
		p.logger.Debug().Err(err).Str("node", addr).Str("status", resp.GetStatus().String()).Msg("Probe failed")
		if err == nil {
			err = errNotServing
		}
		return err
	}
	return p.detector.heartbeat(addr, "grpc")
}

var errNotServing = errors.New("health check did not report SERVING")

// Start runs ProbeOnce every interval until Stop.
func (p *GRPCProber) Start(ctx context.Context) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.ProbeOnce(ctx)
			}
		}
	}(p.done)
}

// Stop ends the probe loop, waits for it and closes all connections.
func (p *GRPCProber) Stop() {
	p.runMu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.runMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, c := range p.conns {
		_ = c.Close()
		delete(p.conns, addr)
	}
}
