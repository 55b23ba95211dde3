// Package health tracks node liveness from heartbeats.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	ferrors "github.com/23skdu/fletch/internal/errors"
	"github.com/23skdu/fletch/internal/metrics"
)

// State is a node's liveness as seen by the detector.
type State int

const (
	StateHealthy State = iota
	StateSuspected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateSuspected:
		return "suspected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// NodeStatus is a copy of the detector's record for one node.
type NodeStatus struct {
	Address             string    `json:"address"`
	LastHeartbeat       time.Time `json:"last_heartbeat"`
	Alive               bool      `json:"alive"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	State               State     `json:"state"`
}

// FailureCallback runs once per failure episode, outside the detector lock.
type FailureCallback func(NodeStatus)

type Config struct {
	// Timeout is how long a node may stay silent before a cycle counts as missed.
	Timeout time.Duration
	// Interval is the detection period.
	Interval time.Duration
	// FailureThreshold is the number of consecutive missed cycles before Failed.
	FailureThreshold int
	// Clock returns the current time; it must carry a monotonic reading.
	Clock func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Timeout:          3 * time.Second,
		Interval:         time.Second,
		FailureThreshold: 3,
		Clock:            time.Now,
	}
}

// Detector is a per-node Healthy -> Suspected -> Failed state machine driven
// by a detection loop that runs independently of heartbeat frequency.
type Detector struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	nodes     map[string]*NodeStatus
	callbacks []FailureCallback

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDetector creates a detector; zero Config fields take their defaults.
//
//nolint:gocritic // Logger passed by value for constructor simplicity
func NewDetector(cfg Config, logger zerolog.Logger) *Detector {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	return &Detector{
		cfg:    cfg,
		logger: logger.With().Str("component", "failure_detector").Logger(),
		nodes:  make(map[string]*NodeStatus),
	}
}

// Register starts tracking addr as Healthy with a fresh heartbeat.
// Registering a known address is a no-op.
func (d *Detector) Register(addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.nodes[addr]; ok {
		return
	}
	d.nodes[addr] = &NodeStatus{Address: addr, LastHeartbeat: d.cfg.Clock(), Alive: true, State: StateHealthy}
	d.updateGaugesLocked()
}

// Unregister stops tracking addr.
func (d *Detector) Unregister(addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.nodes, addr)
	d.updateGaugesLocked()
}

// OnFailure adds a callback fired when a node enters Failed.
func (d *Detector) OnFailure(cb FailureCallback) {
	d.mu.Lock()
	d.callbacks = append(d.callbacks, cb)
	d.mu.Unlock()
}

// Heartbeat records a liveness signal. Any heartbeat returns the node to
// Healthy and clears its failure count.
func (d *Detector) Heartbeat(addr string) error {
	return d.heartbeat(addr, "direct")
}

func (d *Detector) heartbeat(addr, source string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, ok := d.nodes[addr]
	if !ok {
		return ferrors.NewNotFoundError("heartbeat", fmt.Sprintf("node %q is not registered", addr))
	}
	metrics.HeartbeatsTotal.WithLabelValues(source).Inc()
	n.LastHeartbeat = d.cfg.Clock()
	n.ConsecutiveFailures = 0
	n.Alive = true
	if n.State != StateHealthy {
		d.logger.Info().Str("node", addr).Str("from", n.State.String()).Msg("Node recovered")
		n.State = StateHealthy
		metrics.DetectorTransitionsTotal.WithLabelValues(StateHealthy.String()).Inc()
		d.updateGaugesLocked()
	}
	return nil
}

// Status returns a copy of addr's record.
func (d *Detector) Status(addr string) (NodeStatus, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[addr]
	if !ok {
		return NodeStatus{}, false
	}
	return *n, true
}

// State returns addr's state; unknown nodes report Healthy so that routing
// does not exclude shards nobody monitors.
func (d *Detector) State(addr string) State {
	st, ok := d.Status(addr)
	if !ok {
		return StateHealthy
	}
	return st.State
}

// Addresses lists registered nodes in lexical order.
func (d *Detector) Addresses() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.nodes))
	for addr := range d.nodes {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// DetectOnce runs one detection cycle. A node silent for longer than the
// timeout accrues a missed cycle: the first makes it Suspected and reaching
// the threshold makes it Failed and fires the callbacks once.
func (d *Detector) DetectOnce() {
	now := d.cfg.Clock()

	d.mu.Lock()
	var failed []NodeStatus
	changed := false
	for _, n := range d.nodes {
		if now.Sub(n.LastHeartbeat) <= d.cfg.Timeout {
			continue
		}
		n.ConsecutiveFailures++
		switch {
		case n.State != StateFailed && n.ConsecutiveFailures >= d.cfg.FailureThreshold:
			n.State = StateFailed
			n.Alive = false
			failed = append(failed, *n)
			changed = true
			metrics.DetectorTransitionsTotal.WithLabelValues(StateFailed.String()).Inc()
		case n.State == StateHealthy:
			n.State = StateSuspected
			changed = true
			metrics.DetectorTransitionsTotal.WithLabelValues(StateSuspected.String()).Inc()
			d.logger.Warn().Str("node", n.Address).Dur("silent", now.Sub(n.LastHeartbeat)).Msg("Node suspected")
		}
	}
	if changed {
		d.updateGaugesLocked()
	}
	callbacks := append([]FailureCallback(nil), d.callbacks...)
	d.mu.Unlock()

	for _, st := range failed {
		d.logger.Error().Str("node", st.Address).Int("missed_cycles", st.ConsecutiveFailures).Msg("Node failed")
		for _, cb := range callbacks {
			cb(st)
		}
	}
}

// Start launches the detection loop. It returns an error if the loop is
// already running.
func (d *Detector) Start(ctx context.Context) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.cancel != nil {
		return ferrors.NewValidationError("detector_start", "detector already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})

	go d.loop(ctx, d.done)
	return nil
}

func (d *Detector) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.DetectOnce()
		}
	}
}

// Stop ends the detection loop and waits for it to exit.
func (d *Detector) Stop() {
	d.runMu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (d *Detector) updateGaugesLocked() {
	counts := map[State]int{StateHealthy: 0, StateSuspected: 0, StateFailed: 0}
	for _, n := range d.nodes {
		counts[n.State]++
	}
	for st, c := range counts {
		metrics.DetectorNodes.WithLabelValues(st.String()).Set(float64(c))
	}
}
