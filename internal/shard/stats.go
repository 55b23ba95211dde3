package shard

import (
	"sync"
	"sync/atomic"
	"time"
)

// latencyAlpha weights the previous average in the search latency EWMA.
const latencyAlpha = 0.9

// Stats is a point-in-time view of a shard's load.
type Stats struct {
	ShardID        int     `json:"shard_id"`
	Size           int     `json:"size"`
	Capacity       int     `json:"capacity"`
	Adds           uint64  `json:"adds"`
	Searches       uint64  `json:"searches"`
	Removes        uint64  `json:"removes"`
	ActiveRequests int64   `json:"active_requests"`
	TotalRequests  uint64  `json:"total_requests"`
	Errors         uint64  `json:"errors"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
}

// LoadScore ranks shards for replica selection; lower is better.
func (s Stats) LoadScore() float64 {
	return float64(s.ActiveRequests) + s.AvgLatencyMs/10
}

type counters struct {
	adds, searches, removes atomic.Uint64
	total, errors           atomic.Uint64
	active                  atomic.Int64

	mu        sync.Mutex
	latencyMs float64
}

// begin marks a request in flight and returns the func that completes it.
func (c *counters) begin() func(err error) {
	c.active.Add(1)
	c.total.Add(1)
	start := time.Now()
	return func(err error) {
		c.active.Add(-1)
		if err != nil {
			c.errors.Add(1)
		}
		c.observe(time.Since(start))
	}
}

func (c *counters) observe(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	c.mu.Lock()
	if c.latencyMs == 0 {
		c.latencyMs = ms
	} else {
		c.latencyMs = latencyAlpha*c.latencyMs + (1-latencyAlpha)*ms
	}
	c.mu.Unlock()
}

func (c *counters) snapshot() Stats {
	c.mu.Lock()
	lat := c.latencyMs
	c.mu.Unlock()
	return Stats{
		Adds:           c.adds.Load(),
		Searches:       c.searches.Load(),
		Removes:        c.removes.Load(),
		ActiveRequests: c.active.Load(),
		TotalRequests:  c.total.Load(),
		Errors:         c.errors.Load(),
		AvgLatencyMs:   lat,
	}
}
