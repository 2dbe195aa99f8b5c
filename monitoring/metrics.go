// Package monitoring collects request-control metrics from a Controller's
// observer hook.
//
// Design:
// - Atomic counters per event kind, readable without locks
// - Bounded ring buffer of physical-call latencies summarised on demand
// - Snapshot returns models.MetricSnapshot so API handlers and the CLI
//   render the same shape
//
// Memory: the latency buffer is fixed size. Old samples are overwritten.
package monitoring

import (
	"sync"
	"sync/atomic"
	"time"

	"rigup.app/pkg/models"
	"rigup.app/requestctl"
)

// DefaultLatencySamples is the ring buffer size used by NewCollector.
const DefaultLatencySamples = 10000

// Collector implements requestctl.Observer.
type Collector struct {
	issued        atomic.Uint64
	cacheHits     atomic.Uint64
	cacheMisses   atomic.Uint64
	coalesced     atomic.Uint64
	calls         atomic.Uint64
	callFailures  atomic.Uint64
	overloads     atomic.Uint64
	delays        atomic.Uint64
	fallbacks     atomic.Uint64
	trips         atomic.Uint64
	invalidations atomic.Uint64

	latency *RingBuffer
	now     func() time.Time
}

var _ requestctl.Observer = (*Collector)(nil)

// NewCollector creates a collector keeping the last samples call latencies.
func NewCollector(samples int) *Collector {
	if samples <= 0 {
		samples = DefaultLatencySamples
	}
	return &Collector{
		latency: NewRingBuffer(samples),
		now:     time.Now,
	}
}

// Observe records one controller event.
// Complexity: O(1).
func (c *Collector) Observe(ev requestctl.Event) {
	switch ev.Kind {
	case requestctl.EventIssued:
		c.issued.Add(1)
	case requestctl.EventCacheHit:
		c.cacheHits.Add(1)
	case requestctl.EventCacheMiss:
		c.cacheMisses.Add(1)
	case requestctl.EventCoalesced:
		c.coalesced.Add(1)
	case requestctl.EventCall:
		c.calls.Add(1)
		c.latency.Add(ev.Duration)
	case requestctl.EventCallFailed:
		c.calls.Add(1)
		c.callFailures.Add(1)
		c.latency.Add(ev.Duration)
	case requestctl.EventOverload:
		c.overloads.Add(1)
	case requestctl.EventDelayed:
		c.delays.Add(1)
	case requestctl.EventFallback:
		c.fallbacks.Add(1)
	case requestctl.EventTrip:
		c.trips.Add(1)
	case requestctl.EventInvalidate:
		c.invalidations.Add(1)
	}
}

// Counters returns current counter values.
func (c *Collector) Counters() models.Counters {
	return models.Counters{
		Issued:        c.issued.Load(),
		CacheHits:     c.cacheHits.Load(),
		CacheMisses:   c.cacheMisses.Load(),
		Coalesced:     c.coalesced.Load(),
		Calls:         c.calls.Load(),
		CallFailures:  c.callFailures.Load(),
		Overloads:     c.overloads.Load(),
		Delays:        c.delays.Load(),
		Fallbacks:     c.fallbacks.Load(),
		Trips:         c.trips.Load(),
		Invalidations: c.invalidations.Load(),
	}
}

// Snapshot returns counters, derived ratios and the latency summary.
// Complexity: O(n log n) in the number of buffered samples.
func (c *Collector) Snapshot() models.MetricSnapshot {
	snap := models.NewMetricSnapshot(c.Counters(), models.CalculateLatencySummary(c.latency.GetAll()))
	snap.Timestamp = c.now()
	return snap
}

// RingBuffer keeps the most recent latency samples.
//
// A mutex instead of the lock-free CAS variant: writers are bounded by the
// rate limiter, and GetAll needs a consistent view.
type RingBuffer struct {
	mu     sync.Mutex
	buffer []time.Duration
	next   int
	full   bool
}

// NewRingBuffer creates a ring buffer holding size samples.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1
	}
	return &RingBuffer{buffer: make([]time.Duration, size)}
}

// Add stores a sample, overwriting the oldest when full.
func (rb *RingBuffer) Add(d time.Duration) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buffer[rb.next] = d
	rb.next = (rb.next + 1) % len(rb.buffer)
	if rb.next == 0 {
		rb.full = true
	}
}

// GetAll returns the buffered samples, oldest first.
func (rb *RingBuffer) GetAll() []time.Duration {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.full {
		out := make([]time.Duration, rb.next)
		copy(out, rb.buffer[:rb.next])
		return out
	}

	out := make([]time.Duration, 0, len(rb.buffer))
	out = append(out, rb.buffer[rb.next:]...)
	out = append(out, rb.buffer[:rb.next]...)
	return out
}

// Len returns the number of buffered samples.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.full {
		return len(rb.buffer)
	}
	return rb.next
}
