package requestctl

import (
	"sort"
	"sync"
	"time"
)

// CircuitStatus is the state of one target's emergency governor.
type CircuitStatus int32

const (
	StatusClosed CircuitStatus = iota
	StatusTripped
)

func (s CircuitStatus) String() string {
	switch s {
	case StatusClosed:
		return "CLOSED"
	case StatusTripped:
		return "TRIPPED"
	default:
		return "UNKNOWN"
	}
}

// Breaker is the emergency governor. It counts call attempts per target in
// a short fixed window. Attempts are admitted physical calls plus reads it
// refused while tripped. When a window's count exceeds the ceiling the target
// trips and reads get the fallback instead of reaching the network.
//
// A trip clears at the first window roll where the window that just ended
// stayed at or under the ceiling; a storm that keeps hammering a tripped
// target keeps it tripped.
type Breaker struct {
	mu       sync.Mutex
	window   time.Duration
	ceiling  int
	circuits map[string]*circuit
	now      func() time.Time

	// notify is called outside the lock on every trip and clear.
	notify func(target string, status CircuitStatus, count int)
}

type circuit struct {
	count     int
	start     time.Time
	status    CircuitStatus
	trippedAt time.Time
	trips     int
}

// CircuitState is the diagnostics view of one target's circuit.
type CircuitState struct {
	Target      string    `json:"target"`
	Status      string    `json:"status"`
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start"`
	TrippedAt   time.Time `json:"tripped_at,omitempty"`
	Trips       int       `json:"trips"`
}

// NewBreaker creates a breaker. A ceiling of 0 disables it.
func NewBreaker(window time.Duration, ceiling int, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		window:   window,
		ceiling:  ceiling,
		circuits: make(map[string]*circuit),
		now:      now,
	}
}

// Check reports whether a read for target may proceed. While tripped the
// refused read counts as an attempt.
func (b *Breaker) Check(target string) bool {
	if b.ceiling <= 0 {
		return true
	}

	b.mu.Lock()
	c, ok := b.circuits[target]
	if !ok {
		b.mu.Unlock()
		return true
	}
	cleared, prev := b.rollLocked(c, b.now())
	allow := c.status == StatusClosed
	if !allow {
		c.count++
	}
	b.mu.Unlock()

	if cleared {
		b.fire(target, StatusClosed, prev)
	}
	return allow
}

// Record counts one call attempt for target and reports whether it may
// reach the network. The attempt that pushes the count over the ceiling
// trips the circuit and is itself refused. Mutations are recorded but the
// caller ignores the result: they are never short-circuited.
func (b *Breaker) Record(target string) bool {
	if b.ceiling <= 0 {
		return true
	}

	now := b.now()
	b.mu.Lock()
	c, ok := b.circuits[target]
	if !ok {
		c = &circuit{start: now}
		b.circuits[target] = c
	}
	cleared, prev := b.rollLocked(c, now)
	c.count++

	tripped := false
	if c.status == StatusClosed && c.count > b.ceiling {
		c.status = StatusTripped
		c.trippedAt = now
		c.trips++
		tripped = true
	}
	allow := c.status == StatusClosed
	count := c.count
	b.mu.Unlock()

	if cleared {
		b.fire(target, StatusClosed, prev)
	}
	if tripped {
		b.fire(target, StatusTripped, count)
	}
	return allow
}

// Circuits returns every known circuit, sorted by target.
func (b *Breaker) Circuits() []CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]CircuitState, 0, len(b.circuits))
	for target, c := range b.circuits {
		out = append(out, CircuitState{
			Target:      target,
			Status:      c.status.String(),
			Count:       c.count,
			WindowStart: c.start,
			TrippedAt:   c.trippedAt,
			Trips:       c.trips,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// rollLocked starts a new window when the current one has ended. It returns
// whether a trip cleared and the count of the window that decided it.
func (b *Breaker) rollLocked(c *circuit, now time.Time) (bool, int) {
	elapsed := now.Sub(c.start)
	if elapsed < b.window {
		return false, 0
	}

	// More than one full window passed: the window right before now was empty.
	prev := c.count
	if elapsed >= 2*b.window {
		prev = 0
	}

	c.count = 0
	c.start = now

	if c.status == StatusTripped && prev <= b.ceiling {
		c.status = StatusClosed
		return true, prev
	}
	return false, 0
}

func (b *Breaker) fire(target string, status CircuitStatus, count int) {
	if b.notify != nil {
		b.notify(target, status, count)
	}
}
