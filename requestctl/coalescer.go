package requestctl

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/singleflight"

	"rigup.app/pkg/utils"
)

// Coalescer ensures at most one physical call is in flight per key. Callers
// that arrive while a call is running attach to it and receive its outcome.
//
// Built on singleflight.Group. Every flight gets its own group key, so
// detaching a key only drops it from the bookkeeping map: callers already
// attached keep their call, later callers start a new flight under a new
// group key. The map also records each flight's target so invalidation can
// detach all keys under a target, and so diagnostics can count them.
type Coalescer struct {
	group singleflight.Group

	mu       sync.Mutex
	inflight map[string]*flight
	seq      uint64
	now      func() time.Time
}

type flight struct {
	group   string
	target  string
	started time.Time
	settled bool
}

// errFlightSettled is returned to a caller that reached the group after its
// flight had already finished; Dispatch retries with a fresh flight.
var errFlightSettled = errors.New("flight already settled")

// FlightInfo describes an in-flight call for diagnostics.
type FlightInfo struct {
	Key     string    `json:"key"`
	Target  string    `json:"target"`
	Started time.Time `json:"started"`
}

// NewCoalescer creates a new coalescer.
func NewCoalescer(now func() time.Time) *Coalescer {
	if now == nil {
		now = time.Now
	}
	return &Coalescer{
		inflight: make(map[string]*flight),
		now:      now,
	}
}

// Dispatch runs producer for key unless a call for key is already in flight,
// in which case the caller attaches to that call. leader reports whether this
// caller's producer ran.
//
// The producer runs on a context detached from the caller's cancellation: a
// caller that stops waiting (ctx done) gets ctx.Err() while the call keeps
// going for everyone else. The in-flight entry is removed before the outcome
// is delivered, on success and failure alike.
func (c *Coalescer) Dispatch(ctx context.Context, key, target string, producer func(context.Context) (any, error)) (val any, leader bool, err error) {
	callCtx := context.WithoutCancel(ctx)

	for {
		f := c.attach(key, target)
		ran := false

		ch := c.group.DoChan(f.group, func() (any, error) {
			if !c.claim(f) {
				return nil, errFlightSettled
			}
			ran = true
			defer c.release(key, f)
			return producer(callCtx)
		})

		select {
		case res := <-ch:
			if errors.Is(res.Err, errFlightSettled) {
				continue
			}
			return res.Val, ran, res.Err
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

// Pending reports whether a call for key is in flight.
func (c *Coalescer) Pending(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[key]
	return ok
}

// Forget detaches key: the running call still settles for the callers
// already attached, but new callers start a fresh call.
func (c *Coalescer) Forget(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.inflight[key]
	delete(c.inflight, key)
	return ok
}

// ForgetTarget detaches every in-flight key whose target is in scope.
// Returns the number of keys detached.
func (c *Coalescer) ForgetTarget(scope string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key, f := range c.inflight {
		if utils.InScope(scope, f.target) {
			delete(c.inflight, key)
			n++
		}
	}
	return n
}

// Clear detaches every in-flight key.
func (c *Coalescer) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.inflight)
	c.inflight = make(map[string]*flight)
	return n
}

// InFlight returns the number of currently in-flight requests.
// Useful for monitoring and debugging.
func (c *Coalescer) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Flights lists the in-flight calls.
func (c *Coalescer) Flights() []FlightInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]FlightInfo, 0, len(c.inflight))
	for key, f := range c.inflight {
		out = append(out, FlightInfo{Key: key, Target: f.target, Started: f.started})
	}
	return out
}

// attach returns the current flight for key, opening a new one under a
// fresh group key when none is in flight.
func (c *Coalescer) attach(key, target string) *flight {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.inflight[key]; ok {
		return f
	}
	c.seq++
	f := &flight{
		group:   key + "\x00" + strconv.FormatUint(c.seq, 10),
		target:  target,
		started: c.now(),
	}
	c.inflight[key] = f
	return f
}

// claim reports whether f may still run its producer.
func (c *Coalescer) claim(f *flight) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !f.settled
}

// release settles f and removes it from the map if it is still the current
// flight for key; after a Forget a newer flight may own the key.
func (c *Coalescer) release(key string, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f.settled = true
	if c.inflight[key] == f {
		delete(c.inflight, key)
	}
}
