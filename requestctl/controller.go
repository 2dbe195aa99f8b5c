// Package requestctl turns a flood of uncoordinated logical requests into a
// bounded, deduplicated, cached and rate-limited stream of physical calls.
//
// Read path:
//
//	Issue -> breaker check -> coalescer -> cache -> limiter -> breaker record -> call
//	      -> cache put -> every attached caller gets its own copy
//
// Write path:
//
//	Issue -> limiter -> breaker record -> call -> invalidate target -> caller
//
// Design Choices:
// - Everything lives on one explicitly constructed Controller. There is no
//   package-level instance; tests build isolated controllers.
// - Each structure guards its own state with one mutex and never blocks while
//   holding it. Goroutines only suspend while waiting for admission or for
//   the network call.
// - Callers cannot tell a cache hit, a coalesced join and a fresh fetch
//   apart. Only success, failure and the breaker fallback are observable.
//
// Performance Characteristics:
// - Cache hit: O(1) plus one deep copy of the payload
// - Invalidation by target: O(n) over cached entries
// - Bottleneck: the deep copy for large payloads
package requestctl

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"rigup.app/pkg/models"
	"rigup.app/pkg/utils"
)

// PerformFunc performs one physical network call. It is the only
// collaborator the controller needs from the network layer. Overload must be
// reported as (or wrap) *OverloadError.
type PerformFunc func(ctx context.Context, req Request) (any, error)

// Outcome is what a logical caller receives.
type Outcome struct {
	// Value is the caller's own copy of the result.
	Value any
	// Fallback is true when the breaker substituted the fallback value.
	Fallback bool
}

// Controller owns the cache, in-flight table, rate windows and circuits.
type Controller struct {
	cfg       Config
	perform   PerformFunc
	cache     *Cache
	coalescer *Coalescer
	limiter   *Limiter
	breaker   *Breaker
	matcher   *utils.KeyMatcher
	clock     Clock
	logger    *zap.Logger
	observer  Observer
	tracer    trace.Tracer
}

// Diagnostics is a read-only snapshot of controller state.
type Diagnostics struct {
	Timestamp time.Time      `json:"timestamp"`
	InFlight  int            `json:"in_flight"`
	CacheSize int            `json:"cache_size"`
	Patterns  int            `json:"compiled_patterns"` // regexes held by the key matcher
	Flights   []FlightInfo   `json:"flights"`
	Windows   []WindowState  `json:"windows"`
	Circuits  []CircuitState `json:"circuits"`
}

// New creates a Controller.
//
// Example:
//
//	ctrl, err := requestctl.New(requestctl.DefaultConfig(), backend.Perform,
//	    requestctl.WithLogger(logger))
func New(cfg Config, perform PerformFunc, opts ...Option) (*Controller, error) {
	if perform == nil {
		return nil, ErrNilPerform
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.observer == nil {
		o.observer = nopObserver{}
	}
	if o.clock == nil {
		o.clock = systemClock{}
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("rigup.app/requestctl")
	}

	logger := o.logger.Named("requestctl")
	c := &Controller{
		cfg:       cfg,
		perform:   perform,
		cache:     NewCache(cfg.TTL, cfg.MaxEntries, o.clock.Now),
		coalescer: NewCoalescer(o.clock.Now),
		limiter:   NewLimiter(cfg, o.store, o.clock, logger),
		breaker:   NewBreaker(cfg.ShortWindow, cfg.EmergencyCeiling, o.clock.Now),
		matcher:   utils.NewKeyMatcher(),
		clock:     o.clock,
		logger:    logger,
		observer:  o.observer,
		tracer:    o.tracer,
	}
	c.breaker.notify = c.onCircuitChange
	return c, nil
}

// Issue is the single entry point for logical requests. Reads may be served
// from cache, joined to an in-flight call, or fetched; mutations always reach
// the network (after admission) and invalidate their target on success
// before returning.
//
// ctx bounds only this caller's wait. A read's shared call is never
// cancelled by one caller leaving.
func (c *Controller) Issue(ctx context.Context, req Request) (Outcome, error) {
	if req.Target == "" {
		return Outcome{}, ErrEmptyTarget
	}

	key := DeriveKey(req)
	target := req.Scope()

	ctx, span := c.tracer.Start(ctx, "requestctl.Issue", trace.WithAttributes(
		attribute.String("request.method", req.Method),
		attribute.String("request.target", target),
	))
	defer span.End()

	c.observer.Observe(Event{Kind: EventIssued, Method: req.Method, Target: target, Key: key})

	var (
		out    Outcome
		result string
		err    error
	)
	if req.IsRead() {
		out, result, err = c.read(ctx, req, key, target)
	} else {
		out, result, err = c.mutate(ctx, req, target)
	}

	span.SetAttributes(attribute.String("request.result", result))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (c *Controller) read(ctx context.Context, req Request, key, target string) (Outcome, string, error) {
	if !c.breaker.Check(target) {
		return c.fallback(req, key, target), "fallback", nil
	}

	if !c.coalescer.Pending(key) {
		if v, ok := c.cache.Get(key); ok {
			c.observer.Observe(Event{Kind: EventCacheHit, Method: req.Method, Target: target, Key: key})
			out, err := c.deliver(v)
			return out, "hit", err
		}
	}

	v, leader, err := c.coalescer.Dispatch(ctx, key, target, func(ctx context.Context) (any, error) {
		// A call that settled between the cache check and Dispatch already
		// stored its result.
		if v, ok := c.cache.Get(key); ok {
			c.observer.Observe(Event{Kind: EventCacheHit, Method: req.Method, Target: target, Key: key})
			return v, nil
		}
		c.observer.Observe(Event{Kind: EventCacheMiss, Method: req.Method, Target: target, Key: key})

		if err := c.admit(ctx, req, target); err != nil {
			return nil, err
		}
		if !c.breaker.Record(target) {
			return nil, errCircuitOpen
		}

		v, err := c.call(ctx, req, key, target)
		if err != nil {
			return nil, err
		}
		// The cache keeps a private copy; a value that cannot be copied is a
		// plain failure and is never stored.
		stored, err := utils.DeepCopy(v)
		if err != nil {
			c.logger.Warn("result not cacheable", zap.String("key", key), zap.Error(err))
			return nil, errors.Wrapf(err, "copy result of %s", target)
		}
		c.cache.Put(key, target, stored)
		return stored, nil
	})

	result := "fetch"
	if !leader {
		result = "join"
	}

	if errors.Is(err, errCircuitOpen) {
		return c.fallback(req, key, target), "fallback", nil
	}
	if err != nil {
		return Outcome{}, result, err
	}

	if !leader {
		c.observer.Observe(Event{Kind: EventCoalesced, Method: req.Method, Target: target, Key: key})
	}
	out, err := c.deliver(v)
	return out, result, err
}

func (c *Controller) mutate(ctx context.Context, req Request, target string) (Outcome, string, error) {
	if err := c.admit(ctx, req, target); err != nil {
		return Outcome{}, "cancelled", err
	}
	c.breaker.Record(target)

	v, err := c.call(ctx, req, DeriveKey(req), target)
	if err != nil {
		return Outcome{}, "error", err
	}

	c.InvalidateTarget(target)
	return Outcome{Value: v}, "write", nil
}

// admit waits for the limiter and reports delays.
func (c *Controller) admit(ctx context.Context, req Request, target string) error {
	waited, err := c.limiter.Wait(ctx, target)
	if waited > 0 {
		c.logger.Debug("admission delayed",
			zap.String("target", target), zap.Duration("waited", waited))
		c.observer.Observe(Event{Kind: EventDelayed, Method: req.Method, Target: target, Duration: waited})
	}
	if err != nil {
		return errors.Wrapf(err, "waiting for admission to %s", target)
	}
	return nil
}

// call performs the physical call and engages backoff on overload.
func (c *Controller) call(ctx context.Context, req Request, key, target string) (any, error) {
	start := c.clock.Now()
	v, err := c.perform(ctx, req)
	latency := c.clock.Now().Sub(start)

	if err == nil {
		c.observer.Observe(Event{Kind: EventCall, Method: req.Method, Target: target, Key: key, Duration: latency})
		return v, nil
	}

	c.observer.Observe(Event{Kind: EventCallFailed, Method: req.Method, Target: target, Key: key, Duration: latency, Err: err})
	if oe, ok := AsOverload(err); ok {
		until := c.limiter.Backoff(target, oe.RetryAfter)
		c.logger.Warn("overload reported, backing off",
			zap.String("target", target),
			zap.Int("status", oe.StatusCode),
			zap.Time("until", until),
		)
		c.observer.Observe(Event{Kind: EventOverload, Method: req.Method, Target: target, Key: key, Err: err})
	} else {
		c.logger.Debug("call failed", zap.String("key", key), zap.Error(err))
	}
	return nil, err
}

func (c *Controller) fallback(req Request, key, target string) Outcome {
	c.observer.Observe(Event{Kind: EventFallback, Method: req.Method, Target: target, Key: key})
	return Outcome{Value: c.cfg.fallback(req), Fallback: true}
}

// deliver hands a caller its own copy of a shared value.
func (c *Controller) deliver(v any) (Outcome, error) {
	cp, err := utils.DeepCopy(v)
	if err != nil {
		return Outcome{}, errors.Wrap(err, "copy result")
	}
	return Outcome{Value: cp}, nil
}

func (c *Controller) onCircuitChange(target string, status CircuitStatus, count int) {
	if status == StatusTripped {
		c.logger.Warn("breaker tripped, serving fallback for reads",
			zap.String("target", target), zap.Int("count", count), zap.Int("ceiling", c.cfg.EmergencyCeiling))
		c.observer.Observe(Event{Kind: EventTrip, Target: target, Count: count})
		return
	}
	c.logger.Info("breaker cleared", zap.String("target", target), zap.Int("count", count))
	c.observer.Observe(Event{Kind: EventClear, Target: target, Count: count})
}

// Diagnostics returns current counts. It has no side effects.
func (c *Controller) Diagnostics() Diagnostics {
	return Diagnostics{
		Timestamp: c.clock.Now(),
		InFlight:  c.coalescer.InFlight(),
		CacheSize: c.cache.Size(),
		Patterns:  c.matcher.CacheSize(),
		Flights:   c.coalescer.Flights(),
		Windows:   c.limiter.Windows(),
		Circuits:  c.breaker.Circuits(),
	}
}

// Peek returns a copy of the cached value for key, fresh or stale, and when
// it was stored. Debugging only; it never counts as a hit.
func (c *Controller) Peek(key string) (any, time.Time, bool) {
	e, ok := c.cache.Peek(key)
	if !ok {
		return nil, time.Time{}, false
	}
	v, err := utils.DeepCopy(e.Value)
	if err != nil {
		return nil, e.StoredAt, true
	}
	return v, e.StoredAt, true
}

// Entries describes every cached entry, most recently used first.
func (c *Controller) Entries() []models.EntryStats {
	return c.cache.Stats()
}

// Config returns the controller's configuration.
func (c *Controller) Config() Config {
	return c.cfg
}
