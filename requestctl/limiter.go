package requestctl

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Limiter bounds physical calls per target within a sliding window, enforces
// a minimum spacing between any two calls, and holds a target during an
// overload backoff.
//
// Window algorithm (per target):
//   - now - windowStart >= windowSize: reset (count = 0, windowStart = now)
//   - count < max: count++, admit
//   - otherwise: delay = windowStart + windowSize - now
//
// Wait loops on admission until admitted; no logical call is ever dropped.
// Waiters on one target pass through a FIFO gate, so they are admitted in
// arrival order. Across targets no order is guaranteed.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	windows map[string]*window
	spacing *rate.Limiter // nil when MinSpacing is 0

	gatesMu sync.Mutex
	gates   map[string]chan struct{}

	store  WindowStore
	clock  Clock
	logger *zap.Logger
}

type window struct {
	count        int
	start        time.Time
	backoffUntil time.Time
}

// WindowState is the diagnostics view of one target's rate window.
type WindowState struct {
	Target       string    `json:"target"`
	Count        int       `json:"count"`
	WindowStart  time.Time `json:"window_start"`
	BackoffUntil time.Time `json:"backoff_until,omitempty"`
}

// NewLimiter creates a limiter. store may be nil.
func NewLimiter(cfg Config, store WindowStore, clock Clock, logger *zap.Logger) *Limiter {
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Limiter{
		cfg:     cfg,
		windows: make(map[string]*window),
		gates:   make(map[string]chan struct{}),
		store:   store,
		clock:   clock,
		logger:  logger,
	}
	if cfg.MinSpacing > 0 {
		l.spacing = rate.NewLimiter(rate.Every(cfg.MinSpacing), 1)
	}
	return l
}

// Admit runs one admission check for target. A zero result means the call
// was admitted and counted; otherwise the caller must wait that long and
// check again.
func (l *Limiter) Admit(target string) time.Duration {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windowLocked(target, now)
	if d := l.holdLocked(w, now); d > 0 {
		return d
	}

	if l.cfg.MaxPerWindow > 0 && w.count >= l.cfg.MaxPerWindow {
		return w.start.Add(l.cfg.WindowSize).Sub(now)
	}

	l.admitLocked(w, now)
	return 0
}

// Wait blocks until target admits a call or ctx is done. It returns the
// total time spent waiting for admission.
func (l *Limiter) Wait(ctx context.Context, target string) (time.Duration, error) {
	gate := l.gate(target)
	select {
	case gate <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	defer func() { <-gate }()

	var waited time.Duration
	for {
		d := l.admit(ctx, target)
		if d <= 0 {
			return waited, nil
		}
		waited += d
		if err := l.clock.Sleep(ctx, d); err != nil {
			return waited, err
		}
	}
}

// Backoff holds every admission for target for d (at least BackoffCooldown).
func (l *Limiter) Backoff(target string, d time.Duration) time.Time {
	if d < l.cfg.BackoffCooldown {
		d = l.cfg.BackoffCooldown
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windowLocked(target, now)
	until := now.Add(d)
	if until.After(w.backoffUntil) {
		w.backoffUntil = until
	}
	return w.backoffUntil
}

// Windows returns the current window of every target, sorted by target.
func (l *Limiter) Windows() []WindowState {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]WindowState, 0, len(l.windows))
	for target, w := range l.windows {
		out = append(out, WindowState{
			Target:       target,
			Count:        w.count,
			WindowStart:  w.start,
			BackoffUntil: w.backoffUntil,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// admit uses the shared store when one is configured and window accounting
// is on; store errors degrade to the local window.
func (l *Limiter) admit(ctx context.Context, target string) time.Duration {
	if l.store == nil || l.cfg.MaxPerWindow == 0 {
		return l.Admit(target)
	}

	now := l.clock.Now()
	l.mu.Lock()
	d := l.holdLocked(l.windowLocked(target, now), now)
	l.mu.Unlock()
	if d > 0 {
		return d
	}

	res, err := l.store.Admit(ctx, target, l.cfg.MaxPerWindow, l.cfg.WindowSize)
	if err != nil {
		l.logger.Warn("shared rate window unavailable, using local window",
			zap.String("target", target), zap.Error(err))
		return l.Admit(target)
	}
	if !res.Admitted {
		if res.RetryAfter <= 0 {
			return l.cfg.WindowSize
		}
		return res.RetryAfter
	}

	now = l.clock.Now()
	l.mu.Lock()
	w := l.windowLocked(target, now)
	l.admitLocked(w, now)
	w.count = res.Count
	l.mu.Unlock()
	return 0
}

// windowLocked returns the target's window, resetting it when it has run
// its course.
func (l *Limiter) windowLocked(target string, now time.Time) *window {
	w, ok := l.windows[target]
	if !ok {
		w = &window{start: now}
		l.windows[target] = w
		return w
	}
	if l.cfg.WindowSize > 0 && now.Sub(w.start) >= l.cfg.WindowSize {
		w.count = 0
		w.start = now
	}
	return w
}

// holdLocked returns how long the call must wait for backoff or spacing.
func (l *Limiter) holdLocked(w *window, now time.Time) time.Duration {
	if now.Before(w.backoffUntil) {
		return w.backoffUntil.Sub(now)
	}
	if l.spacing != nil {
		if tokens := l.spacing.TokensAt(now); tokens < 1 {
			d := time.Duration((1 - tokens) / float64(l.spacing.Limit()) * float64(time.Second))
			if d <= 0 {
				d = time.Nanosecond
			}
			return d
		}
	}
	return 0
}

func (l *Limiter) admitLocked(w *window, now time.Time) {
	w.count++
	if l.spacing != nil {
		l.spacing.AllowN(now, 1)
	}
}

func (l *Limiter) gate(target string) chan struct{} {
	l.gatesMu.Lock()
	defer l.gatesMu.Unlock()

	g, ok := l.gates[target]
	if !ok {
		g = make(chan struct{}, 1)
		l.gates[target] = g
	}
	return g
}
