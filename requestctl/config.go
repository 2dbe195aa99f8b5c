package requestctl

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Default tuning. The window, spacing and cooldown values are the ones the
// front end settled on after the overload incidents.
const (
	DefaultTTL              = 5 * time.Minute
	DefaultWindowSize       = 1000 * time.Millisecond
	DefaultMaxPerWindow     = 5
	DefaultMinSpacing       = 100 * time.Millisecond
	DefaultBackoffCooldown  = 5000 * time.Millisecond
	DefaultShortWindow      = 1000 * time.Millisecond
	DefaultEmergencyCeiling = 10
)

// Config holds the tuning for one Controller.
type Config struct {
	// TTL is how long a successful read result is served from cache.
	TTL time.Duration `yaml:"ttl" json:"ttl"`

	// MaxEntries bounds the cache with LRU eviction. 0 means unbounded.
	MaxEntries int `yaml:"max_entries" json:"max_entries"`

	// WindowSize and MaxPerWindow bound physical calls per target.
	// MaxPerWindow 0 disables window accounting.
	WindowSize   time.Duration `yaml:"window_size" json:"window_size"`
	MaxPerWindow int           `yaml:"max_per_window" json:"max_per_window"`

	// MinSpacing is the minimum gap between any two physical calls,
	// regardless of target. 0 disables it.
	MinSpacing time.Duration `yaml:"min_spacing" json:"min_spacing"`

	// BackoffCooldown is how long a target is held after an overload signal.
	BackoffCooldown time.Duration `yaml:"backoff_cooldown" json:"backoff_cooldown"`

	// ShortWindow and EmergencyCeiling drive the breaker. A ceiling of 0
	// disables it.
	ShortWindow      time.Duration `yaml:"short_window" json:"short_window"`
	EmergencyCeiling int           `yaml:"emergency_ceiling" json:"emergency_ceiling"`

	// Fallback builds the value returned for reads while the breaker is
	// tripped. Nil means an empty collection.
	Fallback func(Request) any `yaml:"-" json:"-"`
}

// DefaultConfig returns the recommended tuning.
func DefaultConfig() Config {
	return Config{
		TTL:              DefaultTTL,
		WindowSize:       DefaultWindowSize,
		MaxPerWindow:     DefaultMaxPerWindow,
		MinSpacing:       DefaultMinSpacing,
		BackoffCooldown:  DefaultBackoffCooldown,
		ShortWindow:      DefaultShortWindow,
		EmergencyCeiling: DefaultEmergencyCeiling,
	}
}

// Validate checks the config for values the controller cannot run with.
func (c Config) Validate() error {
	switch {
	case c.TTL < 0:
		return errors.Wrap(ErrInvalidConfig, "ttl cannot be negative")
	case c.MaxEntries < 0:
		return errors.Wrap(ErrInvalidConfig, "max_entries cannot be negative")
	case c.MaxPerWindow < 0:
		return errors.Wrap(ErrInvalidConfig, "max_per_window cannot be negative")
	case c.MaxPerWindow > 0 && c.WindowSize <= 0:
		return errors.Wrap(ErrInvalidConfig, "window_size must be positive when max_per_window is set")
	case c.WindowSize < 0:
		return errors.Wrap(ErrInvalidConfig, "window_size cannot be negative")
	case c.MinSpacing < 0:
		return errors.Wrap(ErrInvalidConfig, "min_spacing cannot be negative")
	case c.BackoffCooldown < 0:
		return errors.Wrap(ErrInvalidConfig, "backoff_cooldown cannot be negative")
	case c.EmergencyCeiling < 0:
		return errors.Wrap(ErrInvalidConfig, "emergency_ceiling cannot be negative")
	case c.EmergencyCeiling > 0 && c.ShortWindow <= 0:
		return errors.Wrap(ErrInvalidConfig, "short_window must be positive when emergency_ceiling is set")
	}
	return nil
}

func (c Config) fallback(req Request) any {
	if c.Fallback != nil {
		return c.Fallback(req)
	}
	return []any{}
}

// Clock supplies time to every structure of a Controller. Tests swap in a
// manual clock so windows and TTLs can be crossed without sleeping.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type options struct {
	logger   *zap.Logger
	observer Observer
	store    WindowStore
	clock    Clock
	tracer   trace.Tracer
}

// Option configures collaborators of a Controller.
type Option func(*options)

// WithLogger sets the logger. Default: no-op.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithObserver receives every request-control event.
func WithObserver(observer Observer) Option {
	return func(o *options) {
		o.observer = observer
	}
}

// WithWindowStore shares window counts across processes.
func WithWindowStore(store WindowStore) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithClock replaces the system clock.
func WithClock(clock Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithTracer sets the tracer used for Issue spans. Default: the global
// OpenTelemetry tracer provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		o.tracer = tracer
	}
}
