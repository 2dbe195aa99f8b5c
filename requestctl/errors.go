package requestctl

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrInvalidConfig is returned by Config.Validate and New.
	ErrInvalidConfig = errors.New("requestctl: invalid config")

	// ErrEmptyTarget is returned by Issue when the request has no target.
	ErrEmptyTarget = errors.New("requestctl: empty target")

	// ErrNilPerform is returned by New when no network call is supplied.
	ErrNilPerform = errors.New("requestctl: perform func is nil")

	// errCircuitOpen travels from a coalesced producer to its callers when
	// the breaker refused the call; Issue turns it into a fallback Outcome.
	errCircuitOpen = errors.New("requestctl: circuit open")
)

// OverloadError is the out-of-band "too many requests" signal from the
// network layer. Returning it (or wrapping it) from a PerformFunc engages the
// limiter backoff for the target. It is still delivered to callers as a
// normal failure.
type OverloadError struct {
	Target     string
	StatusCode int
	RetryAfter time.Duration // server hint; zero when absent
	Err        error
}

func (e *OverloadError) Error() string {
	msg := fmt.Sprintf("overloaded: %s (status %d)", e.Target, e.StatusCode)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(", retry after %s", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OverloadError) Unwrap() error {
	return e.Err
}

// AsOverload reports whether err carries an OverloadError.
func AsOverload(err error) (*OverloadError, bool) {
	var oe *OverloadError
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}
