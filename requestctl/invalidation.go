package requestctl

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"rigup.app/pkg/utils"
)

// Invalidate drops the cached result for one request key and detaches any
// in-flight call for it. The next read of key reaches the network.
func (c *Controller) Invalidate(key string) int {
	n := 0
	if c.cache.Delete(key) {
		n++
	}
	c.coalescer.Forget(key)

	c.logger.Debug("invalidated key", zap.String("key", key), zap.Int("entries", n))
	c.observer.Observe(Event{Kind: EventInvalidate, Key: key, Count: n})
	return n
}

// InvalidateTarget drops every cached result whose target is in scope of
// target: the target itself, everything below it, and its ancestors. In-flight
// reads under the target are detached so reads issued from now on start a
// fresh call; the detached calls still settle and still populate the cache.
//
// Returns the number of cache entries removed.
func (c *Controller) InvalidateTarget(target string) int {
	scope := utils.TargetOf(target)
	if scope == "" {
		return 0
	}

	n := c.cache.DeleteTarget(scope)
	detached := c.coalescer.ForgetTarget(scope)

	c.logger.Info("invalidated target",
		zap.String("target", scope),
		zap.Int("entries", n),
		zap.Int("detached", detached),
	)
	c.observer.Observe(Event{Kind: EventInvalidate, Target: scope, Count: n})
	return n
}

// InvalidateMatching drops every cached key matching pattern and detaches
// matching in-flight calls. See utils.KeyMatcher for the pattern syntax.
func (c *Controller) InvalidateMatching(pattern string) (int, error) {
	if err := c.matcher.ValidatePattern(pattern); err != nil {
		return 0, errors.Wrap(err, "invalidate matching")
	}

	n := 0
	for _, key := range c.matcher.Match(pattern, c.cache.Keys()) {
		if c.cache.Delete(key) {
			n++
		}
	}
	detached := 0
	for _, f := range c.coalescer.Flights() {
		if c.matcher.Matches(pattern, f.Key) && c.coalescer.Forget(f.Key) {
			detached++
		}
	}

	c.logger.Info("invalidated pattern",
		zap.String("pattern", pattern),
		zap.Int("entries", n),
		zap.Int("detached", detached),
	)
	c.observer.Observe(Event{Kind: EventInvalidate, Key: pattern, Count: n})
	return n, nil
}

// InvalidateAll drops every cached result and detaches every in-flight call.
func (c *Controller) InvalidateAll() int {
	n := c.cache.Clear()
	detached := c.coalescer.Clear()

	c.logger.Info("invalidated all", zap.Int("entries", n), zap.Int("detached", detached))
	c.observer.Observe(Event{Kind: EventInvalidate, Count: n})
	return n
}
