package requestctl

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// WindowStore shares rate-window counts between processes, so several proxy
// replicas together stay inside one target's budget.
type WindowStore interface {
	// Admit counts one call for target if fewer than max were admitted in
	// the current window. When refused, RetryAfter is the time left in the
	// window.
	Admit(ctx context.Context, target string, max int, window time.Duration) (WindowResult, error)
}

// WindowResult is the outcome of a shared admission.
type WindowResult struct {
	Admitted   bool
	Count      int
	RetryAfter time.Duration
}

// admitScript increments the window counter only below the limit, so refused
// calls never inflate the count. The key expires with the window.
//
// KEYS[1] = window key, ARGV[1] = max, ARGV[2] = window in ms
// Returns {admitted, count, pttl}
var admitScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count < tonumber(ARGV[1]) then
  count = redis.call('INCR', KEYS[1])
  if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
  end
  return {1, count, redis.call('PTTL', KEYS[1])}
end
return {0, count, redis.call('PTTL', KEYS[1])}
`)

// RedisWindowStore is a WindowStore on Redis.
// The caller owns the redis.Client lifecycle.
type RedisWindowStore struct {
	client       redis.Scripter
	prefix       string
	queryTimeout time.Duration
}

var _ WindowStore = (*RedisWindowStore)(nil)

// NewRedisWindowStore returns a store keeping counters under prefix.
func NewRedisWindowStore(client redis.Scripter, prefix string) *RedisWindowStore {
	if prefix == "" {
		prefix = "reqctl:window"
	}
	return &RedisWindowStore{
		client:       client,
		prefix:       prefix,
		queryTimeout: 250 * time.Millisecond,
	}
}

func (s *RedisWindowStore) key(target string) string {
	return s.prefix + ":" + target
}

// Admit implements WindowStore.
func (s *RedisWindowStore) Admit(ctx context.Context, target string, max int, window time.Duration) (WindowResult, error) {
	qctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	vals, err := admitScript.Run(qctx, s.client, []string{s.key(target)}, max, window.Milliseconds()).Int64Slice()
	if err != nil {
		return WindowResult{}, errors.Wrapf(err, "admit %s", target)
	}
	if len(vals) != 3 {
		return WindowResult{}, errors.Newf("admit %s: unexpected reply %v", target, vals)
	}

	res := WindowResult{
		Admitted: vals[0] == 1,
		Count:    int(vals[1]),
	}
	if !res.Admitted {
		res.RetryAfter = time.Duration(vals[2]) * time.Millisecond
		if res.RetryAfter <= 0 {
			res.RetryAfter = window
		}
	}
	return res, nil
}
