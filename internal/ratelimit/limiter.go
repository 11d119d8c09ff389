// Package ratelimit implements the atomic per-subject rate limiter over
// the shared Redis store.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Outcome is the tri-state result of a rate-limit check.
type Outcome string

const (
	Allowed     Outcome = "allowed"
	Exceeded    Outcome = "exceeded"
	Unavailable Outcome = "unavailable"
)

// incrExpireScript atomically increments the counter and sets its TTL on
// first increment within the window, in a single round trip.
var incrExpireScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return current
`)

// Limiter checks and consumes per-key rate-limit budget atomically,
// bounded by a fixed timeout so a slow store degrades to Unavailable
// rather than blocking the request pipeline.
type Limiter struct {
	client  *redis.Client
	timeout time.Duration
}

// New constructs a Limiter over an already-connected Redis client. The
// timeout bounds every check-and-consume call (spec budget: <=200ms).
func New(client *redis.Client, timeout time.Duration) *Limiter {
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	return &Limiter{client: client, timeout: timeout}
}

// CheckAndConsume atomically increments the counter for key; if the
// resulting count is within limit it returns Allowed, otherwise Exceeded.
// A store error or timeout returns Unavailable — the caller decides the
// fail-open/fail-closed policy for the tool in question.
func (l *Limiter) CheckAndConsume(ctx context.Context, key string, window time.Duration, limit int) Outcome {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	windowSeconds := int(window.Seconds())
	if windowSeconds < 1 {
		windowSeconds = 1
	}

	res, err := incrExpireScript.Run(ctx, l.client, []string{key}, windowSeconds).Result()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Unavailable
		}
		return Unavailable
	}

	count, ok := toInt64(res)
	if !ok {
		return Unavailable
	}
	if int(count) <= limit {
		return Allowed
	}
	return Exceeded
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
