// Package ratelimit implements a sliding-window counter: every accepted
// request records a timestamped entry, entries older than the window are
// pruned before counting, and prune+count+record run as one atomic batch so
// two concurrent requests can never both be admitted on a stale count.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits or rejects one event under key. Implementations must make
// the whole check atomic with respect to concurrent callers of the same key.
type Limiter interface {
	Allow(ctx context.Context, key string, max int, window time.Duration) (Decision, error)
}
