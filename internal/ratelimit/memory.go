package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const memoryShards = 16

// MemoryLimiter is the single-instance fallback: one timestamp ring per key,
// one mutex per shard. Correct under multi-instance deployment only if all
// traffic for a key lands on one process; the Redis limiter is authoritative
// otherwise.
type MemoryLimiter struct {
	shards [memoryShards]memoryShard
	now    func() time.Time
}

type memoryShard struct {
	mu      sync.Mutex
	entries map[string][]int64
}

var _ Limiter = (*MemoryLimiter)(nil)

// NewMemoryLimiter constructs an in-process limiter.
func NewMemoryLimiter() *MemoryLimiter {
	l := &MemoryLimiter{now: time.Now}
	for i := range l.shards {
		l.shards[i].entries = make(map[string][]int64)
	}
	return l
}

// WithClock overrides the time source. Intended for tests.
func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

// Allow prunes, counts, and records under the shard lock so the three steps
// are atomic with respect to concurrent callers of the same key.
func (l *MemoryLimiter) Allow(_ context.Context, key string, max int, window time.Duration) (Decision, error) {
	if max <= 0 || window <= 0 {
		return Decision{Allowed: true}, nil
	}
	shard := &l.shards[shardFor(key)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	nowMicros := l.now().UnixMicro()
	cutoff := nowMicros - window.Microseconds()

	entries := shard.entries[key]
	kept := entries[:0]
	for _, ts := range entries {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= max {
		shard.entries[key] = kept
		retry := time.Duration(kept[0]+window.Microseconds()-nowMicros) * time.Microsecond
		return Decision{Allowed: false, RetryAfter: retry}, nil
	}

	shard.entries[key] = append(kept, nowMicros)
	return Decision{Allowed: true, Remaining: max - len(kept) - 1}, nil
}

func shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % memoryShards)
}
