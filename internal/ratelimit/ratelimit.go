// Package ratelimit bounds deliveries per (user, channel) pair.
//
// Buckets are fixed windows: the count resets only when a window lapses,
// never mid-window. Allow is an atomic check-and-increment under a
// per-shard lock, so two concurrent calls can never both claim the last
// slot of a window.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"
)

const (
	shardCount = 16
	// pruneEvery bounds stale-bucket cleanup cost: each shard scans its
	// buckets once per this many operations.
	pruneEvery = 256
)

type bucket struct {
	windowStart time.Time
	count       int
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	ops     int
}

type Limiter struct {
	cfgMu  sync.RWMutex
	limit  int
	window time.Duration

	shards [shardCount]*shard
}

// New returns a limiter admitting limit sends per window for each
// (user, channel) pair. limit <= 0 disables limiting.
func New(limit int, window time.Duration) *Limiter {
	l := &Limiter{limit: limit, window: window}
	if l.window <= 0 {
		l.window = time.Minute
	}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return l
}

// Apply updates the limit and window at runtime. Existing windows keep
// their start time; only the admission math changes.
func (l *Limiter) Apply(limit int, window time.Duration) {
	l.cfgMu.Lock()
	l.limit = limit
	if window > 0 {
		l.window = window
	}
	l.cfgMu.Unlock()
}

// Allow reports whether one more delivery to (userID, channel) fits in the
// current window, incrementing the counter when it does. A false return
// consumes nothing.
func (l *Limiter) Allow(userID, channel string) bool {
	l.cfgMu.RLock()
	limit := l.limit
	window := l.window
	l.cfgMu.RUnlock()

	if limit <= 0 {
		return true
	}

	key := userID + "|" + channel
	sh := l.shards[shardFor(key)]
	now := time.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.ops++
	if sh.ops%pruneEvery == 0 {
		sh.prune(now, window)
	}

	b := sh.buckets[key]
	if b == nil {
		b = &bucket{windowStart: now}
		sh.buckets[key] = b
	}
	if now.Sub(b.windowStart) >= window {
		b.windowStart = now
		b.count = 0
	}
	if b.count >= limit {
		return false
	}
	b.count++
	return true
}

// prune drops buckets idle for more than two windows. Caller holds sh.mu.
func (sh *shard) prune(now time.Time, window time.Duration) {
	for k, b := range sh.buckets {
		if now.Sub(b.windowStart) >= 2*window {
			delete(sh.buckets, k)
		}
	}
}

func shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}
