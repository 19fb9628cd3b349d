package ratelimit

import (
	"context"
	"sync"
	"time"
)

// memorySweepThreshold is the key count above which stale windows are dropped.
const memorySweepThreshold = 4096

type memoryEntry struct {
	window int64
	count  int
}

// MemoryLimiter implements a fixed-window in-process rate limiter.
type MemoryLimiter struct {
	mu       sync.Mutex
	counters map[string]*memoryEntry
}

// NewMemoryLimiter constructs a MemoryLimiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		counters: make(map[string]*memoryEntry),
	}
}

// Allow checks whether the request fits in the current window.
func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration, now time.Time) (Result, error) {
	if limit <= 0 || key == "" {
		return Result{Allowed: true}, nil
	}
	slot, reset := windowSlot(now, window)

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.counters) > memorySweepThreshold {
		l.sweep(slot)
	}
	entry := l.counters[key]
	if entry == nil {
		entry = &memoryEntry{window: slot}
		l.counters[key] = entry
	}
	if entry.window != slot {
		entry.window = slot
		entry.count = 0
	}
	if entry.count >= limit {
		return Result{Allowed: false, Limit: limit, Remaining: 0, Reset: reset}, nil
	}
	entry.count++
	return Result{Allowed: true, Limit: limit, Remaining: limit - entry.count, Reset: reset}, nil
}

// sweep drops counters from earlier windows. Callers hold l.mu.
func (l *MemoryLimiter) sweep(current int64) {
	for key, entry := range l.counters {
		if entry.window != current {
			delete(l.counters, key)
		}
	}
}

// windowSlot returns the index of the window containing now and when it ends.
func windowSlot(now time.Time, window time.Duration) (int64, time.Time) {
	if window <= 0 {
		window = defaultWindow
	}
	slot := now.UnixNano() / int64(window)
	return slot, time.Unix(0, (slot+1)*int64(window)).UTC()
}
