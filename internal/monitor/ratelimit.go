package monitor

import (
	"sync"
	"time"
)

// reloadLimiter caps page navigations to max occurrences per window so
// a flapping upstream cannot turn the monitor into a reload loop.
type reloadLimiter struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	times  []time.Time
}

func newReloadLimiter(window time.Duration, max int) *reloadLimiter {
	return &reloadLimiter{window: window, max: max}
}

// allow consumes one slot if available.
func (l *reloadLimiter) allow(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(now)
	if l.max > 0 && len(l.times) >= l.max {
		return false
	}
	l.times = append(l.times, now)
	return true
}

// wouldAllow checks availability without consuming a slot. Used by the
// proactive reload so the decision does not burn the budget it needs.
func (l *reloadLimiter) wouldAllow(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(now)
	return l.max <= 0 || len(l.times) < l.max
}

func (l *reloadLimiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	kept := l.times[:0]
	for _, t := range l.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.times = kept
}
