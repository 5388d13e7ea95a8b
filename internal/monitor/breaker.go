package monitor

import (
	"sync"
	"time"
)

// Breaker trips when too many recovery attempts land inside a sliding
// window. Every attempt counts as a failure until sustained playback
// proves otherwise, so the monitor resets the breaker only after the
// stream has stayed healthy for the configured confirmation period.
type Breaker struct {
	mu        sync.Mutex
	window    time.Duration
	threshold int

	firstFailure time.Time
	failures     int
	tripped      bool
}

// NewBreaker returns a breaker that trips after threshold failures
// within window. A threshold of zero disables it.
func NewBreaker(window time.Duration, threshold int) *Breaker {
	return &Breaker{window: window, threshold: threshold}
}

// RecordFailure registers one failure at now and reports whether this
// failure tripped the breaker. Failures older than the window are
// discarded by restarting the count.
func (b *Breaker) RecordFailure(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.threshold <= 0 {
		return false
	}
	if b.failures == 0 || now.Sub(b.firstFailure) > b.window {
		b.firstFailure = now
		b.failures = 1
	} else {
		b.failures++
	}
	if b.failures >= b.threshold {
		b.tripped = true
	}
	return b.tripped
}

// Tripped reports whether the breaker has fired.
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}

// Reset clears all failure state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.firstFailure = time.Time{}
	b.failures = 0
	b.tripped = false
}

// Stats returns the current failure count and the window start.
func (b *Breaker) Stats() (failures int, since time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures, b.firstFailure
}
