package httpclient

import (
	"sync"
	"time"
)

// breaker counts consecutive failures. Once the threshold is reached,
// requests are refused until the cooldown elapses; the first request
// after the cooldown goes through as a probe and its outcome decides
// whether the breaker closes again.
type breaker struct {
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	failures int
	openedAt time.Time
	probing  bool
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{threshold: threshold, cooldown: cooldown}
}

// allow reports whether a request may proceed. At most one probe is in
// flight after a cooldown; concurrent callers are refused until its
// outcome is recorded.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.threshold <= 0 || b.failures < b.threshold {
		return true
	}
	if b.probing {
		return false
	}
	if time.Since(b.openedAt) >= b.cooldown {
		b.probing = true
		return true
	}
	return false
}

// success closes the breaker.
func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
}

// failure counts toward the threshold. Once open, every further
// failure restarts the cooldown, so a failed probe waits the full
// cooldown again.
func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.probing = false
	if b.threshold > 0 && b.failures >= b.threshold {
		b.openedAt = time.Now()
	}
}
