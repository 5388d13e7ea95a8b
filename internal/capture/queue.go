// Package capture starts and supervises tab media capture: a
// process-wide serialization queue, the MediaRecorder bridge that turns
// a tab into a byte stream, and the startup probe that detects a leaked
// browser capture slot.
package capture

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrQueueTimeout is returned when a caller waited the full navigation
// timeout without the capture slot becoming free.
var ErrQueueTimeout = errors.New("timed out waiting for capture slot")

// Queue serializes capture initialization process-wide. The browser
// rejects a second capture start while one is still initializing, so
// holders must release as soon as their capture is established.
type Queue struct {
	slot chan struct{}
}

// NewQueue creates a queue with a free slot.
func NewQueue() *Queue {
	q := &Queue{slot: make(chan struct{}, 1)}
	q.slot <- struct{}{}
	return q
}

// Acquire takes the slot, waiting up to wait. The returned release
// function is idempotent. A timed-out or canceled caller holds nothing.
func (q *Queue) Acquire(ctx context.Context, wait time.Duration) (func(), error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-q.slot:
		var once sync.Once
		release := func() {
			once.Do(func() { q.slot <- struct{}{} })
		}
		return release, nil
	case <-timer.C:
		return nil, ErrQueueTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
