package capture

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestQueueAcquireReleaseCycle(t *testing.T) {
	q := NewQueue()

	release, err := q.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()

	release2, err := q.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	release2()
}

func TestQueueSerializesAcquirers(t *testing.T) {
	q := NewQueue()

	release, err := q.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		r2, err := q.Acquire(context.Background(), 5*time.Second)
		if err != nil {
			t.Errorf("second Acquire: %v", err)
			close(acquired)
			return
		}
		close(acquired)
		r2()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquirer got the slot while it was held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("second acquirer never got the slot after release")
	}
}

func TestQueueTimeout(t *testing.T) {
	q := NewQueue()
	release, err := q.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	start := time.Now()
	_, err = q.Acquire(context.Background(), 30*time.Millisecond)
	if !errors.Is(err, ErrQueueTimeout) {
		t.Fatalf("err = %v, want ErrQueueTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %v", elapsed)
	}

	// The failed waiter must not have corrupted the slot.
	release()
	r3, err := q.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire after timeout: %v", err)
	}
	r3()
}

func TestQueueReleaseIdempotent(t *testing.T) {
	q := NewQueue()
	release, err := q.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()
	release()

	// Exactly one token exists: first acquire wins, second times out.
	r1, err := q.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := q.Acquire(context.Background(), 30*time.Millisecond); !errors.Is(err, ErrQueueTimeout) {
		t.Fatalf("double release minted a second slot: err = %v", err)
	}
	r1()
}

func TestQueueContextCanceled(t *testing.T) {
	q := NewQueue()
	release, _ := q.Acquire(context.Background(), time.Second)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := q.Acquire(ctx, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
