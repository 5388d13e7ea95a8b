package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ProbePage adds teardown to the capture surface.
type ProbePage interface {
	Page
	Close() error
}

const probeAttempts = 3

// Overridable in tests.
var (
	probeTimeout     = 5 * time.Second
	probeRetryDelay  = 5 * time.Second
	probeSettleDelay = 500 * time.Millisecond
)

// Probe verifies at process start that the browser's tab-capture slot is
// usable: open a throwaway page, start a capture with the runtime
// options, destroy it, close the page. An ErrCaptureActive result is
// terminal; the slot leaked from a previous run and only a browser
// restart clears it, so the caller should exit.
func Probe(ctx context.Context, newPage func() (ProbePage, error), opts Options, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "capture_probe")

	var lastErr error
	for attempt := 1; attempt <= probeAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(probeRetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := probeOnce(ctx, newPage, opts, logger)
		if err == nil {
			logger.Info("capture probe succeeded", "attempt", attempt)
			return nil
		}
		if errors.Is(err, ErrCaptureActive) {
			logger.Error("capture slot is leaked, restart required", "attempt", attempt)
			return err
		}
		lastErr = err
		logger.Warn("capture probe attempt failed", "attempt", attempt, "error", err)
	}
	return fmt.Errorf("capture probe failed after %d attempts: %w", probeAttempts, lastErr)
}

func probeOnce(ctx context.Context, newPage func() (ProbePage, error), opts Options, logger *slog.Logger) error {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	page, err := newPage()
	if err != nil {
		return fmt.Errorf("creating probe page: %w", err)
	}
	defer page.Close()

	stream, err := Start(probeCtx, page, opts, logger)
	if err != nil {
		return err
	}
	stream.Destroy()

	// The browser releases the capture slot on an async path after the
	// recorder stops; give it a moment before declaring success.
	select {
	case <-time.After(probeSettleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
