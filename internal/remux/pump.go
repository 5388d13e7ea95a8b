package remux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// Pipeline pumps src through proc into sink until src returns EOF, the
// process exits, sink fails, or ctx is canceled. Teardown errors that
// just mean "the other side went away" (closed pipes, client resets)
// are swallowed; a process that exits non-zero on its own is reported
// with its recent stderr.
//
// Cancellation kills the process, which unblocks writes, but cannot
// interrupt a blocked src.Read; the caller owns src and must close it
// during teardown, same as with os/exec stdin.
func Pipeline(ctx context.Context, src io.Reader, proc *Process, sink io.Writer) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		_, err := io.Copy(proc, src)
		if cerr := proc.CloseInput(); err == nil && cerr != nil && !IsExpectedStreamError(cerr) {
			err = cerr
		}
		if err != nil {
			// Unblock the drain side.
			proc.Kill()
		}
		return err
	})

	g.Go(func() error {
		_, err := io.Copy(sink, proc.Output())
		if err != nil {
			// Unblock the feed side.
			proc.Kill()
		}
		return err
	})

	// The group goroutines only kill on their own errors; this covers
	// cancellation arriving while both copies sit idle.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-gctx.Done():
			proc.Kill()
		case <-watchDone:
		}
	}()

	copyErr := g.Wait()
	close(watchDone)
	proc.Kill()
	<-proc.Done()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if exitErr := proc.Err(); exitErr != nil && !killedByPipeline(exitErr) {
		if lines := proc.RecentStderr(); len(lines) > 0 {
			return fmt.Errorf("remux process exited: %w: %s", exitErr, strings.Join(lines, " | "))
		}
		return fmt.Errorf("remux process exited: %w", exitErr)
	}
	if copyErr != nil && !IsExpectedStreamError(copyErr) {
		return copyErr
	}
	return nil
}

// killedByPipeline reports whether the exit error is the one our own
// Kill produces, as opposed to the process failing by itself.
func killedByPipeline(err error) bool {
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return false
	}
	ws, ok := ee.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return false
	}
	switch ws.Signal() {
	case syscall.SIGKILL, syscall.SIGPIPE:
		return true
	}
	return false
}
