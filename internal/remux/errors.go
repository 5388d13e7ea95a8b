package remux

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// IsExpectedStreamError reports whether err is a normal end-of-stream
// condition for live pipes: the client hung up or the process on the
// other end of the pipe exited. These are logged at debug level rather
// than treated as failures.
func IsExpectedStreamError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "file already closed")
}
