// Package handlers implements the HTTP endpoints: HLS playlists and
// segments, continuous MPEG-TS delivery, ad-hoc playback targets, status
// events, the JSON API, and HDHomeRun-compatible discovery.
package handlers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/tabtuner/tabtuner/internal/stream"
)

// clientAddr returns the requesting host without the ephemeral port.
// RealIP middleware has already unwrapped proxy headers.
func clientAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// channelParam returns the decoded channel path parameter. Chi routes on
// the raw path, so names with spaces arrive percent-encoded.
func channelParam(r *http.Request) string {
	name := chi.URLParam(r, "channel")
	if decoded, err := url.PathUnescape(name); err == nil {
		return decoded
	}
	return name
}

// writeSetupError maps stream setup failures onto HTTP statuses. Tuner
// clients key off Retry-After and the HDHomeRun error header.
func writeSetupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		// Client gave up while we were starting the stream.
	case errors.Is(err, stream.ErrUnknownChannel):
		http.Error(w, "unknown channel", http.StatusNotFound)
	case errors.Is(err, stream.ErrInvalidURL):
		http.Error(w, "unsupported stream url", http.StatusBadRequest)
	case errors.Is(err, stream.ErrAtCapacity):
		w.Header().Set("Retry-After", "5")
		w.Header().Set("X-HDHomeRun-Error", "All Tuners In Use")
		http.Error(w, "all tuners in use", http.StatusServiceUnavailable)
	case errors.Is(err, stream.ErrStartupTimeout):
		w.Header().Set("Retry-After", "5")
		http.Error(w, "stream is starting", http.StatusServiceUnavailable)
	default:
		http.Error(w, "stream setup failed", http.StatusInternalServerError)
	}
}

// flushWriter flushes the response after every write so live bytes reach
// the client instead of sitting in the server's buffer.
type flushWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newFlushWriter(w http.ResponseWriter) flushWriter {
	return flushWriter{w: w, rc: http.NewResponseController(w)}
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err != nil {
		return n, err
	}
	if err := fw.rc.Flush(); err != nil {
		return n, err
	}
	return n, nil
}
