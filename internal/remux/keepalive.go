package remux

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/asticode/go-astits"
)

// PID layout for keepalive tables. These match the MpegTSArgs muxer
// options, so the tables the remuxer eventually emits describe the same
// program and clients never see a PID change.
const (
	VideoPID = 256
	AudioPID = 257
)

// DefaultKeepaliveInterval is how often PAT/PMT tables are repeated
// while waiting for the first remuxed byte.
const DefaultKeepaliveInterval = 500 * time.Millisecond

// Keepalive writes PAT/PMT tables to a client at a fixed interval until
// stopped. Some MPEG-TS consumers drop connections that stay silent
// during remuxer startup; valid tables hold them open without affecting
// the stream that follows.
type Keepalive struct {
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// StartKeepalive begins emitting tables immediately, then every
// interval. Stop it before writing stream data to the same writer.
func StartKeepalive(w io.Writer, interval time.Duration, logger *slog.Logger) *Keepalive {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultKeepaliveInterval
	}
	k := &Keepalive{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go k.run(w, interval, logger)
	return k
}

func (k *Keepalive) run(w io.Writer, interval time.Duration, logger *slog.Logger) {
	defer close(k.done)

	mux := astits.NewMuxer(context.Background(), w)
	if err := mux.AddElementaryStream(astits.PMTElementaryStream{
		ElementaryPID: VideoPID,
		StreamType:    astits.StreamTypeH264Video,
	}); err != nil {
		logger.Warn("keepalive muxer setup failed", "error", err)
		<-k.stop
		return
	}
	if err := mux.AddElementaryStream(astits.PMTElementaryStream{
		ElementaryPID: AudioPID,
		StreamType:    astits.StreamTypeAACAudio,
	}); err != nil {
		logger.Warn("keepalive muxer setup failed", "error", err)
		<-k.stop
		return
	}
	mux.SetPCRPID(VideoPID)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := mux.WriteTables(); err != nil {
			// Client gone; wait for the caller to notice and stop us.
			logger.Debug("keepalive write failed", "error", err)
			<-k.stop
			return
		}
		select {
		case <-k.stop:
			return
		case <-ticker.C:
		}
	}
}

// Stop ends the keepalive and blocks until any in-flight table write has
// finished, so the caller can safely reuse the writer.
func (k *Keepalive) Stop() {
	k.stopOnce.Do(func() { close(k.stop) })
	<-k.done
}
