package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/tabtuner/tabtuner/internal/config"
	"github.com/tabtuner/tabtuner/internal/hls"
	"github.com/tabtuner/tabtuner/internal/remux"
	"github.com/tabtuner/tabtuner/internal/status"
	"github.com/tabtuner/tabtuner/internal/stream"
)

// tsRemuxer is the slice of remux.Process the MPEG-TS handler drives.
// Tests substitute an in-process fake.
type tsRemuxer interface {
	Write(p []byte) (int, error)
	CloseInput() error
	Output() io.Reader
	Done() <-chan struct{}
	Kill()
}

// MPEGTSHandler serves a continuous MPEG-TS body per connection, feeding
// the stream's fMP4 segments through a dedicated remuxer subprocess.
type MPEGTSHandler struct {
	manager     *stream.Manager
	clients     *status.ClientRegistry
	waitTimeout time.Duration
	logger      *slog.Logger

	newRemuxer func(ctx context.Context) (tsRemuxer, error)
}

// NewMPEGTSHandler creates a new MPEG-TS handler. Each accepted
// connection spawns its own remuxer from the given ffmpeg configuration.
func NewMPEGTSHandler(manager *stream.Manager, clients *status.ClientRegistry, ffmpeg config.FFmpegConfig, waitTimeout time.Duration, logger *slog.Logger) *MPEGTSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &MPEGTSHandler{
		manager:     manager,
		clients:     clients,
		waitTimeout: waitTimeout,
		logger:      logger,
	}
	h.newRemuxer = func(ctx context.Context) (tsRemuxer, error) {
		cmd, err := remux.MpegTSCopy(ffmpeg.Path, ffmpeg.ExtraArgs)
		if err != nil {
			return nil, err
		}
		proc, err := remux.Start(ctx, cmd, h.logger)
		if err != nil {
			return nil, err
		}
		return proc, nil
	}
	return h
}

// Register registers a documentation-only operation for the streaming
// endpoint. The request handling itself is done by a raw Chi handler;
// Huma commits a 200 before the body callback runs, which makes the
// pre-stream header flush impossible.
func (h *MPEGTSHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "streamChannel",
		Method:      http.MethodGet,
		Path:        "/stream/{channel}",
		Summary:     "Stream a channel as MPEG-TS",
		Description: "Continuous MPEG-TS delivery for tuner clients. Headers are flushed before the capture pipeline is ready so slow cold starts do not trip client timeouts.",
		Tags:        []string{"Streaming"},
		Responses: map[string]*huma.Response{
			"200": {
				Description: "MPEG-TS stream",
				Headers: map[string]*huma.Param{
					"Content-Type":          {Description: "video/mpeg"},
					"transferMode.dlna.org": {Description: "Streaming"},
				},
			},
			"404": {Description: "Unknown channel"},
			"503": {Description: "Stream not ready, retry later"},
		},
		SkipValidateBody: true,
	}, h.streamDocsHandler)
}

// streamDocsHandler exists only for OpenAPI generation; the Chi route
// registered afterwards takes precedence.
func (h *MPEGTSHandler) streamDocsHandler(ctx context.Context, input *streamChannelInput) (*huma.StreamResponse, error) {
	return nil, huma.Error500InternalServerError("this endpoint is handled by raw Chi handlers", nil)
}

type streamChannelInput struct {
	Channel string `path:"channel" doc:"Channel name or playback key"`
}

// RegisterChiRoutes registers the streaming route as a raw Chi handler.
func (h *MPEGTSHandler) RegisterChiRoutes(router chi.Router) {
	router.Get("/stream/{channel}", h.handleStream)
}

func (h *MPEGTSHandler) writeStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "video/mpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "close")
	w.Header().Set("transferMode.dlna.org", "Streaming")
}

// handleStream delivers one MPEG-TS connection. On a cold channel the 200
// and headers are committed before stream setup; every failure after that
// point closes the connection without a status. A warm channel keeps
// normal error responses until the init segment check passes.
func (h *MPEGTSHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	channel := channelParam(r)
	if _, ok := h.manager.Channel(channel); !ok {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}

	addr := clientAddr(r)
	logger := h.logger.With(slog.String("channel", channel), slog.String("client", addr))

	fw := newFlushWriter(w)
	var ka *remux.Keepalive
	committed := false

	st, running := h.manager.ByChannel(channel)
	if !running {
		h.writeStreamHeaders(w)
		w.WriteHeader(http.StatusOK)
		if err := fw.rc.Flush(); err != nil {
			return
		}
		committed = true
		// Hold the connection open with PAT/PMT while the browser
		// starts up and ffmpeg produces its first packet.
		ka = remux.StartKeepalive(fw, remux.DefaultKeepaliveInterval, logger)
		defer ka.Stop()

		id, err := h.manager.EnsureChannelStream(r.Context(), channel, addr)
		if err != nil {
			logger.Debug("stream setup failed mid-connection", slog.String("error", err.Error()))
			return
		}
		st, running = h.manager.Lookup(id)
		if !running {
			return
		}
	} else {
		st.Touch()
	}

	timer := time.NewTimer(h.waitTimeout)
	defer timer.Stop()

	select {
	case <-st.Store.InitReady():
	case <-st.Store.Terminated():
		if !committed {
			w.Header().Set("Retry-After", "5")
			http.Error(w, "stream restarting", http.StatusServiceUnavailable)
		}
		return
	case <-timer.C:
		if !committed {
			w.Header().Set("Retry-After", "5")
			http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		}
		return
	case <-r.Context().Done():
		return
	}

	if !committed {
		h.writeStreamHeaders(w)
		w.WriteHeader(http.StatusOK)
		if err := fw.rc.Flush(); err != nil {
			return
		}
		ka = remux.StartKeepalive(fw, remux.DefaultKeepaliveInterval, logger)
		defer ka.Stop()
	}

	// The remuxer dies with the request context, so a disconnect that
	// races cleanup still reaps the subprocess.
	proc, err := h.newRemuxer(r.Context())
	if err != nil {
		logger.Warn("remuxer start failed", slog.String("error", err.Error()))
		return
	}

	// Subscribe before replaying stored segments so nothing published
	// in between is missed.
	events, unsubscribe := st.Store.Subscribe()
	token := h.clients.Register(st.ID, addr, status.ClientMPEGTS)
	st.AddTSClient()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			unsubscribe()
			proc.Kill()
			st.RemoveTSClient()
			h.clients.Unregister(st.ID, token)
		})
	}
	defer cleanup()

	go h.feed(r.Context(), st, proc, events)

	out := proc.Output()
	buf := make([]byte, 32*1024)
	firstByte := true
	for {
		n, rerr := out.Read(buf)
		if n > 0 {
			if firstByte {
				// Stop blocks until any in-flight table write has
				// finished, so payload bytes never interleave.
				ka.Stop()
				firstByte = false
			}
			if _, werr := fw.Write(buf[:n]); werr != nil {
				logger.Debug("client write failed", slog.String("error", werr.Error()))
				return
			}
		}
		if rerr != nil {
			if rerr != io.EOF && !remux.IsExpectedStreamError(rerr) {
				logger.Debug("remuxer output ended", slog.String("error", rerr.Error()))
			}
			return
		}
	}
}

// feed replays the retained init segment and the stored media segments
// into the remuxer, then forwards live segment events. Replayed names
// are deduplicated against events that raced the replay.
func (h *MPEGTSHandler) feed(ctx context.Context, st *stream.Stream, proc tsRemuxer, events <-chan hls.Event) {
	defer func() { _ = proc.CloseInput() }()

	wroteInit := false
	if init := st.Store.Init(); len(init) > 0 {
		if _, err := proc.Write(init); err != nil {
			return
		}
		wroteInit = true
	}

	replayed := make(map[string]struct{})
	for _, seg := range st.Store.Segments() {
		replayed[seg.Name] = struct{}{}
		if _, err := proc.Write(seg.Data); err != nil {
			return
		}
	}
	st.Touch()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case hls.EventInit:
				if wroteInit {
					continue
				}
				if _, err := proc.Write(ev.Data); err != nil {
					return
				}
				wroteInit = true
			case hls.EventSegment:
				if _, dup := replayed[ev.Filename]; dup {
					continue
				}
				if _, err := proc.Write(ev.Data); err != nil {
					return
				}
				st.Touch()
			case hls.EventTerminated:
				return
			}
		case <-proc.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}
