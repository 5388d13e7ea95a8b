package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tabtuner/tabtuner/internal/status"
	"github.com/tabtuner/tabtuner/internal/stream"
)

// HLSHandler serves playlists, the init segment, and media segments.
type HLSHandler struct {
	manager     *stream.Manager
	clients     *status.ClientRegistry
	waitTimeout time.Duration
	logger      *slog.Logger
}

// NewHLSHandler creates a new HLS handler. waitTimeout bounds how long a
// playlist request blocks on a cold stream before asking the client to
// retry.
func NewHLSHandler(manager *stream.Manager, clients *status.ClientRegistry, waitTimeout time.Duration, logger *slog.Logger) *HLSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HLSHandler{
		manager:     manager,
		clients:     clients,
		waitTimeout: waitTimeout,
		logger:      logger,
	}
}

// RegisterChiRoutes registers the HLS routes as raw Chi handlers. Media
// responses set their own headers and cannot go through Huma.
func (h *HLSHandler) RegisterChiRoutes(router chi.Router) {
	router.Get("/hls/{channel}/stream.m3u8", h.handlePlaylist)
	router.Get("/hls/{channel}/{segment}", h.handleSegment)
}

// handlePlaylist starts the channel's stream if necessary, waits for the
// first playlist, and serves it.
func (h *HLSHandler) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	channel := channelParam(r)
	addr := clientAddr(r)

	id, err := h.manager.EnsureChannelStream(r.Context(), channel, addr)
	if err != nil {
		h.logger.Debug("playlist setup failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		writeSetupError(w, err)
		return
	}
	st, ok := h.manager.Lookup(id)
	if !ok {
		http.Error(w, "stream unavailable", http.StatusNotFound)
		return
	}

	timer := time.NewTimer(h.waitTimeout)
	defer timer.Stop()

	select {
	case <-st.Store.PlaylistReady():
	case <-st.Store.Terminated():
		w.Header().Set("Retry-After", "5")
		http.Error(w, "stream restarting", http.StatusServiceUnavailable)
		return
	case <-timer.C:
		w.Header().Set("Retry-After", "5")
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	case <-r.Context().Done():
		return
	}

	h.clients.RegisterOnce(st.ID, addr, status.ClientHLS)
	st.Touch()

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = io.WriteString(w, st.Store.Playlist())
}

// handleSegment serves init.mp4 and named media segments for a running
// stream. Segments never start a stream; a player that lost its stream
// re-fetches the playlist and goes through setup there.
func (h *HLSHandler) handleSegment(w http.ResponseWriter, r *http.Request) {
	channel := channelParam(r)
	name := chi.URLParam(r, "segment")

	// Chi hands the parameter back percent-encoded when the raw path
	// contains escapes. Players may also carry the init version query
	// into the path parameter.
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}
	if i := strings.IndexByte(name, '?'); i >= 0 {
		name = name[:i]
	}

	st, ok := h.manager.ByChannel(channel)
	if !ok {
		http.Error(w, "no active stream", http.StatusNotFound)
		return
	}

	if name == "init.mp4" {
		data := st.Store.Init()
		if len(data) == 0 {
			http.Error(w, "init segment not ready", http.StatusNotFound)
			return
		}
		st.Touch()
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(data)
		return
	}

	data, ok := st.Store.Segment(name)
	if !ok {
		http.Error(w, "segment not found", http.StatusNotFound)
		return
	}
	st.Touch()
	w.Header().Set("Content-Type", "video/mp4")
	_, _ = w.Write(data)
}
