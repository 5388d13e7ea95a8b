package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tabtuner/tabtuner/internal/status"
)

// StatusHandler streams status events over SSE: a snapshot on connect,
// then incremental stream and system updates.
type StatusHandler struct {
	emitter           *status.Emitter
	logger            *slog.Logger
	heartbeatInterval time.Duration
}

// NewStatusHandler creates a new status event handler.
func NewStatusHandler(emitter *status.Emitter, logger *slog.Logger) *StatusHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusHandler{
		emitter:           emitter,
		logger:            logger,
		heartbeatInterval: 30 * time.Second,
	}
}

// SetHeartbeatInterval sets the SSE heartbeat interval (for testing).
func (h *StatusHandler) SetHeartbeatInterval(d time.Duration) {
	h.heartbeatInterval = d
}

// RegisterChiRoutes registers the SSE route as a raw Chi handler.
func (h *StatusHandler) RegisterChiRoutes(router chi.Router) {
	router.Get("/streams/status", h.handleEvents)
}

func (h *StatusHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	// The subscription delivers a snapshot event first.
	sub := h.emitter.Subscribe()
	defer h.emitter.Unsubscribe(sub.ID)

	rc := http.NewResponseController(w)

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()

	// Initial comment establishes the connection and triggers onopen in
	// browsers.
	fmt.Fprintf(w, ":connected\n\n")
	if err := rc.Flush(); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ":heartbeat %d\n\n", time.Now().Unix())
			if err := rc.Flush(); err != nil {
				return
			}
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, ev); err != nil {
				h.logger.Debug("status event write failed",
					slog.String("event_type", string(ev.Type)),
					slog.String("error", err.Error()),
				)
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// writeSSEEvent writes one event in SSE framing. The event type doubles
// as the SSE event name so browsers can addEventListener per type.
func writeSSEEvent(w io.Writer, ev status.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
