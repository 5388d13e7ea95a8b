package handlers

import (
	_ "embed"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/tabtuner/tabtuner/internal/stream"
)

//go:embed landing.html
var landingHTML string

var landingTemplate = template.Must(template.New("landing").Parse(landingHTML))

// LandingHandler serves the root page: a static channel list with
// playlist and tuner links. There is no web application.
type LandingHandler struct {
	manager *stream.Manager
	version string
	logger  *slog.Logger
}

// NewLandingHandler creates a new landing page handler.
func NewLandingHandler(manager *stream.Manager, version string, logger *slog.Logger) *LandingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LandingHandler{
		manager: manager,
		version: version,
		logger:  logger,
	}
}

// RegisterChiRoutes registers the root route.
func (h *LandingHandler) RegisterChiRoutes(router chi.Router) {
	router.Get("/", h.handleLanding)
}

type landingChannel struct {
	Name        string
	PlaylistURL string
	StreamURL   string
}

type landingData struct {
	Version  string
	Channels []landingChannel
}

func (h *LandingHandler) handleLanding(w http.ResponseWriter, r *http.Request) {
	channels := h.manager.Channels()

	data := landingData{
		Version:  h.version,
		Channels: make([]landingChannel, 0, len(channels)),
	}
	for _, ch := range channels {
		key := url.PathEscape(ch.Key)
		data.Channels = append(data.Channels, landingChannel{
			Name:        ch.Name,
			PlaylistURL: "/hls/" + key + "/stream.m3u8",
			StreamURL:   "/stream/" + key,
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := landingTemplate.Execute(w, data); err != nil {
		h.logger.Debug("landing page render failed", slog.String("error", err.Error()))
	}
}
