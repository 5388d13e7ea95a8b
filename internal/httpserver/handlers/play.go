package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/tabtuner/tabtuner/internal/profile"
	"github.com/tabtuner/tabtuner/internal/stream"
)

// playRateLimit bounds how many ad-hoc targets one client can register.
// Each distinct URL can cold-start a browser page.
const (
	playRateLimit  = 30
	playRateWindow = time.Minute
)

// PlayHandler turns arbitrary page URLs into synthetic channels:
// GET /play?url=... registers the target and redirects to its playlist.
type PlayHandler struct {
	manager *stream.Manager
	logger  *slog.Logger
}

// NewPlayHandler creates a new ad-hoc playback handler.
func NewPlayHandler(manager *stream.Manager, logger *slog.Logger) *PlayHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlayHandler{manager: manager, logger: logger}
}

// Register registers a documentation-only operation; the redirect is
// handled by a raw Chi handler.
func (h *PlayHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "playURL",
		Method:      http.MethodGet,
		Path:        "/play",
		Summary:     "Play an arbitrary page URL",
		Description: "Registers the URL as a synthetic channel and redirects to its HLS playlist. The channel key is derived from a hash of the URL, so repeated requests share one stream.",
		Tags:        []string{"Streaming"},
		Responses: map[string]*huma.Response{
			"302": {
				Description: "Redirect to the playlist",
				Headers: map[string]*huma.Param{
					"Location": {Description: "/hls/<key>/stream.m3u8"},
				},
			},
			"400": {Description: "Missing or unsupported url parameter"},
		},
		SkipValidateBody: true,
	}, h.playDocsHandler)
}

func (h *PlayHandler) playDocsHandler(ctx context.Context, input *playInput) (*huma.StreamResponse, error) {
	return nil, huma.Error500InternalServerError("this endpoint is handled by raw Chi handlers", nil)
}

type playInput struct {
	URL           string `query:"url" required:"true" doc:"Page URL to capture"`
	Profile       string `query:"profile" doc:"Site profile name"`
	Selector      string `query:"selector" doc:"CSS selector for the channel element"`
	ClickToPlay   bool   `query:"clickToPlay" doc:"Click the player before capture starts"`
	ClickSelector string `query:"clickSelector" doc:"CSS selector for the click-to-play target"`
}

// RegisterChiRoutes registers the rate-limited /play route.
func (h *PlayHandler) RegisterChiRoutes(router chi.Router) {
	router.With(httprate.Limit(
		playRateLimit,
		playRateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
	)).Get("/play", h.handlePlay)
}

func (h *PlayHandler) handlePlay(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	rawURL := q.Get("url")
	if rawURL == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}

	ov := &profile.Overrides{
		ChannelSelector: q.Get("selector"),
		ClickSelector:   q.Get("clickSelector"),
	}
	if q.Has("clickToPlay") {
		click := strings.EqualFold(q.Get("clickToPlay"), "true")
		ov.ClickToPlay = &click
	}

	key, err := h.manager.RegisterPlayTarget(rawURL, q.Get("profile"), ov)
	if err != nil {
		if errors.Is(err, stream.ErrInvalidURL) {
			http.Error(w, "unsupported stream url", http.StatusBadRequest)
			return
		}
		h.logger.Warn("play target registration failed",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		http.Error(w, "registering playback target failed", http.StatusInternalServerError)
		return
	}

	h.logger.Info("registered playback target",
		slog.String("key", key),
		slog.String("url", rawURL),
	)
	http.Redirect(w, r, "/hls/"+url.PathEscape(key)+"/stream.m3u8", http.StatusFound)
}
