package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tabtuner/tabtuner/internal/stream"
	"github.com/tabtuner/tabtuner/pkg/m3u"
)

// Device identity presented to PVR clients. The device id only has to be
// stable, not globally unique.
const (
	deviceID     = "TABT0001"
	deviceAuth   = "tabtuner"
	friendlyName = "tabtuner"
	modelNumber  = "HDHR-tabtuner"
)

// LineupHandler emulates the HDHomeRun discovery API so PVR backends can
// adopt the configured channels as a network tuner, and serves the same
// lineup as an M3U playlist.
type LineupHandler struct {
	manager    *stream.Manager
	tunerCount int
	version    string
	logger     *slog.Logger
}

// NewLineupHandler creates a new lineup handler. tunerCount should match
// the concurrent stream limit so PVRs schedule recordings realistically.
func NewLineupHandler(manager *stream.Manager, tunerCount int, version string, logger *slog.Logger) *LineupHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LineupHandler{
		manager:    manager,
		tunerCount: tunerCount,
		version:    version,
		logger:     logger,
	}
}

// DiscoverResponse is the HDHomeRun discovery document.
type DiscoverResponse struct {
	FriendlyName    string `json:"FriendlyName"`
	ModelNumber     string `json:"ModelNumber"`
	FirmwareName    string `json:"FirmwareName"`
	FirmwareVersion string `json:"FirmwareVersion"`
	DeviceID        string `json:"DeviceID"`
	DeviceAuth      string `json:"DeviceAuth"`
	BaseURL         string `json:"BaseURL"`
	LineupURL       string `json:"LineupURL"`
	TunerCount      int    `json:"TunerCount"`
}

// LineupStatus is the HDHomeRun tuner status document.
type LineupStatus struct {
	ScanInProgress int      `json:"ScanInProgress"`
	ScanPossible   int      `json:"ScanPossible"`
	Source         string   `json:"Source"`
	SourceList     []string `json:"SourceList"`
}

// LineupEntry is one channel in the HDHomeRun lineup.
type LineupEntry struct {
	GuideNumber string `json:"GuideNumber"`
	GuideName   string `json:"GuideName"`
	URL         string `json:"URL"`
}

// RegisterChiRoutes registers the discovery and lineup routes.
func (h *LineupHandler) RegisterChiRoutes(router chi.Router) {
	router.Get("/discover.json", h.handleDiscover)
	router.Get("/lineup.json", h.handleLineup)
	router.Get("/lineup_status.json", h.handleLineupStatus)
	// Plex posts here to start a channel scan; there is nothing to scan.
	router.Post("/lineup.json", h.handleLineupPost)
	router.Get("/channels.m3u", h.handleChannelsM3U)
}

// baseURL reconstructs the externally visible base URL from the request.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}

func (h *LineupHandler) handleDiscover(w http.ResponseWriter, r *http.Request) {
	base := baseURL(r)
	firmware := "tabtuner-" + h.version

	response := DiscoverResponse{
		FriendlyName:    friendlyName,
		ModelNumber:     modelNumber,
		FirmwareName:    firmware,
		FirmwareVersion: firmware,
		DeviceID:        deviceID,
		DeviceAuth:      deviceAuth,
		BaseURL:         base,
		LineupURL:       base + "/lineup.json",
		TunerCount:      h.tunerCount,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

func (h *LineupHandler) handleLineup(w http.ResponseWriter, r *http.Request) {
	base := baseURL(r)
	channels := h.manager.Channels()

	lineup := make([]LineupEntry, 0, len(channels))
	for i, ch := range channels {
		lineup = append(lineup, LineupEntry{
			GuideNumber: strconv.Itoa(i + 1),
			GuideName:   ch.Name,
			URL:         base + "/stream/" + url.PathEscape(ch.Key),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(lineup)
}

func (h *LineupHandler) handleLineupStatus(w http.ResponseWriter, r *http.Request) {
	response := LineupStatus{
		ScanInProgress: 0,
		ScanPossible:   1,
		Source:         "Cable",
		SourceList:     []string{"Cable"},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

func (h *LineupHandler) handleLineupPost(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("scan") == "start" {
		h.logger.Info("channel scan requested, nothing to scan")
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleChannelsM3U serves the channel lineup as an M3U playlist for
// players that speak IPTV playlists instead of the HDHomeRun API.
func (h *LineupHandler) handleChannelsM3U(w http.ResponseWriter, r *http.Request) {
	base := baseURL(r)

	w.Header().Set("Content-Type", "audio/x-mpegurl")

	mw := m3u.NewWriter(w)
	if err := mw.WriteHeader(); err != nil {
		return
	}
	for i, ch := range h.manager.Channels() {
		err := mw.WriteEntry(&m3u.Entry{
			TvgID:         ch.Key,
			TvgName:       ch.Name,
			ChannelNumber: i + 1,
			Title:         ch.Name,
			URL:           base + "/stream/" + url.PathEscape(ch.Key),
		})
		if err != nil {
			h.logger.Debug("m3u write failed", slog.String("error", err.Error()))
			return
		}
	}
}
