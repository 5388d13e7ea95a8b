package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabtuner/tabtuner/internal/config"
)

func setupLineupRouter(env *testEnv) *chi.Mux {
	router := chi.NewRouter()
	NewLineupHandler(env.manager, 4, "0.3.0", env.logger).RegisterChiRoutes(router)
	return router
}

func TestDiscoverDocument(t *testing.T) {
	env := newTestEnv(t, nil, newsChannel())
	router := setupLineupRouter(env)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://tuner.local:8080/discover.json", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp DiscoverResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "tabtuner", resp.FriendlyName)
	assert.Equal(t, "TABT0001", resp.DeviceID)
	assert.Equal(t, "tabtuner-0.3.0", resp.FirmwareVersion)
	assert.Equal(t, 4, resp.TunerCount)
	assert.Equal(t, "http://tuner.local:8080", resp.BaseURL)
	assert.Equal(t, "http://tuner.local:8080/lineup.json", resp.LineupURL)
}

func TestLineupListsChannels(t *testing.T) {
	env := newTestEnv(t, nil,
		newsChannel(),
		config.ChannelConfig{Name: "Sports", URL: "https://sports.example/live", Profile: "generic"})
	router := setupLineupRouter(env)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://tuner.local:8080/lineup.json", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var lineup []LineupEntry
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&lineup))
	require.Len(t, lineup, 2)
	assert.Equal(t, "1", lineup[0].GuideNumber)
	assert.Equal(t, "News", lineup[0].GuideName)
	assert.Equal(t, "http://tuner.local:8080/stream/news", lineup[0].URL)
	assert.Equal(t, "2", lineup[1].GuideNumber)
	assert.Equal(t, "Sports", lineup[1].GuideName)
}

func TestLineupStatusDocument(t *testing.T) {
	env := newTestEnv(t, nil)
	router := setupLineupRouter(env)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/lineup_status.json", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp LineupStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 0, resp.ScanInProgress)
	assert.Equal(t, 1, resp.ScanPossible)
	assert.Equal(t, "Cable", resp.Source)
}

func TestLineupScanRequest(t *testing.T) {
	env := newTestEnv(t, nil)
	router := setupLineupRouter(env)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/lineup.json?scan=start", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestChannelsM3U(t *testing.T) {
	env := newTestEnv(t, nil,
		newsChannel(),
		config.ChannelConfig{Name: "Sports", URL: "https://sports.example/live", Profile: "generic"})
	router := setupLineupRouter(env)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://tuner.local:8080/channels.m3u", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/x-mpegurl", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "#EXTM3U"), "body must open with the M3U header")
	assert.Contains(t, body, `tvg-id="news"`)
	assert.Contains(t, body, `tvg-name="News"`)
	assert.Contains(t, body, `tvg-chno="1"`)
	assert.Contains(t, body, "http://tuner.local:8080/stream/news")
	assert.Contains(t, body, `tvg-chno="2"`)
}

func TestChannelsM3UEmpty(t *testing.T) {
	env := newTestEnv(t, nil)
	router := setupLineupRouter(env)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/channels.m3u", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	// The header is still emitted for an empty lineup.
	assert.Equal(t, "#EXTM3U\n", rec.Body.String())
}
