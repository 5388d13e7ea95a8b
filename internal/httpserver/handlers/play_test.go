package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupPlayRouter(env *testEnv) *chi.Mux {
	router := chi.NewRouter()
	NewPlayHandler(env.manager, env.logger).RegisterChiRoutes(router)
	return router
}

func TestPlayRedirectsToPlaylist(t *testing.T) {
	env := newTestEnv(t, nil)
	router := setupPlayRouter(env)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/play?url=https://example.org/live", nil))

	require.Equal(t, http.StatusFound, rec.Code)
	location := rec.Header().Get("Location")
	require.True(t, strings.HasPrefix(location, "/hls/play-"), "location %q", location)
	require.True(t, strings.HasSuffix(location, "/stream.m3u8"), "location %q", location)

	// The synthetic channel must be tunable under the key embedded in
	// the redirect.
	key := strings.TrimSuffix(strings.TrimPrefix(location, "/hls/"), "/stream.m3u8")
	spec, ok := env.manager.Channel(key)
	require.True(t, ok)
	assert.Equal(t, "https://example.org/live", spec.URL)

	// Repeating the same URL reuses the key so players share one stream.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/play?url=https://example.org/live", nil))
	assert.Equal(t, location, rec.Header().Get("Location"))
}

func TestPlayForwardsOverrides(t *testing.T) {
	env := newTestEnv(t, nil)
	router := setupPlayRouter(env)

	target := "/play?url=https://example.org/live&profile=generic&selector=%23player&clickToPlay=true&clickSelector=.play-button"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	require.Equal(t, http.StatusFound, rec.Code)

	location := rec.Header().Get("Location")
	key := strings.TrimSuffix(strings.TrimPrefix(location, "/hls/"), "/stream.m3u8")
	spec, ok := env.manager.Channel(key)
	require.True(t, ok)
	assert.Equal(t, "generic", spec.Profile)
	require.NotNil(t, spec.Overrides)
	assert.Equal(t, "#player", spec.Overrides.ChannelSelector)
	assert.Equal(t, ".play-button", spec.Overrides.ClickSelector)
	require.NotNil(t, spec.Overrides.ClickToPlay)
	assert.True(t, *spec.Overrides.ClickToPlay)
}

func TestPlayMissingURL(t *testing.T) {
	env := newTestEnv(t, nil)
	router := setupPlayRouter(env)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/play", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing url parameter")
}

func TestPlayRejectsUnsupportedScheme(t *testing.T) {
	env := newTestEnv(t, nil)
	router := setupPlayRouter(env)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/play?url=file:///etc/passwd", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unsupported stream url")
}

func TestPlayRateLimited(t *testing.T) {
	env := newTestEnv(t, nil)
	router := setupPlayRouter(env)

	// All test requests share one client IP, so the limiter sees a
	// single bucket.
	var last int
	for i := 0; i < playRateLimit+1; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/play?url=https://example.org/live", nil))
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}
