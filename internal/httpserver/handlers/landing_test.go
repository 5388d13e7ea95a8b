package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLandingRouter(env *testEnv) *chi.Mux {
	router := chi.NewRouter()
	NewLandingHandler(env.manager, "0.3.0", env.logger).RegisterChiRoutes(router)
	return router
}

func TestLandingPageListsChannels(t *testing.T) {
	env := newTestEnv(t, nil, newsChannel())
	router := setupLandingRouter(env)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "News")
	assert.Contains(t, body, "/hls/news/stream.m3u8")
	assert.Contains(t, body, "/stream/news")
	assert.Contains(t, body, "0.3.0")
}

func TestLandingPageEmpty(t *testing.T) {
	env := newTestEnv(t, nil)
	router := setupLandingRouter(env)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "No channels configured")
}
