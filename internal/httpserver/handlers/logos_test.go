package handlers

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogoServing(t *testing.T) {
	dir := t.TempDir()
	payload := []byte("png-bytes")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "news.png"), payload, 0o644))

	router := chi.NewRouter()
	NewLogoHandler(dir).RegisterChiRoutes(router)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/logos/news.png", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, payload, rec.Body.Bytes())
}

func TestLogoMissing(t *testing.T) {
	router := chi.NewRouter()
	NewLogoHandler(t.TempDir()).RegisterChiRoutes(router)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/logos/nope.png", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogoRejectsHiddenFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".secret"), []byte("x"), 0o644))

	router := chi.NewRouter()
	NewLogoHandler(dir).RegisterChiRoutes(router)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/logos/.secret", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
