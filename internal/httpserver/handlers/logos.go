package handlers

import (
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
)

// LogoHandler serves cached channel artwork written by the show-info
// poller.
type LogoHandler struct {
	dir string
}

// NewLogoHandler creates a handler serving logos from dir.
func NewLogoHandler(dir string) *LogoHandler {
	return &LogoHandler{dir: dir}
}

// RegisterChiRoutes registers the logo route.
func (h *LogoHandler) RegisterChiRoutes(router chi.Router) {
	router.Get("/logos/{file}", h.handleLogo)
}

func (h *LogoHandler) handleLogo(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "file")
	// The cache writes flat names only.
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		http.NotFound(w, r)
		return
	}

	// Artwork changes whenever the current show changes.
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, filepath.Join(h.dir, name))
}
