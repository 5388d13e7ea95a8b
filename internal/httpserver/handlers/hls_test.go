package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabtuner/tabtuner/internal/config"
	"github.com/tabtuner/tabtuner/internal/stream"
)

func newsChannel() config.ChannelConfig {
	return config.ChannelConfig{Name: "News", URL: "https://news.example/live", Profile: "generic"}
}

func setupHLSRouter(env *testEnv, waitTimeout time.Duration) *chi.Mux {
	router := chi.NewRouter()
	h := NewHLSHandler(env.manager, env.clients, waitTimeout, env.logger)
	h.RegisterChiRoutes(router)
	return router
}

// startWarmStream brings up a stream directly and seeds its store so
// handler requests hit the warm path.
func startWarmStream(t *testing.T, env *testEnv, channel string) *stream.Stream {
	t.Helper()
	id, err := env.manager.EnsureChannelStream(context.Background(), channel, "10.0.0.9")
	require.NoError(t, err)
	st, ok := env.manager.Lookup(id)
	require.True(t, ok)
	return st
}

func TestHLSPlaylistWarmStream(t *testing.T) {
	env := newTestEnv(t, nil, newsChannel())
	router := setupHLSRouter(env, 2*time.Second)

	st := startWarmStream(t, env, "News")
	playlist := "#EXTM3U\n#EXT-X-VERSION:7\n#EXT-X-MAP:URI=\"init.mp4\"\nseg00001.m4s\n"
	st.Store.SetPlaylist(playlist)

	req := httptest.NewRequest(http.MethodGet, "/hls/News/stream.m3u8", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/vnd.apple.mpegurl", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, playlist, rec.Body.String())
	assert.Equal(t, 1, env.clients.Counts(st.ID).HLS)

	// Players re-fetch the playlist every few seconds; the client count
	// must not grow with each poll.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hls/News/stream.m3u8", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.clients.Counts(st.ID).HLS)
}

func TestHLSPlaylistColdStart(t *testing.T) {
	env := newTestEnv(t, nil, newsChannel())
	router := setupHLSRouter(env, 2*time.Second)

	req := httptest.NewRequest(http.MethodGet, "/hls/News/stream.m3u8", nil)
	rec := httptest.NewRecorder()

	var wg sync.WaitGroup
	wg.Go(func() {
		router.ServeHTTP(rec, req)
	})

	// The handler itself triggers setup; feed the store once the stream
	// exists, the way the segmenter would.
	var st *stream.Stream
	waitFor(t, "stream creation", func() bool {
		var ok bool
		st, ok = env.manager.ByChannel("News")
		return ok
	})
	st.Store.SetPlaylist("#EXTM3U\nseg00001.m4s\n")

	wg.Wait()

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "#EXTM3U")
	assert.Equal(t, 1, env.browser.callCount())
}

func TestHLSPlaylistUnknownChannel(t *testing.T) {
	env := newTestEnv(t, nil, newsChannel())
	router := setupHLSRouter(env, 2*time.Second)

	req := httptest.NewRequest(http.MethodGet, "/hls/Sports/stream.m3u8", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown channel")
	assert.Equal(t, 0, env.browser.callCount())
}

func TestHLSPlaylistNotReady(t *testing.T) {
	env := newTestEnv(t, nil, newsChannel())
	router := setupHLSRouter(env, 50*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/hls/News/stream.m3u8", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "stream not ready")
}

func TestHLSPlaylistTerminatedWhileWaiting(t *testing.T) {
	env := newTestEnv(t, nil, newsChannel())
	router := setupHLSRouter(env, 2*time.Second)

	req := httptest.NewRequest(http.MethodGet, "/hls/News/stream.m3u8", nil)
	rec := httptest.NewRecorder()

	var wg sync.WaitGroup
	wg.Go(func() {
		router.ServeHTTP(rec, req)
	})

	var st *stream.Stream
	waitFor(t, "stream creation", func() bool {
		var ok bool
		st, ok = env.manager.ByChannel("News")
		return ok
	})
	// Let the handler park on the playlist wait before pulling the
	// stream out from under it.
	time.Sleep(50 * time.Millisecond)
	require.True(t, env.manager.Terminate(st.ID, "test"))

	wg.Wait()

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "stream restarting")
}

func TestHLSPlaylistAtCapacity(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Streaming.MaxConcurrentStreams = 1
	},
		newsChannel(),
		config.ChannelConfig{Name: "Sports", URL: "https://sports.example/live", Profile: "generic"})
	router := setupHLSRouter(env, 2*time.Second)

	startWarmStream(t, env, "News")

	req := httptest.NewRequest(http.MethodGet, "/hls/Sports/stream.m3u8", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	assert.Equal(t, "All Tuners In Use", rec.Header().Get("X-HDHomeRun-Error"))
	assert.Contains(t, rec.Body.String(), "all tuners in use")
}

func TestHLSInitSegment(t *testing.T) {
	env := newTestEnv(t, nil, newsChannel())
	router := setupHLSRouter(env, 2*time.Second)

	st := startWarmStream(t, env, "News")

	// Before the first init segment lands the path exists but has no
	// content to serve.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hls/News/init.mp4", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "init segment not ready")

	initSeg := []byte("ftypiso5-init-payload")
	st.Store.SetInit(initSeg)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hls/News/init.mp4", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, initSeg, rec.Body.Bytes())

	// Some players fold the init version query into the path segment.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hls/News/init.mp4%3Fv=2", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, initSeg, rec.Body.Bytes())
}

func TestHLSMediaSegment(t *testing.T) {
	env := newTestEnv(t, nil, newsChannel())
	router := setupHLSRouter(env, 2*time.Second)

	st := startWarmStream(t, env, "News")
	segData := []byte("moof-mdat-segment-one")
	st.Store.AddSegment("seg00001.m4s", segData)

	before := st.LastAccess()
	time.Sleep(10 * time.Millisecond)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hls/News/seg00001.m4s", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, segData, rec.Body.Bytes())
	assert.True(t, st.LastAccess().After(before), "segment fetch must refresh last access")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hls/News/seg99999.m4s", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "segment not found")
}

func TestHLSSegmentRotatedOut(t *testing.T) {
	env := newTestEnv(t, nil, newsChannel())
	router := setupHLSRouter(env, 2*time.Second)

	st := startWarmStream(t, env, "News")
	for i := 0; i <= 10; i++ {
		st.Store.AddSegment(fmt.Sprintf("seg%05d.m4s", i), []byte("payload"))
	}

	// MaxSegments is 10, so the first segment has been evicted.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hls/News/seg00000.m4s", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hls/News/seg00010.m4s", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHLSSegmentDoesNotStartStream(t *testing.T) {
	env := newTestEnv(t, nil, newsChannel())
	router := setupHLSRouter(env, 2*time.Second)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hls/News/seg00001.m4s", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "no active stream")
	assert.Equal(t, 0, env.manager.ActiveCount())
	assert.Equal(t, 0, env.browser.callCount())
}
