package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/ysmood/gson"

	"github.com/tabtuner/tabtuner/internal/config"
	"github.com/tabtuner/tabtuner/internal/profile"
	"github.com/tabtuner/tabtuner/internal/status"
	"github.com/tabtuner/tabtuner/internal/stream"
)

// fakePage satisfies stream.Page and answers the capture and tune
// scripts with a healthy, playable video, so the manager's setup
// pipeline completes without a browser.
type fakePage struct {
	mu     sync.Mutex
	closed bool
}

func (p *fakePage) Eval(ctx context.Context, js string, args ...interface{}) (gson.JSON, error) {
	if strings.Contains(js, "getBoundingClientRect") {
		data, err := json.Marshal(map[string]interface{}{
			"found": true, "currentTime": 1.0, "paused": false,
			"ended": false, "error": false, "readyState": 4,
			"networkState": 1, "muted": false, "volume": 1.0,
			"fillsViewport": true,
		})
		if err != nil {
			return gson.New(nil), err
		}
		return gson.NewFrom(string(data)), nil
	}
	return gson.New(true), nil
}

func (p *fakePage) Expose(name string, fn func(gson.JSON) (interface{}, error)) (func() error, error) {
	return func() error { return nil }, nil
}

func (p *fakePage) Frames(ctx context.Context) ([]profile.Target, error) { return nil, nil }
func (p *fakePage) BypassCSP() error                                     { return nil }
func (p *fakePage) SetViewport(width, height int) error                  { return nil }
func (p *fakePage) Navigate(ctx context.Context, url string) error       { return nil }
func (p *fakePage) Minimize() error                                      { return nil }

func (p *fakePage) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePage) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// fakeBrowser serves fresh fake pages and counts how many were opened.
type fakeBrowser struct {
	mu    sync.Mutex
	calls int
}

func (b *fakeBrowser) NewPage() (stream.Page, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	return &fakePage{}, nil
}

func (b *fakeBrowser) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// fakeRemuxer echoes its input to its output through a pipe, standing in
// for the ffmpeg subprocess. Every input payload is recorded.
type fakeRemuxer struct {
	pr   *io.PipeReader
	pw   *io.PipeWriter
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	inputs [][]byte
}

func newFakeRemuxer() *fakeRemuxer {
	pr, pw := io.Pipe()
	return &fakeRemuxer{pr: pr, pw: pw, done: make(chan struct{})}
}

func (f *fakeRemuxer) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, append([]byte(nil), p...))
	f.mu.Unlock()
	return f.pw.Write(p)
}

func (f *fakeRemuxer) CloseInput() error     { return f.pw.Close() }
func (f *fakeRemuxer) Output() io.Reader     { return f.pr }
func (f *fakeRemuxer) Done() <-chan struct{} { return f.done }

func (f *fakeRemuxer) Kill() {
	f.once.Do(func() {
		close(f.done)
		f.pw.CloseWithError(io.ErrClosedPipe)
		f.pr.CloseWithError(io.ErrClosedPipe)
	})
}

func (f *fakeRemuxer) inputCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inputs)
}

// remuxerFactory plugs into MPEGTSHandler.newRemuxer and keeps every
// remuxer it produced for inspection.
type remuxerFactory struct {
	mu   sync.Mutex
	made []*fakeRemuxer
}

func (f *remuxerFactory) new(ctx context.Context) (tsRemuxer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fr := newFakeRemuxer()
	f.made = append(f.made, fr)
	return fr, nil
}

func (f *remuxerFactory) get(i int) *fakeRemuxer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.made) {
		return nil
	}
	return f.made[i]
}

// testEnv bundles a real manager wired to fakes plus the status plumbing
// the handlers share.
type testEnv struct {
	cfg     *config.Config
	manager *stream.Manager
	emitter *status.Emitter
	clients *status.ClientRegistry
	browser *fakeBrowser
	logger  *slog.Logger
}

func newTestEnv(t *testing.T, mutate func(*config.Config), channels ...config.ChannelConfig) *testEnv {
	t.Helper()
	cfg := &config.Config{
		HLS: config.HLSConfig{
			SegmentDuration: 3 * time.Second,
			MaxSegments:     10,
			IdleTimeout:     time.Minute,
		},
		Streaming: config.StreamingConfig{
			NavigationTimeout:    500 * time.Millisecond,
			MaxConcurrentStreams: 4,
			MaxNavigationRetries: 2,
			CaptureMode:          config.CaptureModeNative,
			Viewport:             "720p",
			FrameRate:            30,
		},
		Playback: config.PlaybackConfig{
			MonitorInterval:           time.Hour,
			StallThreshold:            0.1,
			StallCountThreshold:       2,
			SustainedPlaybackRequired: time.Hour,
			MaxPageReloads:            10,
			PageReloadWindow:          time.Minute,
		},
		Recovery: config.RecoveryConfig{
			CircuitBreakerWindow:    time.Minute,
			CircuitBreakerThreshold: 5,
		},
		Channels: channels,
	}
	if mutate != nil {
		mutate(cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := profile.NewResolver(cfg.Channels, logger)
	emitter := status.NewEmitter(logger)
	clients := status.NewClientRegistry()
	fb := &fakeBrowser{}
	m := stream.NewManager(cfg, fb, resolver, emitter, clients, logger)
	t.Cleanup(func() { m.Shutdown("test done") })
	return &testEnv{
		cfg:     cfg,
		manager: m,
		emitter: emitter,
		clients: clients,
		browser: fb,
		logger:  logger,
	}
}

// newTestRouter builds a chi router with a Huma API attached, mirroring
// the production server wiring.
func newTestRouter() (*chi.Mux, huma.API) {
	router := chi.NewRouter()
	api := humachi.New(router, huma.DefaultConfig("Test API", "1.0.0"))
	return router, api
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
