package stream

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/tabtuner/tabtuner/internal/browser"
	"github.com/tabtuner/tabtuner/internal/capture"
	"github.com/tabtuner/tabtuner/internal/config"
	"github.com/tabtuner/tabtuner/internal/hls"
	"github.com/tabtuner/tabtuner/internal/monitor"
	"github.com/tabtuner/tabtuner/internal/profile"
	"github.com/tabtuner/tabtuner/internal/remux"
	"github.com/tabtuner/tabtuner/internal/status"
)

// Timing knobs, overridable in tests.
var (
	// ensurePollInterval paces waiting on another request's cold start.
	ensurePollInterval = 200 * time.Millisecond
	// navigationRetryDelay spaces navigation attempts.
	navigationRetryDelay = 2 * time.Second
	// tuneTimeout bounds the whole tune-to-channel sequence.
	tuneTimeout = 45 * time.Second
)

// SetupRequest describes one stream to start.
type SetupRequest struct {
	ChannelKey  string
	ChannelName string
	URL         string
	ClientAddr  string
	Profile     string // profile name override
	Overrides   *profile.Overrides
}

func validateStreamURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	switch u.Scheme {
	case "http", "https", "chrome":
		return nil
	}
	return fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
}

// EnsureChannelStream returns the id of a running stream for the
// channel, starting one when none exists. Concurrent requests for the
// same cold channel start it once; the rest wait on the outcome.
func (m *Manager) EnsureChannelStream(ctx context.Context, channel, clientAddr string) (int64, error) {
	spec, ok := m.Channel(channel)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}

	if id, ok := m.registry.ChannelID(spec.Key); ok {
		if id != StartingID {
			if st, live := m.registry.Lookup(id); live {
				st.Touch()
			}
			return id, nil
		}
		return m.awaitStart(ctx, spec.Key)
	}

	if !m.registry.MarkStarting(spec.Key) {
		// Raced with another cold start; wait for its outcome.
		return m.awaitStart(ctx, spec.Key)
	}

	st, err := m.StartStream(ctx, SetupRequest{
		ChannelKey:  spec.Key,
		ChannelName: spec.Name,
		URL:         spec.URL,
		ClientAddr:  clientAddr,
		Profile:     spec.Profile,
		Overrides:   spec.Overrides,
	})
	if err != nil {
		m.registry.ClearStarting(spec.Key)
		return 0, err
	}
	return st.ID, nil
}

// awaitStart polls the channel index while another request's setup is
// in flight: a real id means success, a cleared sentinel means the
// start failed, and the navigation timeout bounds the wait.
func (m *Manager) awaitStart(ctx context.Context, key string) (int64, error) {
	deadline := time.NewTimer(m.cfg.Streaming.NavigationTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(ensurePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-deadline.C:
			return 0, ErrStartupTimeout
		case <-ticker.C:
			id, ok := m.registry.ChannelID(key)
			if !ok {
				return 0, ErrStartupFailed
			}
			if id != StartingID {
				return id, nil
			}
		}
	}
}

// StartStream builds a stream end to end: URL validation, capacity,
// profile resolution, page, capture, optional transcoder, segmenter,
// navigation, tune, monitor. The caller owns the channel-index
// sentinel; on error nothing is registered.
func (m *Manager) StartStream(ctx context.Context, req SetupRequest) (*Stream, error) {
	if err := validateStreamURL(req.URL); err != nil {
		return nil, err
	}
	if m.registry.Count() >= m.cfg.Streaming.MaxConcurrentStreams {
		if !m.reclaimIdle(1) {
			return nil, ErrAtCapacity
		}
	}

	prof := m.resolver.Resolve(ctx, req.ChannelName, req.URL, req.Profile)
	if req.Overrides != nil {
		prof = prof.Merge(*req.Overrides)
	}

	st := &Stream{
		ID:          m.registry.NextID(),
		IDStr:       newStreamID(),
		Channel:     req.ChannelKey,
		ChannelName: req.ChannelName,
		URL:         req.URL,
		ClientAddr:  req.ClientAddr,
		StartTime:   time.Now(),
		Store:       hls.NewStore(m.cfg.HLS.MaxSegments),
		profile:     prof,
	}
	st.ctx, st.cancel = context.WithCancel(m.ctx)
	st.Touch()

	logger := m.logger.With("stream", st.IDStr, "channel", st.Channel)
	logger.Info("starting stream",
		"url", req.URL,
		"profile", prof.Name,
		"mode", m.cfg.Streaming.CaptureMode,
	)

	if err := m.buildPipeline(ctx, st, nil); err != nil {
		st.cancel()
		st.Store.Terminate()
		logger.Warn("stream setup failed", "error", err)
		return nil, err
	}

	m.registry.Commit(st)
	m.emitter.StreamAdded(m.statusOf(st, status.HealthHealthy))
	m.startMonitor(st)
	logger.Info("stream started", "id", st.ID)
	return st, nil
}

// buildPipeline performs the per-tab half of setup: page, capture,
// optional transcoder, segmenter, navigation, tune, minimize. It is
// shared between cold starts (nil handoff) and tab replacement. On
// error every resource created here is released.
func (m *Manager) buildPipeline(ctx context.Context, st *Stream, handoff *hls.Handoff) error {
	prof := st.Profile()
	logger := m.logger.With("stream", st.IDStr)

	page, err := m.browser.NewPage()
	if err != nil {
		return fmt.Errorf("create page: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = page.Close()
		}
	}()

	if err := page.BypassCSP(); err != nil {
		return fmt.Errorf("bypass csp: %w", err)
	}
	if w, h, err := m.cfg.Streaming.ViewportSize(); err == nil {
		if err := page.SetViewport(w, h); err != nil {
			logger.Warn("viewport not applied", "error", err)
		}
	}

	opts := capture.OptionsFromConfig(m.cfg.Streaming)
	release, err := m.queue.Acquire(ctx, m.cfg.Streaming.NavigationTimeout)
	if err != nil {
		return fmt.Errorf("capture queue: %w", err)
	}
	rawCap, err := capture.Start(ctx, page, opts, logger)
	release()
	if err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	defer func() {
		if !ok {
			rawCap.Destroy()
		}
	}()

	var proc *remux.Process
	if m.cfg.Streaming.CaptureMode == config.CaptureModeFFmpeg {
		cmd, err := remux.WebMToFMP4(m.cfg.FFmpeg.Path, m.cfg.Streaming.AudioBitsPerSecond.Int(), m.cfg.HLS.SegmentDuration, m.cfg.FFmpeg.ExtraArgs)
		if err != nil {
			return fmt.Errorf("remux command: %w", err)
		}
		proc, err = remux.Start(st.ctx, cmd, logger)
		if err != nil {
			return fmt.Errorf("start remuxer: %w", err)
		}
		defer func() {
			if !ok {
				proc.Kill()
			}
		}()
	}

	seg := hls.NewSegmenter(hls.SegmenterConfig{
		StreamID:       st.ID,
		TargetDuration: m.cfg.HLS.SegmentDuration,
		MaxSegments:    m.cfg.HLS.MaxSegments,
		Handoff:        handoff,
		Logger:         logger,
	}, st.Store)

	gen := st.setPipeline(page, rawCap, proc, seg)
	m.wg.Add(1)
	go m.runPipeline(st, gen, rawCap, proc, seg)

	if err := m.navigate(ctx, st, page); err != nil {
		return err
	}

	if !prof.NoVideo {
		tuner := profile.NewTuner(prof, logger)
		tctx, cancel := context.WithTimeout(ctx, tuneTimeout)
		target, err := tuner.Tune(tctx, page, st.ChannelName)
		cancel()
		if err != nil {
			return fmt.Errorf("tune: %w", err)
		}
		st.setTuning(tuner, target)
	}

	if err := page.Minimize(); err != nil {
		logger.Debug("minimize failed", "error", err)
	}

	ok = true
	return nil
}

// navigate loads the stream URL with bounded retries. It gives up
// early when the page is gone or the caller's context ends.
func (m *Manager) navigate(ctx context.Context, st *Stream, page Page) error {
	retries := m.cfg.Streaming.MaxNavigationRetries
	if retries < 1 {
		retries = 1
	}
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		if page.IsClosed() {
			return fmt.Errorf("navigate: %w", browser.ErrPageClosed)
		}
		nctx, cancel := context.WithTimeout(ctx, m.cfg.Streaming.NavigationTimeout)
		err := page.Navigate(nctx, st.URL)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		m.logger.Warn("navigation failed", "stream", st.IDStr, "attempt", attempt, "error", err)
		if attempt < retries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(navigationRetryDelay):
			}
		}
	}
	return fmt.Errorf("navigate after %d attempts: %w", retries, lastErr)
}

func (m *Manager) startMonitor(st *Stream) {
	st.mu.Lock()
	page, seg, tuner, target := st.page, st.segmenter, st.tuner, st.target
	prof := st.profile
	st.mu.Unlock()

	if tuner == nil {
		tuner = profile.NewTuner(prof, m.logger)
	}
	if target == nil {
		target = page
	}

	mon := monitor.New(monitor.Config{
		StreamID:          st.ID,
		IDStr:             st.IDStr,
		URL:               st.URL,
		Channel:           st.ChannelName,
		Playback:          m.cfg.Playback,
		Recovery:          m.cfg.Recovery,
		NavigationTimeout: m.cfg.Streaming.NavigationTimeout,
		Tuner:             tuner,
		Page:              page,
		Target:            target,
		Segmenter:         seg,
		ReplaceTab: func(ctx context.Context) (*monitor.Replacement, error) {
			return m.replaceTab(ctx, st)
		},
		OnTerminate: func(reason string) { m.Terminate(st.ID, reason) },
		OnHealth:    func(u monitor.HealthUpdate) { m.publishHealth(st, u) },
		Logger:      m.logger,
	})
	st.setMonitor(mon)
	mon.Start(st.ctx)
}
