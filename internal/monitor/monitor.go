// Package monitor watches one stream's playback health on a fixed
// interval and drives a recovery escalation ladder when it degrades:
// resume playback in place, reload the media source, navigate the page
// again, and finally replace the whole tab. A sliding-window circuit
// breaker terminates streams that keep failing despite recovery.
package monitor

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tabtuner/tabtuner/internal/browser"
	"github.com/tabtuner/tabtuner/internal/config"
	"github.com/tabtuner/tabtuner/internal/profile"
	"github.com/tabtuner/tabtuner/internal/status"
)

const (
	// consecutiveTimeoutLimit is how many evaluation timeouts in a row
	// mark the tab unresponsive and force a replacement.
	consecutiveTimeoutLimit = 3
	// videoMissingLimit is how many consecutive ticks without a video
	// element escalate straight to page navigation.
	videoMissingLimit = 3
	// tinySegmentBytes is the size below which a segment counts as
	// degenerate output from a wedged compositor.
	tinySegmentBytes = 500_000
	// tinySegmentLimit is how many degenerate segments in a row force a
	// tab replacement.
	tinySegmentLimit = 10
)

// Timing knobs, overridable in tests.
var (
	graceEnsurePlayback   = 3 * time.Second
	graceSourceReload     = 10 * time.Second
	gracePageReload       = 10 * time.Second
	segmentLivenessWindow = 10 * time.Second
	proactiveReloadMargin = 2 * time.Minute
	recoveryEvalTimeout   = 5 * time.Second
	frameSearchTimeout    = 5 * time.Second
	tuneTimeout           = 45 * time.Second
)

// Page is the browser surface the monitor drives. Implemented by
// *browser.Page via the stream package's adapter.
type Page interface {
	profile.Page
	Navigate(ctx context.Context, url string) error
	Minimize() error
	IsClosed() bool
}

// Segmenter is the slice of the HLS segmenter the monitor observes for
// output liveness.
type Segmenter interface {
	SegmentIndex() int
	LastSegmentSize() int
	MarkDiscontinuity()
}

// Replacement is the rebuilt capture pipeline handed back by a tab
// replacement.
type Replacement struct {
	Page      Page
	Target    profile.Target
	Segmenter Segmenter
}

// HealthUpdate is emitted every tick for status reporting.
type HealthUpdate struct {
	Health           status.Health
	EscalationLevel  int
	ReadyState       int
	NetworkState     int
	RecoveryAttempts int
	LastIssue        *status.Issue
}

// Config wires a monitor to one stream.
type Config struct {
	StreamID int64
	IDStr    string
	// URL is re-navigated on page-reload recovery.
	URL string
	// Channel is re-selected after a page reload.
	Channel  string
	Playback config.PlaybackConfig
	Recovery config.RecoveryConfig
	// NavigationTimeout bounds page-reload navigations.
	NavigationTimeout time.Duration

	Tuner     *profile.Tuner
	Page      Page
	Target    profile.Target
	Segmenter Segmenter

	// ReplaceTab rebuilds the capture pipeline on a fresh tab.
	ReplaceTab func(ctx context.Context) (*Replacement, error)
	// OnTerminate is invoked when the circuit breaker trips or the page
	// is unrecoverable. Dispatched on its own goroutine.
	OnTerminate func(reason string)
	// OnHealth receives a health update every tick.
	OnHealth func(HealthUpdate)

	Logger *slog.Logger
}

// Monitor owns the health loop for one stream. Ticks never run
// concurrently with each other; a recovery runs on its own goroutine
// and ticks reduce to status emission until it finishes.
type Monitor struct {
	cfg      Config
	logger   *slog.Logger
	interval time.Duration
	tuner    *profile.Tuner

	breaker *Breaker
	reloads *reloadLimiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	recovering atomic.Bool
	stopped    atomic.Bool
	terminated atomic.Bool

	mu     sync.Mutex
	page   Page
	target profile.Target
	seg    Segmenter

	metrics Metrics

	consecutiveTimeouts int
	videoMissingCount   int
	stallCount          int
	pauseCount          int
	lastTime            float64
	lastTimeValid       bool
	bufferingSince      time.Time

	escalationLevel    int
	sourceReloadTried  bool
	pageReloadFailures int

	graceUntil        time.Time
	livenessPending   bool
	livenessBaseIndex int
	livenessDeadline  time.Time
	productionStalled bool

	lastSegmentIndex int
	tinySegments     int
	fullscreenMisses int

	lastIssue       *status.Issue
	lastRecoveryEnd time.Time
	lastUnhealthy   time.Time
	lastNavigation  time.Time
}

// New builds a monitor. Start must be called to begin ticking.
func New(cfg Config) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Playback.MonitorInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	m := &Monitor{
		cfg:      cfg,
		logger:   logger.With("component", "monitor", "stream", cfg.IDStr),
		interval: interval,
		tuner:    cfg.Tuner,
		breaker:  NewBreaker(cfg.Recovery.CircuitBreakerWindow, cfg.Recovery.CircuitBreakerThreshold),
		reloads:  newReloadLimiter(cfg.Playback.PageReloadWindow, cfg.Playback.MaxPageReloads),
		page:     cfg.Page,
		target:   cfg.Target,
		seg:      cfg.Segmenter,
		metrics:  newMetrics(),
	}
	m.lastSegmentIndex = cfg.Segmenter.SegmentIndex()
	m.lastNavigation = time.Now()
	return m
}

// Start begins the tick loop. The loop stops when ctx is canceled or
// Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run()
}

// Stop halts the loop, waits for any in-flight recovery, and returns
// the accumulated recovery metrics.
func (m *Monitor) Stop() Metrics {
	if m.stopped.CompareAndSwap(false, true) && m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics.clone()
}

func (m *Monitor) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			m.tick(now)
		}
	}
}

// tick is one pass of the health check. All evaluations run outside
// the state lock; shared state is touched in short locked sections.
func (m *Monitor) tick(now time.Time) {
	if m.stopped.Load() || m.terminated.Load() {
		return
	}
	if m.recovering.Load() {
		m.emitHealth(HealthUpdate{Health: status.HealthRecovering})
		return
	}

	m.mu.Lock()
	page, target := m.page, m.target
	m.mu.Unlock()

	if page.IsClosed() {
		m.logger.Warn("page closed outside recovery, requesting termination")
		m.terminate("page closed")
		return
	}

	if m.tuner.Profile().NoVideo {
		m.tickNoVideo(now)
		return
	}

	state, err := m.readState(target)
	if err != nil {
		m.handleStateError(now, err)
		return
	}

	m.mu.Lock()
	m.consecutiveTimeouts = 0
	m.mu.Unlock()

	if !state.Found {
		m.handleVideoMissing(now)
		return
	}

	m.mu.Lock()
	m.videoMissingCount = 0
	m.mu.Unlock()

	if state.Muted || state.Volume < 1.0 {
		m.restoreVolume(target)
	}

	isProgressing, isBuffering := m.updatePlaybackCounters(now, state)
	m.checkSegmentLiveness(now)
	if m.checkTinySegments(now) {
		return
	}
	m.enforceFullscreen(state, target)

	if method, reason, ok := m.evaluateRecovery(now, state, isBuffering, isProgressing); ok {
		m.startRecovery(now, method, reason, false)
		m.emitHealth(HealthUpdate{Health: status.HealthRecovering})
		return
	}

	health := m.classify(state, isBuffering, isProgressing)
	m.maybeSustainedReset(now, health)
	m.maybeProactiveReload(now, health)
	m.emitHealth(HealthUpdate{Health: health, ReadyState: state.ReadyState, NetworkState: state.NetworkState})
}

// tickNoVideo covers profiles without a media element. Only segment
// output and the proactive reload are watched.
func (m *Monitor) tickNoVideo(now time.Time) {
	m.checkSegmentLiveness(now)
	if m.checkTinySegments(now) {
		return
	}
	m.mu.Lock()
	stalled := m.productionStalled
	m.mu.Unlock()
	if stalled && now.After(m.graceDeadline()) {
		m.startRecovery(now, MethodTabReplace, "segment_production_stalled", false)
		m.emitHealth(HealthUpdate{Health: status.HealthRecovering})
		return
	}
	m.maybeSustainedReset(now, status.HealthHealthy)
	m.maybeProactiveReload(now, status.HealthHealthy)
	m.emitHealth(HealthUpdate{Health: status.HealthHealthy})
}

func (m *Monitor) readState(target profile.Target) (profile.VideoState, error) {
	ctx, cancel := context.WithTimeout(m.ctx, m.interval)
	defer cancel()
	return m.tuner.VideoState(ctx, target)
}

// handleStateError sorts evaluation failures into unresponsive-tab,
// context-invalidated, and video-missing buckets.
func (m *Monitor) handleStateError(now time.Time, err error) {
	if m.ctx.Err() != nil {
		return
	}
	if browser.IsEvalTimeout(err) {
		m.mu.Lock()
		m.consecutiveTimeouts++
		timeouts := m.consecutiveTimeouts
		if timeouts >= consecutiveTimeoutLimit {
			m.consecutiveTimeouts = 0
		}
		m.mu.Unlock()
		if timeouts >= consecutiveTimeoutLimit {
			m.logger.Warn("tab unresponsive, replacing", "timeouts", timeouts)
			m.startRecovery(now, MethodTabReplace, "unresponsive_tab", false)
			m.emitHealth(HealthUpdate{Health: status.HealthRecovering})
			return
		}
		m.emitHealth(HealthUpdate{Health: status.HealthStalled})
		return
	}
	if browser.IsContextInvalidated(err) {
		if m.researchFrames() {
			m.emitHealth(HealthUpdate{Health: status.HealthBuffering})
			return
		}
	}
	// Anything else counts toward the missing-video streak.
	m.handleVideoMissing(now)
}

// handleVideoMissing runs the missing-element streak: a frame re-search
// on the second miss, page navigation on the third.
func (m *Monitor) handleVideoMissing(now time.Time) {
	m.mu.Lock()
	m.videoMissingCount++
	count := m.videoMissingCount
	m.mu.Unlock()

	switch {
	case count == 2:
		if m.researchFrames() {
			m.emitHealth(HealthUpdate{Health: status.HealthBuffering})
			return
		}
	case count >= videoMissingLimit:
		m.mu.Lock()
		m.videoMissingCount = 0
		m.mu.Unlock()
		m.startRecovery(now, MethodPageReload, "video_missing", false)
		m.emitHealth(HealthUpdate{Health: status.HealthRecovering})
		return
	}
	m.emitHealth(HealthUpdate{Health: status.HealthError})
}

// researchFrames looks for the video element again across the page and
// its iframes, retargeting on success.
func (m *Monitor) researchFrames() bool {
	m.mu.Lock()
	page := m.page
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, frameSearchTimeout)
	defer cancel()
	target, err := m.tuner.FindVideo(ctx, page)
	if err != nil {
		return false
	}
	m.mu.Lock()
	m.target = target
	m.consecutiveTimeouts = 0
	m.videoMissingCount = 0
	m.stallCount = 0
	m.pauseCount = 0
	m.lastTimeValid = false
	m.bufferingSince = time.Time{}
	m.mu.Unlock()
	m.logger.Info("video element relocated after context loss")
	return true
}

func (m *Monitor) restoreVolume(target profile.Target) {
	ctx, cancel := context.WithTimeout(m.ctx, recoveryEvalTimeout)
	defer cancel()
	if err := m.tuner.RestoreVolume(ctx, target); err != nil {
		m.logger.Debug("volume restore failed", "error", err)
	}
}

// updatePlaybackCounters advances the stall, pause, and buffering
// bookkeeping from one video state sample.
func (m *Monitor) updatePlaybackCounters(now time.Time, state profile.VideoState) (isProgressing, isBuffering bool) {
	threshold := m.cfg.Playback.StallThreshold

	m.mu.Lock()
	defer m.mu.Unlock()

	isProgressing = !m.lastTimeValid || math.Abs(state.CurrentTime-m.lastTime) >= threshold
	m.lastTime = state.CurrentTime
	m.lastTimeValid = true

	isBuffering = state.ReadyState < 3 && state.Loading()
	if isBuffering {
		if m.bufferingSince.IsZero() {
			m.bufferingSince = now
		}
	} else {
		m.bufferingSince = time.Time{}
	}

	if state.Paused {
		m.pauseCount++
	} else {
		m.pauseCount = 0
	}
	if !isProgressing && !state.Paused {
		m.stallCount++
	} else if isProgressing {
		m.stallCount = 0
	}
	return isProgressing, isBuffering
}

// checkSegmentLiveness verifies the pipeline resumed producing segments
// after a recovery. The check arms when the grace period expires and
// flags a production stall if the index has not advanced within the
// liveness window.
func (m *Monitor) checkSegmentLiveness(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.livenessPending || now.Before(m.graceUntil) {
		return
	}
	if m.seg.SegmentIndex() > m.livenessBaseIndex {
		m.livenessPending = false
		m.livenessDeadline = time.Time{}
		return
	}
	if m.livenessDeadline.IsZero() {
		m.livenessDeadline = now.Add(segmentLivenessWindow)
		return
	}
	if now.After(m.livenessDeadline) {
		m.livenessPending = false
		m.livenessDeadline = time.Time{}
		m.productionStalled = true
		m.logger.Warn("segment production stalled after recovery")
	}
}

// checkTinySegments counts consecutive degenerate segments and forces a
// tab replacement once the streak hits the limit. Returns true when a
// replacement was started.
func (m *Monitor) checkTinySegments(now time.Time) bool {
	m.mu.Lock()
	idx := m.seg.SegmentIndex()
	if idx == m.lastSegmentIndex {
		m.mu.Unlock()
		return false
	}
	m.lastSegmentIndex = idx
	if m.seg.LastSegmentSize() < tinySegmentBytes {
		m.tinySegments++
	} else {
		m.tinySegments = 0
	}
	streak := m.tinySegments
	if streak >= tinySegmentLimit {
		m.tinySegments = 0
	}
	m.mu.Unlock()

	if streak >= tinySegmentLimit {
		m.logger.Warn("continuous tiny segments, replacing tab", "streak", streak)
		m.startRecovery(now, MethodTabReplace, "tiny_segments", false)
		m.emitHealth(HealthUpdate{Health: status.HealthRecovering})
		return true
	}
	return false
}

// enforceFullscreen re-applies the CSS fullscreen styling when the
// video stops filling the viewport, escalating to !important on the
// second consecutive miss.
func (m *Monitor) enforceFullscreen(state profile.VideoState, target profile.Target) {
	if m.tuner.Profile().Fullscreen != profile.FullscreenCSS {
		return
	}
	m.mu.Lock()
	if state.FillsViewport {
		m.fullscreenMisses = 0
		m.mu.Unlock()
		return
	}
	m.fullscreenMisses++
	important := m.fullscreenMisses >= 2
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, recoveryEvalTimeout)
	defer cancel()
	if err := m.tuner.ApplyFullscreen(ctx, target, important); err != nil {
		m.logger.Debug("fullscreen reapply failed", "error", err)
	}
}

// evaluateRecovery decides whether this tick needs a recovery and which
// ladder rung runs it.
func (m *Monitor) evaluateRecovery(now time.Time, state profile.VideoState, isBuffering, isProgressing bool) (Method, string, bool) {
	countThreshold := m.cfg.Playback.StallCountThreshold
	bufferingGrace := m.cfg.Playback.BufferingGracePeriod

	m.mu.Lock()
	defer m.mu.Unlock()

	withinRecoveryGrace := now.Before(m.graceUntil)
	withinBufferingGrace := isBuffering && !m.bufferingSince.IsZero() && now.Sub(m.bufferingSince) <= bufferingGrace

	stalled := !isProgressing && m.stallCount > countThreshold && !withinBufferingGrace
	paused := state.Paused && m.pauseCount > countThreshold && !withinBufferingGrace

	needed := !withinRecoveryGrace &&
		(state.Error || state.Ended || paused || stalled || m.productionStalled)
	if !needed {
		return "", "", false
	}

	var reason string
	switch {
	case state.Error:
		reason = "playback_error"
	case state.Ended:
		reason = "playback_ended"
	case m.productionStalled:
		reason = "segment_production_stalled"
	case paused:
		reason = "paused"
	default:
		reason = "stalled"
	}

	category := categorize(state, isBuffering, isProgressing, m.stallCount > countThreshold)

	var method Method
	switch {
	case category == categoryPaused && m.escalationLevel == 0:
		method = MethodEnsurePlayback
	case !m.sourceReloadTried:
		method = MethodSourceReload
	default:
		method = MethodPageReload
	}
	if method == MethodPageReload && m.pageReloadFailures >= 2 {
		// Navigation keeps failing, drop back to a source reload.
		method = MethodSourceReload
		m.pageReloadFailures = 0
	}
	return method, reason, true
}

const (
	categoryPaused    = "paused"
	categoryBuffering = "buffering"
	categoryOther     = "other"
)

func categorize(state profile.VideoState, isBuffering, isProgressing, stalled bool) string {
	switch {
	case state.Error || state.Ended:
		return categoryOther
	case isBuffering:
		return categoryBuffering
	case state.ReadyState < 3 && stalled:
		return categoryBuffering
	case state.Paused:
		return categoryPaused
	default:
		return categoryBuffering
	}
}

// classify maps the tick's observations onto the coarse health states.
func (m *Monitor) classify(state profile.VideoState, isBuffering, isProgressing bool) status.Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case state.Error || state.Ended:
		return status.HealthError
	case isBuffering || (state.ReadyState < 3 && !isProgressing):
		return status.HealthBuffering
	case state.Paused || !isProgressing:
		return status.HealthStalled
	default:
		return status.HealthHealthy
	}
}

// maybeSustainedReset confirms a pending recovery and clears all
// escalation state once the stream has stayed healthy long enough.
func (m *Monitor) maybeSustainedReset(now time.Time, health status.Health) {
	required := m.cfg.Playback.SustainedPlaybackRequired
	if required <= 0 {
		return
	}

	m.mu.Lock()
	if health != status.HealthHealthy {
		m.lastUnhealthy = now
		m.mu.Unlock()
		return
	}
	pending := m.metrics.PendingMethod
	hadTrouble := pending != "" || m.escalationLevel > 0
	since := m.lastRecoveryEnd
	if m.lastUnhealthy.After(since) {
		since = m.lastUnhealthy
	}
	if !hadTrouble || since.IsZero() || now.Sub(since) < required {
		m.mu.Unlock()
		return
	}

	var elapsed time.Duration
	if pending != "" {
		m.metrics.Successes[pending]++
		elapsed = now.Sub(m.metrics.PendingSince)
		m.metrics.PendingMethod = ""
		m.metrics.PendingSince = time.Time{}
	}
	m.escalationLevel = 0
	m.sourceReloadTried = false
	m.pageReloadFailures = 0
	m.stallCount = 0
	m.pauseCount = 0
	m.livenessPending = false
	m.livenessDeadline = time.Time{}
	m.productionStalled = false
	m.lastIssue = nil
	m.mu.Unlock()

	m.breaker.Reset()
	if pending != "" {
		m.logger.Info("recovery confirmed by sustained playback",
			"method", pending, "settled_after", elapsed.Round(time.Second))
	}
}

// maybeProactiveReload navigates ahead of the profile's continuous
// playback ceiling so the site never cuts the stream off itself.
func (m *Monitor) maybeProactiveReload(now time.Time, health status.Health) {
	maxPlayback := m.tuner.Profile().MaxContinuousPlayback
	if maxPlayback <= 0 || health != status.HealthHealthy {
		return
	}
	m.mu.Lock()
	due := now.Sub(m.lastNavigation) >= maxPlayback-proactiveReloadMargin
	m.mu.Unlock()
	if !due || !m.reloads.wouldAllow(now) {
		return
	}
	m.logger.Info("proactive page reload before playback ceiling",
		"max_continuous_playback", maxPlayback)
	m.startRecovery(now, MethodPageReload, "proactive_reload", true)
}

func (m *Monitor) graceDeadline() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.graceUntil
}

// emitHealth publishes one health update. Escalation and recovery
// bookkeeping are overlaid from the monitor so callers only set the
// observation fields.
func (m *Monitor) emitHealth(u HealthUpdate) {
	if m.cfg.OnHealth == nil {
		return
	}
	m.mu.Lock()
	u.EscalationLevel = m.escalationLevel
	u.RecoveryAttempts = m.metrics.TotalAttempts()
	u.LastIssue = m.lastIssue
	m.mu.Unlock()
	m.cfg.OnHealth(u)
}

// terminate asks the owner to tear the stream down. Dispatched async
// so a Stop from inside the termination path cannot deadlock.
func (m *Monitor) terminate(reason string) {
	if !m.terminated.CompareAndSwap(false, true) {
		return
	}
	if m.cfg.OnTerminate == nil {
		return
	}
	go m.cfg.OnTerminate(reason)
}
