package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ysmood/gson"
)

// ErrVideoNotFound is returned when no video element appears anywhere
// on the page or its frames before the deadline.
var ErrVideoNotFound = errors.New("video element not found")

// Target is one JavaScript evaluation context: the page itself or one
// of its iframes.
type Target interface {
	Eval(ctx context.Context, js string, args ...interface{}) (gson.JSON, error)
}

// Page is a target that can enumerate its iframe contexts.
type Page interface {
	Target
	Frames(ctx context.Context) ([]Target, error)
}

// tunePollInterval paces readiness polling. Overridable in tests.
var tunePollInterval = 500 * time.Millisecond

// readyStatePlayable is HAVE_FUTURE_DATA: enough buffered to advance.
const readyStatePlayable = 3

// networkStateLoading is the media element's NETWORK_LOADING constant.
const networkStateLoading = 2

// VideoState is one readout of the page's main video element.
type VideoState struct {
	Found         bool    `json:"found"`
	CurrentTime   float64 `json:"currentTime"`
	Paused        bool    `json:"paused"`
	Ended         bool    `json:"ended"`
	Error         bool    `json:"error"`
	ReadyState    int     `json:"readyState"`
	NetworkState  int     `json:"networkState"`
	Muted         bool    `json:"muted"`
	Volume        float64 `json:"volume"`
	FillsViewport bool    `json:"fillsViewport"`
}

// Playable reports whether enough media is buffered to keep playing.
func (s VideoState) Playable() bool { return s.Found && s.ReadyState >= readyStatePlayable }

// Loading reports whether the element is actively fetching media.
func (s VideoState) Loading() bool { return s.NetworkState == networkStateLoading }

// pickVideoJS selects the dominant video element: sites routinely keep
// thumbnail or ad players around, so take the largest by area.
const pickVideoJS = `
	const pick = () => {
		const vids = Array.from(document.querySelectorAll('video'));
		if (!vids.length) return null;
		vids.sort((a, b) => (b.clientWidth * b.clientHeight) - (a.clientWidth * a.clientHeight));
		return vids[0];
	};`

const videoPresentJS = `() => {` + pickVideoJS + `
	return pick() !== null;
}`

const videoStateJS = `() => {` + pickVideoJS + `
	const v = pick();
	if (!v) return { found: false };
	const r = v.getBoundingClientRect();
	return {
		found: true,
		currentTime: v.currentTime,
		paused: v.paused,
		ended: v.ended,
		error: v.error !== null,
		readyState: v.readyState,
		networkState: v.networkState,
		muted: v.muted,
		volume: v.volume,
		fillsViewport: r.width >= window.innerWidth * 0.9 && r.height >= window.innerHeight * 0.9,
	};
}`

const ensurePlaybackJS = `() => {` + pickVideoJS + `
	const v = pick();
	if (!v) return false;
	v.muted = false;
	v.volume = 1.0;
	if (v.paused) {
		const p = v.play();
		if (p && p.catch) p.catch(() => {});
	}
	return true;
}`

const reloadSourceJS = `() => {` + pickVideoJS + `
	const v = pick();
	if (!v) return false;
	v.load();
	const p = v.play();
	if (p && p.catch) p.catch(() => {});
	return true;
}`

const restoreVolumeJS = `() => {` + pickVideoJS + `
	const v = pick();
	if (!v) return false;
	v.muted = false;
	v.volume = 1.0;
	return true;
}`

const clickJS = `(selector) => {
	const el = document.querySelector(selector);
	if (!el) return false;
	el.click();
	return true;
}`

const selectChannelJS = `(selector, channel) => {
	const want = channel.toLowerCase();
	const els = Array.from(document.querySelectorAll(selector));
	const hit = els.find((el) => (el.textContent || '').toLowerCase().includes(want));
	if (!hit) return false;
	hit.click();
	return true;
}`

const fullscreenJS = `(important) => {` + pickVideoJS + `
	const v = pick();
	if (!v) return false;
	const imp = important ? ' !important' : '';
	v.style.cssText += 'position: fixed' + imp + '; top: 0' + imp + '; left: 0' + imp +
		'; width: 100vw' + imp + '; height: 100vh' + imp +
		'; z-index: 2147483647' + imp + '; background: #000' + imp +
		'; object-fit: contain' + imp + ';';
	document.documentElement.style.overflow = 'hidden';
	document.body.style.overflow = 'hidden';
	return true;
}`

// Tuner executes a profile against a live page: click through
// overlays, locate the video context, select the channel, wait for
// playable media.
type Tuner struct {
	profile Profile
	logger  *slog.Logger
}

// NewTuner builds a tuner for one resolved profile.
func NewTuner(p Profile, logger *slog.Logger) *Tuner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tuner{profile: p, logger: logger.With("component", "tuner", "profile", p.Name)}
}

// Profile returns the profile the tuner drives.
func (t *Tuner) Profile() Profile { return t.profile }

// Tune runs the full tune-to-channel flow and returns the evaluation
// context holding the video element. The caller bounds it with an
// outer deadline.
func (t *Tuner) Tune(ctx context.Context, page Page, channel string) (Target, error) {
	if t.profile.NoVideo {
		return page, nil
	}

	if t.profile.ClickToPlay {
		t.clickToPlay(ctx, page)
	}

	target, err := t.FindVideo(ctx, page)
	if err != nil {
		return nil, err
	}

	if t.profile.ChannelSelector != "" && channel != "" {
		if err := t.selectChannel(ctx, target, channel); err != nil {
			t.logger.Warn("channel selection failed, staying on current program",
				"channel", channel, "error", err)
		}
	}

	if err := t.waitPlayable(ctx, target); err != nil {
		return nil, err
	}
	return target, nil
}

// FindVideo polls the page and all its iframes until one contains a
// video element, returning that context. Used both during tune and by
// the monitor's frame re-search after a context invalidation.
func (t *Tuner) FindVideo(ctx context.Context, page Page) (Target, error) {
	ticker := time.NewTicker(tunePollInterval)
	defer ticker.Stop()

	for {
		if target := t.findVideoOnce(ctx, page); target != nil {
			return target, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrVideoNotFound, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (t *Tuner) findVideoOnce(ctx context.Context, page Page) Target {
	if present, err := t.videoPresent(ctx, page); err == nil && present {
		return page
	}
	frames, err := page.Frames(ctx)
	if err != nil {
		t.logger.Debug("listing frames failed", "error", err)
		return nil
	}
	for _, frame := range frames {
		if present, err := t.videoPresent(ctx, frame); err == nil && present {
			return frame
		}
	}
	return nil
}

func (t *Tuner) videoPresent(ctx context.Context, target Target) (bool, error) {
	v, err := target.Eval(ctx, videoPresentJS)
	if err != nil {
		return false, err
	}
	return v.Bool(), nil
}

// clickToPlay clicks the profile's overlay selector wherever it
// matches first: main page, then frames. Best-effort; the video wait
// catches the case where the click never landed.
func (t *Tuner) clickToPlay(ctx context.Context, page Page) {
	selector := t.profile.ClickSelector
	if selector == "" {
		return
	}
	if t.clickIn(ctx, page, selector) {
		return
	}
	frames, err := page.Frames(ctx)
	if err != nil {
		return
	}
	for _, frame := range frames {
		if t.clickIn(ctx, frame, selector) {
			return
		}
	}
	t.logger.Debug("click-to-play selector not found", "selector", selector)
}

func (t *Tuner) clickIn(ctx context.Context, target Target, selector string) bool {
	v, err := target.Eval(ctx, clickJS, selector)
	if err != nil {
		return false
	}
	if !v.Bool() {
		return false
	}
	t.logger.Debug("clicked play overlay", "selector", selector)
	// Give the player a moment to mount its video element.
	select {
	case <-time.After(tunePollInterval):
	case <-ctx.Done():
	}
	return true
}

func (t *Tuner) selectChannel(ctx context.Context, target Target, channel string) error {
	v, err := target.Eval(ctx, selectChannelJS, t.profile.ChannelSelector, channel)
	if err != nil {
		return err
	}
	if !v.Bool() {
		return fmt.Errorf("no element matching %q contains %q", t.profile.ChannelSelector, channel)
	}
	t.logger.Info("selected channel", "channel", channel)
	return nil
}

// waitPlayable polls the video state until media is buffered enough to
// play, nudging playback whenever the element sits paused.
func (t *Tuner) waitPlayable(ctx context.Context, target Target) error {
	ticker := time.NewTicker(tunePollInterval)
	defer ticker.Stop()

	for {
		state, err := t.VideoState(ctx, target)
		if err == nil && state.Playable() {
			if state.Paused || state.Muted {
				_ = t.EnsurePlayback(ctx, target)
			}
			return nil
		}
		if err != nil {
			t.logger.Debug("video state read failed during tune", "error", err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("video never became playable: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// VideoState reads the current video element state from the target.
func (t *Tuner) VideoState(ctx context.Context, target Target) (VideoState, error) {
	v, err := target.Eval(ctx, videoStateJS)
	if err != nil {
		return VideoState{}, err
	}
	data, err := v.MarshalJSON()
	if err != nil {
		return VideoState{}, fmt.Errorf("encoding video state: %w", err)
	}
	var state VideoState
	if err := json.Unmarshal(data, &state); err != nil {
		return VideoState{}, fmt.Errorf("decoding video state: %w", err)
	}
	return state, nil
}

// EnsurePlayback unpauses and unmutes the video element.
func (t *Tuner) EnsurePlayback(ctx context.Context, target Target) error {
	return t.evalExpectingVideo(ctx, target, ensurePlaybackJS)
}

// ReloadSource forces the element to re-open its media source.
func (t *Tuner) ReloadSource(ctx context.Context, target Target) error {
	return t.evalExpectingVideo(ctx, target, reloadSourceJS)
}

// RestoreVolume unmutes and raises volume to full.
func (t *Tuner) RestoreVolume(ctx context.Context, target Target) error {
	return t.evalExpectingVideo(ctx, target, restoreVolumeJS)
}

// ApplyFullscreen pins the video over the viewport. The important flag
// re-applies every declaration with !important for sites that restyle
// the element from their own scripts.
func (t *Tuner) ApplyFullscreen(ctx context.Context, target Target, important bool) error {
	if t.profile.Fullscreen == FullscreenOff {
		return nil
	}
	v, err := target.Eval(ctx, fullscreenJS, important)
	if err != nil {
		return err
	}
	if !v.Bool() {
		return ErrVideoNotFound
	}
	return nil
}

func (t *Tuner) evalExpectingVideo(ctx context.Context, target Target, js string) error {
	v, err := target.Eval(ctx, js)
	if err != nil {
		return err
	}
	if !v.Bool() {
		return ErrVideoNotFound
	}
	return nil
}
