package profile

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ysmood/gson"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastTune(t *testing.T) {
	t.Helper()
	old := tunePollInterval
	tunePollInterval = time.Millisecond
	t.Cleanup(func() { tunePollInterval = old })
}

// fakeTarget dispatches on distinctive fragments of each script.
type fakeTarget struct {
	mu sync.Mutex

	videoPresent bool
	states       []VideoState // consumed per read; last repeats
	stateErr     error

	clickResult   bool
	channelResult bool

	clicks          []string
	channelPicks    [][2]string
	playCalls       int
	reloadCalls     int
	volumeCalls     int
	fullscreenCalls []bool
}

func (f *fakeTarget) Eval(ctx context.Context, js string, args ...interface{}) (gson.JSON, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.Contains(js, "pick() !== null"):
		return gson.New(f.videoPresent), nil

	case strings.Contains(js, "getBoundingClientRect"):
		if f.stateErr != nil {
			return gson.New(nil), f.stateErr
		}
		state := VideoState{}
		if len(f.states) > 0 {
			state = f.states[0]
			if len(f.states) > 1 {
				f.states = f.states[1:]
			}
		}
		data, err := json.Marshal(state)
		if err != nil {
			return gson.New(nil), err
		}
		return gson.NewFrom(string(data)), nil

	case strings.Contains(js, "v.load()"):
		f.reloadCalls++
		return gson.New(true), nil

	case strings.Contains(js, "if (v.paused)"):
		f.playCalls++
		return gson.New(true), nil

	case strings.Contains(js, "cssText"):
		f.fullscreenCalls = append(f.fullscreenCalls, args[0].(bool))
		return gson.New(true), nil

	case strings.Contains(js, "textContent"):
		f.channelPicks = append(f.channelPicks, [2]string{args[0].(string), args[1].(string)})
		return gson.New(f.channelResult), nil

	case strings.Contains(js, "el.click()"):
		f.clicks = append(f.clicks, args[0].(string))
		return gson.New(f.clickResult), nil

	case strings.Contains(js, "v.volume = 1.0"):
		f.volumeCalls++
		return gson.New(true), nil
	}
	return gson.New(nil), errors.New("unrecognized script")
}

type fakeTunePage struct {
	fakeTarget
	frames []Target
}

func (f *fakeTunePage) Frames(ctx context.Context) ([]Target, error) {
	return f.frames, nil
}

func playable() VideoState {
	return VideoState{Found: true, ReadyState: 4, Volume: 1}
}

func TestTuneOnMainPage(t *testing.T) {
	fastTune(t)
	page := &fakeTunePage{}
	page.videoPresent = true
	page.states = []VideoState{playable()}

	tuner := NewTuner(Profile{Name: "site"}, testLogger())
	target, err := tuner.Tune(context.Background(), page, "")
	require.NoError(t, err)
	assert.Same(t, Target(page), target)
	assert.Empty(t, page.clicks)
}

func TestTuneFindsVideoInFrame(t *testing.T) {
	fastTune(t)
	frame := &fakeTarget{videoPresent: true, states: []VideoState{playable()}}
	page := &fakeTunePage{frames: []Target{frame}}

	tuner := NewTuner(Profile{Name: "site"}, testLogger())
	target, err := tuner.Tune(context.Background(), page, "")
	require.NoError(t, err)
	assert.Same(t, Target(frame), target)
}

func TestTuneClickToPlay(t *testing.T) {
	fastTune(t)
	page := &fakeTunePage{}
	page.videoPresent = true
	page.clickResult = true
	page.states = []VideoState{playable()}

	tuner := NewTuner(Profile{
		Name:          "site",
		ClickToPlay:   true,
		ClickSelector: ".consent button",
	}, testLogger())
	_, err := tuner.Tune(context.Background(), page, "")
	require.NoError(t, err)
	require.Len(t, page.clicks, 1)
	assert.Equal(t, ".consent button", page.clicks[0])
}

func TestTuneClickFallsBackToFrames(t *testing.T) {
	fastTune(t)
	frame := &fakeTarget{videoPresent: true, clickResult: true, states: []VideoState{playable()}}
	page := &fakeTunePage{frames: []Target{frame}}

	tuner := NewTuner(Profile{
		Name:          "site",
		ClickToPlay:   true,
		ClickSelector: ".play",
	}, testLogger())
	_, err := tuner.Tune(context.Background(), page, "")
	require.NoError(t, err)
	assert.Len(t, page.clicks, 1, "main page tried first")
	assert.Len(t, frame.clicks, 1, "then the frame")
}

func TestTuneSelectsChannel(t *testing.T) {
	fastTune(t)
	page := &fakeTunePage{}
	page.videoPresent = true
	page.channelResult = true
	page.states = []VideoState{playable()}

	tuner := NewTuner(Profile{
		Name:            "site",
		ChannelSelector: ".channels a",
	}, testLogger())
	_, err := tuner.Tune(context.Background(), page, "News 24")
	require.NoError(t, err)
	require.Len(t, page.channelPicks, 1)
	assert.Equal(t, [2]string{".channels a", "News 24"}, page.channelPicks[0])
}

func TestTuneChannelMissFailsSoft(t *testing.T) {
	fastTune(t)
	page := &fakeTunePage{}
	page.videoPresent = true
	page.channelResult = false
	page.states = []VideoState{playable()}

	tuner := NewTuner(Profile{Name: "site", ChannelSelector: ".channels a"}, testLogger())
	_, err := tuner.Tune(context.Background(), page, "Missing")
	assert.NoError(t, err, "a missed channel keeps the current program")
}

func TestTuneWaitsForPlayable(t *testing.T) {
	fastTune(t)
	page := &fakeTunePage{}
	page.videoPresent = true
	page.states = []VideoState{
		{Found: true, ReadyState: 0},
		{Found: true, ReadyState: 1},
		{Found: true, ReadyState: 4, Paused: true},
	}

	tuner := NewTuner(Profile{Name: "site"}, testLogger())
	_, err := tuner.Tune(context.Background(), page, "")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, page.playCalls, 1, "paused video nudged into playback")
}

func TestTuneTimesOutWithoutVideo(t *testing.T) {
	fastTune(t)
	page := &fakeTunePage{}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	tuner := NewTuner(Profile{Name: "site"}, testLogger())
	_, err := tuner.Tune(ctx, page, "")
	assert.ErrorIs(t, err, ErrVideoNotFound)
}

func TestTuneNoVideoProfile(t *testing.T) {
	page := &fakeTunePage{}
	tuner := NewTuner(Profile{Name: "dashboard", NoVideo: true}, testLogger())
	target, err := tuner.Tune(context.Background(), page, "")
	require.NoError(t, err)
	assert.Same(t, Target(page), target)
	assert.Zero(t, page.playCalls)
}

func TestVideoStateReadout(t *testing.T) {
	want := VideoState{
		Found:         true,
		CurrentTime:   12.5,
		Paused:        false,
		ReadyState:    4,
		NetworkState:  2,
		Muted:         false,
		Volume:        1,
		FillsViewport: true,
	}
	target := &fakeTarget{states: []VideoState{want}}

	tuner := NewTuner(Profile{Name: "site"}, testLogger())
	got, err := tuner.VideoState(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.True(t, got.Playable())
	assert.True(t, got.Loading())

	starved := VideoState{Found: true, ReadyState: 2, NetworkState: 1}
	assert.False(t, starved.Playable())
	assert.False(t, starved.Loading())
}

func TestApplyFullscreen(t *testing.T) {
	target := &fakeTarget{}
	tuner := NewTuner(Profile{Name: "site", Fullscreen: FullscreenCSS}, testLogger())

	require.NoError(t, tuner.ApplyFullscreen(context.Background(), target, false))
	require.NoError(t, tuner.ApplyFullscreen(context.Background(), target, true))
	assert.Equal(t, []bool{false, true}, target.fullscreenCalls)

	off := NewTuner(Profile{Name: "quiet", Fullscreen: FullscreenOff}, testLogger())
	quiet := &fakeTarget{}
	require.NoError(t, off.ApplyFullscreen(context.Background(), quiet, false))
	assert.Empty(t, quiet.fullscreenCalls, "strategy none skips enforcement")
}

func TestPlaybackControls(t *testing.T) {
	target := &fakeTarget{}
	tuner := NewTuner(Profile{Name: "site"}, testLogger())

	require.NoError(t, tuner.EnsurePlayback(context.Background(), target))
	require.NoError(t, tuner.ReloadSource(context.Background(), target))
	require.NoError(t, tuner.RestoreVolume(context.Background(), target))
	assert.Equal(t, 1, target.playCalls)
	assert.Equal(t, 1, target.reloadCalls)
	assert.Equal(t, 1, target.volumeCalls)
}
