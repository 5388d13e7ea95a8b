// Package profile describes how to drive playback on a family of
// sites: which element to click before video appears, how to pick a
// channel, how long a page may play before a proactive reload, and how
// fullscreen is enforced. A resolver maps channels and URLs to
// profiles; a tuner executes a profile against a live page.
package profile

import (
	"fmt"
	"time"
)

// GenericName is the fallback profile applied when nothing matches.
const GenericName = "generic"

// FullscreenStrategy selects how the monitor keeps the video filling
// the viewport.
type FullscreenStrategy string

const (
	// FullscreenCSS pins the video element over the viewport with
	// injected styles and reinforces them when the site fights back.
	FullscreenCSS FullscreenStrategy = "css"
	// FullscreenOff disables fullscreen enforcement entirely.
	FullscreenOff FullscreenStrategy = "none"
)

func parseFullscreen(s string) (FullscreenStrategy, error) {
	switch s {
	case "", string(FullscreenCSS):
		return FullscreenCSS, nil
	case string(FullscreenOff):
		return FullscreenOff, nil
	}
	return "", fmt.Errorf("unknown fullscreen strategy %q", s)
}

// Profile is a site playbook.
type Profile struct {
	Name    string
	Domains []string

	// ChannelSelector locates clickable channel entries; the tuner
	// clicks the one whose text matches the requested channel.
	ChannelSelector string

	// ClickToPlay sites show a consent or play overlay before any
	// video element exists. ClickSelector locates it.
	ClickToPlay   bool
	ClickSelector string

	// NoVideo pages (dashboards, tickers) are captured as-is; tuning
	// and playback monitoring are skipped.
	NoVideo bool

	// MaxContinuousPlayback bounds how long one page session may play
	// before a proactive reload. Zero means unbounded.
	MaxContinuousPlayback time.Duration

	Fullscreen FullscreenStrategy
}

// IsGeneric reports whether p is the fallback profile.
func (p Profile) IsGeneric() bool { return p.Name == GenericName }

// Overrides are per-request adjustments layered over a resolved
// profile. Pointer fields distinguish "unset" from "false".
type Overrides struct {
	ChannelSelector string
	ClickToPlay     *bool
	ClickSelector   string
	NoVideo         *bool
}

// Merge returns p with the overrides applied.
func (p Profile) Merge(o Overrides) Profile {
	if o.ChannelSelector != "" {
		p.ChannelSelector = o.ChannelSelector
	}
	if o.ClickToPlay != nil {
		p.ClickToPlay = *o.ClickToPlay
	}
	if o.ClickSelector != "" {
		p.ClickSelector = o.ClickSelector
		p.ClickToPlay = true
	}
	if o.NoVideo != nil {
		p.NoVideo = *o.NoVideo
	}
	return p
}

// builtins are the profiles shipped with the binary. File profiles
// with the same name shadow them.
func builtins() []Profile {
	return []Profile{
		{
			Name:       GenericName,
			Fullscreen: FullscreenCSS,
		},
		{
			Name:          "youtube",
			Domains:       []string{"youtube.com", "youtu.be"},
			ClickToPlay:   true,
			ClickSelector: ".ytp-large-play-button",
			Fullscreen:    FullscreenCSS,
			// YouTube live pages degrade after long sessions; recycle.
			MaxContinuousPlayback: 6 * time.Hour,
		},
		{
			Name:                  "twitch",
			Domains:               []string{"twitch.tv"},
			ClickToPlay:           true,
			ClickSelector:         `button[data-a-target="player-play-pause-button"]`,
			Fullscreen:            FullscreenCSS,
			MaxContinuousPlayback: 8 * time.Hour,
		},
	}
}
