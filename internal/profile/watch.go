package profile

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// watchDebounce coalesces editor write bursts into one reload.
var watchDebounce = 500 * time.Millisecond

// fileProfile is the YAML shape of one user profile. Durations use Go
// syntax ("90m", "6h").
type fileProfile struct {
	Name                  string   `yaml:"name"`
	Domains               []string `yaml:"domains"`
	ChannelSelector       string   `yaml:"channel_selector"`
	ClickToPlay           bool     `yaml:"click_to_play"`
	ClickSelector         string   `yaml:"click_selector"`
	NoVideo               bool     `yaml:"no_video"`
	MaxContinuousPlayback string   `yaml:"max_continuous_playback"`
	Fullscreen            string   `yaml:"fullscreen"`
}

type profilesFile struct {
	Profiles []fileProfile `yaml:"profiles"`
}

// LoadFile replaces the user profile layer with the file's contents.
// On any parse or validation error the previous layer stays in place.
func (r *Resolver) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading profiles file: %w", err)
	}

	var pf profilesFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parsing profiles file: %w", err)
	}

	loaded := make([]Profile, 0, len(pf.Profiles))
	seen := make(map[string]bool, len(pf.Profiles))
	for i, fp := range pf.Profiles {
		p, err := fp.toProfile()
		if err != nil {
			return fmt.Errorf("profile %d: %w", i, err)
		}
		key := strings.ToLower(p.Name)
		if seen[key] {
			return fmt.Errorf("profile %d: duplicate name %q", i, p.Name)
		}
		seen[key] = true
		loaded = append(loaded, p)
	}

	r.setFileProfiles(loaded)
	r.logger.Info("profiles file loaded", "path", path, "profiles", len(loaded))
	return nil
}

func (fp fileProfile) toProfile() (Profile, error) {
	if fp.Name == "" {
		return Profile{}, fmt.Errorf("missing name")
	}
	fs, err := parseFullscreen(fp.Fullscreen)
	if err != nil {
		return Profile{}, fmt.Errorf("profile %q: %w", fp.Name, err)
	}
	var maxPlay time.Duration
	if fp.MaxContinuousPlayback != "" {
		maxPlay, err = time.ParseDuration(fp.MaxContinuousPlayback)
		if err != nil {
			return Profile{}, fmt.Errorf("profile %q: max_continuous_playback: %w", fp.Name, err)
		}
	}
	return Profile{
		Name:                  fp.Name,
		Domains:               fp.Domains,
		ChannelSelector:       fp.ChannelSelector,
		ClickToPlay:           fp.ClickToPlay,
		ClickSelector:         fp.ClickSelector,
		NoVideo:               fp.NoVideo,
		MaxContinuousPlayback: maxPlay,
		Fullscreen:            fs,
	}, nil
}

// setFileProfiles swaps the user layer: previous file profiles are
// removed (restoring shadowed built-ins) and the new set is applied.
func (r *Resolver) setFileProfiles(loaded []Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name := range r.fromFile {
		delete(r.profiles, name)
		delete(r.fromFile, name)
	}
	for _, p := range builtins() {
		r.profiles[p.Name] = p
	}
	for _, p := range loaded {
		key := strings.ToLower(p.Name)
		r.profiles[key] = p
		r.fromFile[key] = true
	}
}

// Watch reloads the profiles file whenever it changes, until ctx is
// canceled. Reload failures keep the previous profiles and are logged.
func (r *Resolver) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating profiles watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(watchDebounce, func() {
					if err := r.LoadFile(path); err != nil {
						r.logger.Error("profiles reload failed, keeping previous set",
							"path", path, "error", err)
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("profiles watcher error", "error", err)
			}
		}
	}()

	r.logger.Info("watching profiles file", "path", path)
	return nil
}
