// Package config provides configuration management for tabtuner using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/tabtuner/tabtuner/pkg/duration"
)

// Default configuration values.
const (
	defaultServerPort            = 5289
	defaultServerTimeout         = 30 * time.Second
	defaultShutdownTimeout       = 10 * time.Second
	defaultSegmentDuration       = 3 * time.Second
	defaultMaxSegments           = 10
	defaultIdleTimeout           = 60 * time.Second
	defaultNavigationTimeout     = 30 * time.Second
	defaultMaxConcurrentStreams  = 4
	defaultMaxNavigationRetries  = 3
	defaultVideoBitsPerSecond    = 6_000_000
	defaultAudioBitsPerSecond    = 192_000
	defaultFrameRate             = 30
	defaultMonitorInterval       = 2 * time.Second
	defaultStallThreshold        = 0.1
	defaultStallCountThreshold   = 2
	defaultBufferingGrace        = 10 * time.Second
	defaultSustainedPlayback     = 60 * time.Second
	defaultMaxPageReloads        = 3
	defaultPageReloadWindow      = 5 * time.Minute
	defaultCircuitBreakerWindow  = 5 * time.Minute
	defaultCircuitBreakerThresh  = 5
	defaultShowInfoInterval      = time.Minute
	defaultShowInfoGuidePort     = 8089
)

// Config holds all configuration for the application.
type Config struct {
	Server       ServerConfig    `mapstructure:"server"`
	Logging      LoggingConfig   `mapstructure:"logging"`
	HLS          HLSConfig       `mapstructure:"hls"`
	Streaming    StreamingConfig `mapstructure:"streaming"`
	Playback     PlaybackConfig  `mapstructure:"playback"`
	Recovery     RecoveryConfig  `mapstructure:"recovery"`
	Browser      BrowserConfig   `mapstructure:"browser"`
	FFmpeg       FFmpegConfig    `mapstructure:"ffmpeg"`
	ShowInfo     ShowInfoConfig  `mapstructure:"showinfo"`
	Channels     []ChannelConfig `mapstructure:"channels"`
	ProfilesFile string          `mapstructure:"profiles_file"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// HLSConfig holds segmenter and playlist configuration.
type HLSConfig struct {
	// SegmentDuration is the target media duration per segment.
	SegmentDuration time.Duration `mapstructure:"segment_duration"`
	// MaxSegments is the sliding-window size of the playlist and store.
	MaxSegments int `mapstructure:"max_segments"`
	// IdleTimeout is how long a stream may go without client activity
	// before the reclaimer terminates it.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// StreamingConfig holds capture and stream-setup configuration.
type StreamingConfig struct {
	NavigationTimeout    time.Duration `mapstructure:"navigation_timeout"`
	MaxConcurrentStreams int           `mapstructure:"max_concurrent_streams"`
	MaxNavigationRetries int           `mapstructure:"max_navigation_retries"`
	// CaptureMode selects the container the tab is recorded into:
	// "native" records fMP4 directly, "ffmpeg" records WebM and remuxes
	// through an external transcoder.
	CaptureMode        string  `mapstructure:"capture_mode"`
	VideoBitsPerSecond BitRate `mapstructure:"video_bits_per_second"`
	AudioBitsPerSecond BitRate `mapstructure:"audio_bits_per_second"`
	FrameRate          int     `mapstructure:"frame_rate"`
	// Viewport is a named preset ("720p", "1080p") or an explicit "WxH".
	Viewport string `mapstructure:"viewport"`
}

// PlaybackConfig holds health-monitor configuration.
type PlaybackConfig struct {
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
	// StallThreshold is the minimum currentTime advance (seconds) per tick
	// for playback to count as progressing.
	StallThreshold float64 `mapstructure:"stall_threshold"`
	// StallCountThreshold is how many consecutive stalled/paused ticks are
	// required before recovery fires.
	StallCountThreshold       int           `mapstructure:"stall_count_threshold"`
	BufferingGracePeriod      time.Duration `mapstructure:"buffering_grace_period"`
	SustainedPlaybackRequired time.Duration `mapstructure:"sustained_playback_required"`
	MaxPageReloads            int           `mapstructure:"max_page_reloads"`
	PageReloadWindow          time.Duration `mapstructure:"page_reload_window"`
}

// RecoveryConfig holds circuit-breaker configuration.
type RecoveryConfig struct {
	CircuitBreakerWindow    time.Duration `mapstructure:"circuit_breaker_window"`
	CircuitBreakerThreshold int           `mapstructure:"circuit_breaker_threshold"`
}

// BrowserConfig holds headless-browser configuration.
type BrowserConfig struct {
	// Executable is the Chromium binary path (empty = rod's lookup).
	Executable string `mapstructure:"executable"`
	// DataDir is the user-data directory (empty = temporary profile).
	DataDir string `mapstructure:"data_dir"`
	// RemoteURL attaches to an already-running browser instead of launching.
	RemoteURL string `mapstructure:"remote_url"`
	Headless  bool   `mapstructure:"headless"`
}

// FFmpegConfig holds remuxer subprocess configuration.
type FFmpegConfig struct {
	// Path to the ffmpeg binary (empty = "ffmpeg" from PATH).
	Path string `mapstructure:"path"`
	// ExtraArgs is appended to every remuxer invocation, shell-quoted.
	ExtraArgs string `mapstructure:"extra_args"`
}

// ShowInfoConfig holds the DVR guide poller configuration.
type ShowInfoConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Interval between guide polls.
	Interval time.Duration `mapstructure:"interval"`
	// GuidePort is the DVR API port probed on discovered client addresses.
	GuidePort int `mapstructure:"guide_port"`
	// LogoDir is where normalized channel artwork is cached.
	LogoDir string `mapstructure:"logo_dir"`
}

// ChannelConfig describes one configured live channel.
type ChannelConfig struct {
	Name    string `mapstructure:"name"`
	URL     string `mapstructure:"url"`
	Profile string `mapstructure:"profile"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with TABTUNER_ and use underscores
// for nesting. Example: TABTUNER_SERVER_PORT=5289.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.tabtuner")
		v.AddConfigPath("/etc/tabtuner")
	}

	v.SetEnvPrefix("TABTUNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationHook(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file so the file and
// environment only need to override what they care about.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", time.Duration(0)) // streaming responses must not time out
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// HLS defaults
	v.SetDefault("hls.segment_duration", defaultSegmentDuration)
	v.SetDefault("hls.max_segments", defaultMaxSegments)
	v.SetDefault("hls.idle_timeout", defaultIdleTimeout)

	// Streaming defaults
	v.SetDefault("streaming.navigation_timeout", defaultNavigationTimeout)
	v.SetDefault("streaming.max_concurrent_streams", defaultMaxConcurrentStreams)
	v.SetDefault("streaming.max_navigation_retries", defaultMaxNavigationRetries)
	v.SetDefault("streaming.capture_mode", CaptureModeNative)
	v.SetDefault("streaming.video_bits_per_second", defaultVideoBitsPerSecond)
	v.SetDefault("streaming.audio_bits_per_second", defaultAudioBitsPerSecond)
	v.SetDefault("streaming.frame_rate", defaultFrameRate)
	v.SetDefault("streaming.viewport", "720p")

	// Playback defaults
	v.SetDefault("playback.monitor_interval", defaultMonitorInterval)
	v.SetDefault("playback.stall_threshold", defaultStallThreshold)
	v.SetDefault("playback.stall_count_threshold", defaultStallCountThreshold)
	v.SetDefault("playback.buffering_grace_period", defaultBufferingGrace)
	v.SetDefault("playback.sustained_playback_required", defaultSustainedPlayback)
	v.SetDefault("playback.max_page_reloads", defaultMaxPageReloads)
	v.SetDefault("playback.page_reload_window", defaultPageReloadWindow)

	// Recovery defaults
	v.SetDefault("recovery.circuit_breaker_window", defaultCircuitBreakerWindow)
	v.SetDefault("recovery.circuit_breaker_threshold", defaultCircuitBreakerThresh)

	// Browser defaults
	v.SetDefault("browser.executable", "")
	v.SetDefault("browser.data_dir", "")
	v.SetDefault("browser.remote_url", "")
	v.SetDefault("browser.headless", true)

	// FFmpeg defaults
	v.SetDefault("ffmpeg.path", "")
	v.SetDefault("ffmpeg.extra_args", "")

	// Show-info defaults
	v.SetDefault("showinfo.enabled", false)
	v.SetDefault("showinfo.interval", defaultShowInfoInterval)
	v.SetDefault("showinfo.guide_port", defaultShowInfoGuidePort)
	v.SetDefault("showinfo.logo_dir", "./logos")

	v.SetDefault("profiles_file", "")
}

// durationHook decodes duration values. Strings take Go syntax plus
// extended day/week units; bare numbers are seconds, matching the plain
// second counts found in deployment configs that predate this loader.
func durationHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != durationType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if d, err := duration.Parse(v); err == nil {
				return d, nil
			}
			if secs, err := strconv.ParseFloat(v, 64); err == nil {
				return time.Duration(secs * float64(time.Second)), nil
			}
			return nil, fmt.Errorf("invalid duration %q", v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		default:
			return data, nil
		}
	}
}

// Capture modes.
const (
	CaptureModeNative = "native"
	CaptureModeFFmpeg = "ffmpeg"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.HLS.SegmentDuration < time.Second {
		return fmt.Errorf("hls.segment_duration must be at least 1s")
	}
	if c.HLS.MaxSegments < 2 {
		return fmt.Errorf("hls.max_segments must be at least 2")
	}
	if c.HLS.IdleTimeout <= 0 {
		return fmt.Errorf("hls.idle_timeout must be positive")
	}

	if c.Streaming.CaptureMode != CaptureModeNative && c.Streaming.CaptureMode != CaptureModeFFmpeg {
		return fmt.Errorf("streaming.capture_mode must be one of: %s, %s", CaptureModeNative, CaptureModeFFmpeg)
	}
	if c.Streaming.MaxConcurrentStreams < 1 {
		return fmt.Errorf("streaming.max_concurrent_streams must be at least 1")
	}
	if c.Streaming.NavigationTimeout <= 0 {
		return fmt.Errorf("streaming.navigation_timeout must be positive")
	}
	if c.Streaming.FrameRate < 1 || c.Streaming.FrameRate > 120 {
		return fmt.Errorf("streaming.frame_rate must be between 1 and 120")
	}
	if _, _, err := c.Streaming.ViewportSize(); err != nil {
		return err
	}

	if c.Playback.MonitorInterval <= 0 {
		return fmt.Errorf("playback.monitor_interval must be positive")
	}
	if c.Playback.StallThreshold <= 0 {
		return fmt.Errorf("playback.stall_threshold must be positive")
	}
	if c.Playback.MaxPageReloads < 1 {
		return fmt.Errorf("playback.max_page_reloads must be at least 1")
	}
	if c.Playback.PageReloadWindow <= 0 {
		return fmt.Errorf("playback.page_reload_window must be positive")
	}

	if c.Recovery.CircuitBreakerThreshold < 1 {
		return fmt.Errorf("recovery.circuit_breaker_threshold must be at least 1")
	}
	if c.Recovery.CircuitBreakerWindow <= 0 {
		return fmt.Errorf("recovery.circuit_breaker_window must be positive")
	}

	seen := make(map[string]bool, len(c.Channels))
	for i, ch := range c.Channels {
		if ch.Name == "" {
			return fmt.Errorf("channels[%d].name is required", i)
		}
		if seen[ch.Name] {
			return fmt.Errorf("channels[%d].name %q is duplicated", i, ch.Name)
		}
		seen[ch.Name] = true
		if err := ValidateStreamURL(ch.URL); err != nil {
			return fmt.Errorf("channels[%d] (%s): %w", i, ch.Name, err)
		}
	}

	return nil
}

// ValidateStreamURL checks that a URL is acceptable as a capture target.
// Only http, https, and chrome schemes are permitted.
func ValidateStreamURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "chrome":
		return nil
	default:
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Viewport presets understood by ViewportSize.
var viewportPresets = map[string][2]int{
	"720p":  {1280, 720},
	"1080p": {1920, 1080},
	"1440p": {2560, 1440},
}

// ViewportSize resolves the configured viewport to pixel dimensions.
func (c *StreamingConfig) ViewportSize() (width, height int, err error) {
	if preset, ok := viewportPresets[c.Viewport]; ok {
		return preset[0], preset[1], nil
	}
	parts := strings.SplitN(c.Viewport, "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("streaming.viewport must be a preset (720p, 1080p, 1440p) or WxH")
	}
	width, err = strconv.Atoi(parts[0])
	if err == nil {
		height, err = strconv.Atoi(parts[1])
	}
	if err != nil || width < 1 || height < 1 {
		return 0, 0, fmt.Errorf("streaming.viewport %q is not a valid WxH size", c.Viewport)
	}
	return width, height, nil
}

// Channel looks up a configured channel by name.
func (c *Config) Channel(name string) (ChannelConfig, bool) {
	for _, ch := range c.Channels {
		if ch.Name == name {
			return ch, true
		}
	}
	return ChannelConfig{}, false
}
