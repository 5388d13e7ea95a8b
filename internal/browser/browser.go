// Package browser wraps go-rod with the small surface the streaming
// pipeline needs: launch or attach, page creation, JavaScript
// evaluation with timeouts, navigation, frames, and window control.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/tabtuner/tabtuner/internal/config"
)

// Browser is a connected Chromium instance. It is safe for concurrent
// use; rod serializes the underlying CDP connection.
type Browser struct {
	rb        *rod.Browser
	launcher  *launcher.Launcher // nil when attached to a remote browser
	logger    *slog.Logger
	closeOnce sync.Once
}

// Connect launches a Chromium process, or attaches to an existing one
// when cfg.RemoteURL is set, and returns once the control connection is
// established.
func Connect(ctx context.Context, cfg config.BrowserConfig, logger *slog.Logger) (*Browser, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "browser")

	b := &Browser{logger: logger}

	var controlURL string
	if cfg.RemoteURL != "" {
		u, err := launcher.ResolveURL(cfg.RemoteURL)
		if err != nil {
			return nil, fmt.Errorf("resolving browser url %q: %w", cfg.RemoteURL, err)
		}
		controlURL = u
		logger.Info("attaching to remote browser", "url", cfg.RemoteURL)
	} else {
		l := launcher.New().
			Headless(cfg.Headless).
			Leakless(true).
			// Media capture must start without a user gesture and
			// without a picker prompt.
			Set("autoplay-policy", "no-user-gesture-required").
			Set("use-fake-ui-for-media-stream").
			Set("auto-accept-this-tab-capture")
		if cfg.Executable != "" {
			l = l.Bin(cfg.Executable)
		}
		if cfg.DataDir != "" {
			l = l.UserDataDir(cfg.DataDir)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launching browser: %w", err)
		}
		controlURL = u
		b.launcher = l
		logger.Info("browser launched", "headless", cfg.Headless)
	}

	rb := rod.New().ControlURL(controlURL).Context(ctx)
	if err := rb.Connect(); err != nil {
		if b.launcher != nil {
			b.launcher.Kill()
		}
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}
	b.rb = rb
	return b, nil
}

// NewPage opens a blank tab.
func (b *Browser) NewPage() (*Page, error) {
	p, err := b.rb.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("creating page: %w", err)
	}
	return newPage(p, b.logger), nil
}

// Connected reports whether the control connection still answers.
func (b *Browser) Connected() bool {
	_, err := proto.BrowserGetVersion{}.Call(b.rb)
	return err == nil
}

// PageCount returns the number of open tabs, 0 when unreachable.
func (b *Browser) PageCount() int {
	pages, err := b.rb.Pages()
	if err != nil {
		return 0
	}
	return len(pages)
}

// Close shuts down the control connection and, if this process launched
// the browser, the browser itself. Idempotent.
func (b *Browser) Close() {
	b.closeOnce.Do(func() {
		if err := b.rb.Close(); err != nil {
			b.logger.Debug("browser close", "error", err)
		}
		if b.launcher != nil {
			b.launcher.Kill()
			b.launcher.Cleanup()
		}
		b.logger.Info("browser closed")
	})
}
