package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
)

// ErrPageClosed is returned by operations on a closed page.
var ErrPageClosed = errors.New("page is closed")

// Page is one browser tab.
type Page struct {
	p      *rod.Page
	logger *slog.Logger
	closed atomic.Bool
}

func newPage(p *rod.Page, logger *slog.Logger) *Page {
	return &Page{p: p, logger: logger}
}

// BypassCSP disables content-security-policy enforcement so injected
// capture and tune scripts run on any site.
func (pg *Page) BypassCSP() error {
	return proto.PageSetBypassCSP{Enabled: true}.Call(pg.p)
}

// SetViewport overrides the page's device metrics.
func (pg *Page) SetViewport(width, height int) error {
	return pg.p.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1,
	})
}

// Navigate loads the URL and waits for the load event, bounded by ctx.
func (pg *Page) Navigate(ctx context.Context, url string) error {
	if pg.closed.Load() {
		return ErrPageClosed
	}
	p := pg.p.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigating to %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("waiting for load of %s: %w", url, err)
	}
	return nil
}

// Eval runs a JavaScript function in the page and returns its result.
// The context bounds the evaluation; expired contexts surface as errors.
func (pg *Page) Eval(ctx context.Context, js string, args ...interface{}) (gson.JSON, error) {
	if pg.closed.Load() {
		return gson.New(nil), ErrPageClosed
	}
	obj, err := pg.p.Context(ctx).Eval(js, args...)
	if err != nil {
		return gson.New(nil), err
	}
	return obj.Value, nil
}

// EvalInto runs a JavaScript function and decodes its result into out.
func (pg *Page) EvalInto(ctx context.Context, out interface{}, js string, args ...interface{}) error {
	v, err := pg.Eval(ctx, js, args...)
	if err != nil {
		return err
	}
	data, err := v.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding eval result: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding eval result: %w", err)
	}
	return nil
}

// Expose registers a binding callable from page JavaScript as
// window[name](jsonValue). The returned stop function removes it.
func (pg *Page) Expose(name string, fn func(gson.JSON) (interface{}, error)) (func() error, error) {
	return pg.p.Expose(name, fn)
}

// Frames returns a page handle for every iframe currently attached.
// Pages without iframes return an empty slice.
func (pg *Page) Frames(ctx context.Context) ([]*Page, error) {
	if pg.closed.Load() {
		return nil, ErrPageClosed
	}
	elements, err := pg.p.Context(ctx).Elements("iframe")
	if err != nil {
		return nil, fmt.Errorf("listing iframes: %w", err)
	}
	frames := make([]*Page, 0, len(elements))
	for _, el := range elements {
		fp, err := el.Frame()
		if err != nil {
			// Detached between listing and resolution; skip it.
			continue
		}
		frames = append(frames, newPage(fp, pg.logger))
	}
	return frames, nil
}

// Minimize collapses the window. Capture keeps running on minimized
// windows but not on occluded backgrounded ones.
func (pg *Page) Minimize() error {
	return pg.p.SetWindow(&proto.BrowserBounds{
		WindowState: proto.BrowserWindowStateMinimized,
	})
}

// Close destroys the tab. Safe to call more than once.
func (pg *Page) Close() error {
	if pg.closed.Swap(true) {
		return nil
	}
	return pg.p.Close()
}

// IsClosed reports whether the page was closed locally or the browser
// no longer knows the target.
func (pg *Page) IsClosed() bool {
	if pg.closed.Load() {
		return true
	}
	_, err := pg.p.Info()
	return err != nil
}

// IsContextInvalidated reports whether err indicates the JavaScript
// execution context vanished underneath us (navigation or frame
// detach). The caller should re-search frames rather than escalate.
func IsContextInvalidated(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Cannot find context") ||
		strings.Contains(msg, "context was destroyed") ||
		strings.Contains(msg, "Execution context") ||
		strings.Contains(msg, "frame was detached") ||
		strings.Contains(msg, "Frame with the given id")
}

// IsEvalTimeout reports whether err is an evaluation deadline expiry.
func IsEvalTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
