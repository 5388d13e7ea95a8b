package stream

import (
	"context"

	"github.com/ysmood/gson"

	"github.com/tabtuner/tabtuner/internal/browser"
	"github.com/tabtuner/tabtuner/internal/profile"
)

// Page is the tab surface the pipeline drives: script evaluation and
// frame enumeration for tuning, bindings for capture, navigation and
// window control for setup and recovery.
type Page interface {
	Eval(ctx context.Context, js string, args ...interface{}) (gson.JSON, error)
	Expose(name string, fn func(gson.JSON) (interface{}, error)) (func() error, error)
	Frames(ctx context.Context) ([]profile.Target, error)
	BypassCSP() error
	SetViewport(width, height int) error
	Navigate(ctx context.Context, url string) error
	Minimize() error
	Close() error
	IsClosed() bool
}

// Browser creates pages. Satisfied by Source in production and by
// fakes in tests.
type Browser interface {
	NewPage() (Page, error)
}

// Source adapts the rod-backed browser to the Browser interface.
type Source struct {
	b *browser.Browser
}

// NewSource wraps a connected browser.
func NewSource(b *browser.Browser) Source {
	return Source{b: b}
}

// NewPage opens a tab and wraps it for the pipeline.
func (s Source) NewPage() (Page, error) {
	pg, err := s.b.NewPage()
	if err != nil {
		return nil, err
	}
	return tabPage{pg}, nil
}

// tabPage adapts *browser.Page. Frames returns concrete pages; the
// tuning contract wants evaluation targets.
type tabPage struct {
	*browser.Page
}

func (p tabPage) Frames(ctx context.Context) ([]profile.Target, error) {
	frames, err := p.Page.Frames(ctx)
	if err != nil {
		return nil, err
	}
	targets := make([]profile.Target, len(frames))
	for i, f := range frames {
		targets[i] = f
	}
	return targets, nil
}
