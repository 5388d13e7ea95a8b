package stream

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tabtuner/tabtuner/internal/config"
)

func startReplaceableStream(t *testing.T) (*Manager, *fakeBrowser, *Stream) {
	t.Helper()
	m, fb := newTestManager(t, nil,
		config.ChannelConfig{Name: "News", URL: "https://news.example/live", Profile: "generic"})
	id, err := m.EnsureChannelStream(context.Background(), "News", "")
	if err != nil {
		t.Fatalf("EnsureChannelStream: %v", err)
	}
	st, ok := m.Lookup(id)
	if !ok {
		t.Fatalf("stream not registered")
	}
	return m, fb, st
}

func TestReplaceTabSwapsPipeline(t *testing.T) {
	m, fb, st := startReplaceableStream(t)

	oldPage := fb.page(0)
	oldSeg := st.Segmenter()
	oldGen := st.pipelineGen()

	rep, err := m.replaceTab(context.Background(), st)
	if err != nil {
		t.Fatalf("replaceTab: %v", err)
	}

	if fb.callCount() != 2 {
		t.Fatalf("pages created = %d, want 2", fb.callCount())
	}
	newPage := fb.page(1)
	if got, ok := rep.Page.(*fakePage); !ok || got != newPage {
		t.Fatalf("replacement page is not the fresh tab")
	}
	if st.Segmenter() == oldSeg {
		t.Fatalf("segmenter not replaced")
	}
	if st.pipelineGen() != oldGen+1 {
		t.Fatalf("pipeline generation = %d, want %d", st.pipelineGen(), oldGen+1)
	}

	// Old tab torn down in capture-first order.
	if !oldPage.IsClosed() {
		t.Fatalf("old page still open")
	}
	stop, closed := oldPage.opIndex("capture-stop"), oldPage.opIndex("close")
	if stop == -1 || stop > closed {
		t.Fatalf("old capture must stop before the old page closes, ops=%v", oldPage.opList())
	}

	// The new tab went through the full setup sequence.
	capIdx, navIdx := newPage.opIndex("capture-start"), newPage.opIndex("navigate")
	if capIdx == -1 || navIdx == -1 || capIdx > navIdx {
		t.Fatalf("new tab setup out of order, ops=%v", newPage.opList())
	}

	// The old pipeline draining out must not take the stream down.
	time.Sleep(50 * time.Millisecond)
	if _, ok := m.Lookup(st.ID); !ok {
		t.Fatalf("stream terminated by stale pipeline")
	}
}

func TestReplaceTabRetriesOnce(t *testing.T) {
	m, fb, st := startReplaceableStream(t)
	fb.failNext(errors.New("temporarily out of tabs"))

	rep, err := m.replaceTab(context.Background(), st)
	if err != nil {
		t.Fatalf("replaceTab with one failure: %v", err)
	}
	if rep == nil || rep.Segmenter == nil {
		t.Fatalf("incomplete replacement: %+v", rep)
	}
	// Initial page, failed attempt, successful retry.
	if fb.callCount() != 3 {
		t.Fatalf("NewPage calls = %d, want 3", fb.callCount())
	}
}

func TestReplaceTabSurfacesDoubleFailure(t *testing.T) {
	m, fb, st := startReplaceableStream(t)
	fb.failNext(errors.New("first failure"))
	fb.failNext(errors.New("second failure"))

	_, err := m.replaceTab(context.Background(), st)
	if err == nil {
		t.Fatalf("expected failure after two attempts")
	}
	if !strings.Contains(err.Error(), "second failure") {
		t.Fatalf("err = %v, want the last attempt's error", err)
	}

	// The stream survives for the monitor to escalate or trip the
	// breaker on.
	if _, ok := m.Lookup(st.ID); !ok {
		t.Fatalf("stream removed by failed replacement")
	}
}

func TestReplaceTabRefusedDuringTermination(t *testing.T) {
	m, _, st := startReplaceableStream(t)

	st.terminating.Store(true)
	defer st.terminating.Store(false)

	if _, err := m.replaceTab(context.Background(), st); err == nil {
		t.Fatalf("replacement allowed on a terminating stream")
	}
}
