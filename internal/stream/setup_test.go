package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tabtuner/tabtuner/internal/config"
	"github.com/tabtuner/tabtuner/internal/hls"
)

func TestEnsureChannelStreamColdStart(t *testing.T) {
	m, fb := newTestManager(t, nil,
		config.ChannelConfig{Name: "News One", URL: "https://news.example/live", Profile: "generic"})

	id, err := m.EnsureChannelStream(context.Background(), "News One", "10.0.0.1:1234")
	if err != nil {
		t.Fatalf("EnsureChannelStream: %v", err)
	}
	st, ok := m.Lookup(id)
	if !ok {
		t.Fatalf("stream %d not registered", id)
	}
	if st.Channel != "news one" {
		t.Errorf("channel key = %q, want %q", st.Channel, "news one")
	}
	if st.ChannelName != "News One" {
		t.Errorf("channel name = %q, want %q", st.ChannelName, "News One")
	}
	if !strings.HasPrefix(st.IDStr, "tab-") || len(st.IDStr) != len("tab-")+6 {
		t.Errorf("display id = %q, want tab- plus six characters", st.IDStr)
	}
	if fb.callCount() != 1 {
		t.Fatalf("pages created = %d, want 1", fb.callCount())
	}

	// Capture must be running before navigation so viewers never miss
	// the first frames, and the tab ends minimized.
	page := fb.page(0)
	capIdx, navIdx, minIdx := page.opIndex("capture-start"), page.opIndex("navigate"), page.opIndex("minimize")
	if capIdx == -1 || navIdx == -1 || capIdx > navIdx {
		t.Fatalf("capture must start before navigation, ops=%v", page.opList())
	}
	if minIdx == -1 || minIdx < navIdx {
		t.Fatalf("minimize must follow navigation, ops=%v", page.opList())
	}

	// A second request reuses the running stream.
	again, err := m.EnsureChannelStream(context.Background(), "news one", "10.0.0.2:999")
	if err != nil {
		t.Fatalf("second EnsureChannelStream: %v", err)
	}
	if again != id {
		t.Fatalf("second request got id %d, want %d", again, id)
	}
	if fb.callCount() != 1 {
		t.Fatalf("second request created a page")
	}
}

func TestEnsureChannelStreamUnknownChannel(t *testing.T) {
	m, fb := newTestManager(t, nil)

	_, err := m.EnsureChannelStream(context.Background(), "nope", "")
	if !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("err = %v, want ErrUnknownChannel", err)
	}
	if fb.callCount() != 0 {
		t.Fatalf("page created for unknown channel")
	}
}

func TestEnsureChannelStreamWaitsForPeerStart(t *testing.T) {
	oldPoll := ensurePollInterval
	ensurePollInterval = 5 * time.Millisecond
	t.Cleanup(func() { ensurePollInterval = oldPoll })

	m, _ := newTestManager(t, nil,
		config.ChannelConfig{Name: "News", URL: "https://news.example/live", Profile: "generic"})
	key := ChannelKey("News")

	if !m.registry.MarkStarting(key) {
		t.Fatalf("MarkStarting failed on empty index")
	}
	go func() {
		time.Sleep(30 * time.Millisecond)
		st := &Stream{ID: 42, IDStr: "tab-test01", Channel: key, Store: hls.NewStore(4)}
		st.ctx, st.cancel = context.WithCancel(context.Background())
		st.Touch()
		m.registry.Commit(st)
	}()

	id, err := m.EnsureChannelStream(context.Background(), "News", "")
	if err != nil {
		t.Fatalf("EnsureChannelStream: %v", err)
	}
	if id != 42 {
		t.Fatalf("id = %d, want 42", id)
	}
}

func TestEnsureChannelStreamPeerFailure(t *testing.T) {
	oldPoll := ensurePollInterval
	ensurePollInterval = 5 * time.Millisecond
	t.Cleanup(func() { ensurePollInterval = oldPoll })

	m, _ := newTestManager(t, nil,
		config.ChannelConfig{Name: "News", URL: "https://news.example/live", Profile: "generic"})
	key := ChannelKey("News")

	m.registry.MarkStarting(key)
	go func() {
		time.Sleep(30 * time.Millisecond)
		m.registry.ClearStarting(key)
	}()

	_, err := m.EnsureChannelStream(context.Background(), "News", "")
	if !errors.Is(err, ErrStartupFailed) {
		t.Fatalf("err = %v, want ErrStartupFailed", err)
	}
}

func TestEnsureChannelStreamPeerTimeout(t *testing.T) {
	oldPoll := ensurePollInterval
	ensurePollInterval = 5 * time.Millisecond
	t.Cleanup(func() { ensurePollInterval = oldPoll })

	m, _ := newTestManager(t, func(cfg *config.Config) {
		cfg.Streaming.NavigationTimeout = 60 * time.Millisecond
	}, config.ChannelConfig{Name: "News", URL: "https://news.example/live", Profile: "generic"})

	m.registry.MarkStarting(ChannelKey("News"))

	_, err := m.EnsureChannelStream(context.Background(), "News", "")
	if !errors.Is(err, ErrStartupTimeout) {
		t.Fatalf("err = %v, want ErrStartupTimeout", err)
	}
}

func TestEnsureChannelStreamFailureClearsSentinel(t *testing.T) {
	m, fb := newTestManager(t, nil,
		config.ChannelConfig{Name: "News", URL: "https://news.example/live", Profile: "generic"})
	fb.failNext(errors.New("browser gone"))

	_, err := m.EnsureChannelStream(context.Background(), "News", "")
	if err == nil {
		t.Fatalf("expected setup failure")
	}
	if _, ok := m.registry.ChannelID(ChannelKey("News")); ok {
		t.Fatalf("sentinel left behind after failed start")
	}

	// The channel is startable again.
	if _, err := m.EnsureChannelStream(context.Background(), "News", ""); err != nil {
		t.Fatalf("restart after failure: %v", err)
	}
}

func TestConcurrentEnsureStartsOneStream(t *testing.T) {
	oldPoll := ensurePollInterval
	ensurePollInterval = 5 * time.Millisecond
	t.Cleanup(func() { ensurePollInterval = oldPoll })

	m, fb := newTestManager(t, nil,
		config.ChannelConfig{Name: "News", URL: "https://news.example/live", Profile: "generic"})

	const callers = 8
	ids := make([]int64, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = m.EnsureChannelStream(context.Background(), "News", "")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got id %d, caller 0 got %d", i, ids[i], ids[0])
		}
	}
	if fb.callCount() != 1 {
		t.Fatalf("pages created = %d, want 1", fb.callCount())
	}
}

func TestStartStreamRejectsFileURL(t *testing.T) {
	m, fb := newTestManager(t, nil)

	_, err := m.StartStream(context.Background(), SetupRequest{
		ChannelKey: "x",
		URL:        "file:///etc/passwd",
	})
	if !errors.Is(err, ErrInvalidURL) {
		t.Fatalf("err = %v, want ErrInvalidURL", err)
	}
	if fb.callCount() != 0 {
		t.Fatalf("page created for rejected URL")
	}
}

func TestStartStreamAtCapacityReclaimsOneIdle(t *testing.T) {
	m, _ := newTestManager(t, func(cfg *config.Config) {
		cfg.Streaming.MaxConcurrentStreams = 1
		cfg.HLS.IdleTimeout = 50 * time.Millisecond
	})

	stA, err := m.StartStream(context.Background(), SetupRequest{
		ChannelKey: "a", ChannelName: "A", URL: "https://a.example/live", Profile: "generic",
	})
	if err != nil {
		t.Fatalf("start A: %v", err)
	}
	stA.lastAccess.Store(time.Now().Add(-time.Second).UnixNano())

	stB, err := m.StartStream(context.Background(), SetupRequest{
		ChannelKey: "b", ChannelName: "B", URL: "https://b.example/live", Profile: "generic",
	})
	if err != nil {
		t.Fatalf("start B at capacity with an idle stream: %v", err)
	}
	if _, ok := m.Lookup(stA.ID); ok {
		t.Fatalf("idle stream not reclaimed")
	}
	if _, ok := m.Lookup(stB.ID); !ok {
		t.Fatalf("new stream missing")
	}
	if got := m.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount = %d, want 1", got)
	}
}

func TestStartStreamAtCapacityWithBusyStreams(t *testing.T) {
	m, _ := newTestManager(t, func(cfg *config.Config) {
		cfg.Streaming.MaxConcurrentStreams = 1
	})

	stA, err := m.StartStream(context.Background(), SetupRequest{
		ChannelKey: "a", ChannelName: "A", URL: "https://a.example/live", Profile: "generic",
	})
	if err != nil {
		t.Fatalf("start A: %v", err)
	}

	_, err = m.StartStream(context.Background(), SetupRequest{
		ChannelKey: "b", ChannelName: "B", URL: "https://b.example/live", Profile: "generic",
	})
	if !errors.Is(err, ErrAtCapacity) {
		t.Fatalf("err = %v, want ErrAtCapacity", err)
	}
	if _, ok := m.Lookup(stA.ID); !ok {
		t.Fatalf("running stream was reclaimed despite recent access")
	}
}

func TestStartStreamNavigationFailureCleansUp(t *testing.T) {
	oldDelay := navigationRetryDelay
	navigationRetryDelay = time.Millisecond
	t.Cleanup(func() { navigationRetryDelay = oldDelay })

	m, fb := newTestManager(t, nil,
		config.ChannelConfig{Name: "News", URL: "https://news.example/live", Profile: "generic"})

	// Every page the browser serves refuses to navigate.
	navErr := errors.New("net::ERR_CONNECTION_REFUSED")
	fb.onNewPage = func(p *fakePage) { p.navErr = navErr }

	_, err := m.EnsureChannelStream(context.Background(), "News", "")
	if err == nil {
		t.Fatalf("expected navigation failure")
	}

	page := fb.page(0)
	waitFor(t, "cleanup", func() bool {
		return page.IsClosed() && page.opIndex("capture-stop") != -1
	})
	if _, ok := m.registry.ChannelID(ChannelKey("News")); ok {
		t.Fatalf("sentinel left behind")
	}
	if got := m.ActiveCount(); got != 0 {
		t.Fatalf("ActiveCount = %d, want 0", got)
	}
}
