package stream

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tabtuner/tabtuner/internal/capture"
	"github.com/tabtuner/tabtuner/internal/config"
	"github.com/tabtuner/tabtuner/internal/hls"
	"github.com/tabtuner/tabtuner/internal/monitor"
	"github.com/tabtuner/tabtuner/internal/profile"
	"github.com/tabtuner/tabtuner/internal/remux"
	"github.com/tabtuner/tabtuner/internal/status"
	"github.com/tabtuner/tabtuner/pkg/bytesize"
)

// Sentinel errors the HTTP layer maps to response statuses.
var (
	ErrUnknownChannel = errors.New("unknown channel")
	ErrInvalidURL     = errors.New("unsupported stream url")
	ErrAtCapacity     = errors.New("concurrent stream limit reached")
	ErrStartupTimeout = errors.New("stream startup timed out")
	ErrStartupFailed  = errors.New("stream startup failed")
)

// reclaimInterval paces the background idle scan. Overridable in tests.
var reclaimInterval = 5 * time.Second

// ChannelKey normalizes a channel name for index lookups.
func ChannelKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ChannelSpec is one tunable target: a configured channel or an ad-hoc
// URL registered by the play endpoint.
type ChannelSpec struct {
	Key       string
	Name      string
	URL       string
	Profile   string
	Overrides *profile.Overrides
}

// Manager owns stream lifecycles end to end: channel resolution, the
// setup pipeline, health monitoring, idle reclamation and termination.
type Manager struct {
	cfg      *config.Config
	browser  Browser
	resolver *profile.Resolver
	queue    *capture.Queue
	registry *Registry
	emitter  *status.Emitter
	clients  *status.ClientRegistry
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	channels   map[string]ChannelSpec
	configured []string // configured channel keys in config order
}

// NewManager wires a manager. Streams are parented to the manager
// context, so Shutdown tears down everything it started.
func NewManager(cfg *config.Config, b Browser, resolver *profile.Resolver, emitter *status.Emitter, clients *status.ClientRegistry, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:      cfg,
		browser:  b,
		resolver: resolver,
		queue:    capture.NewQueue(),
		registry: NewRegistry(),
		emitter:  emitter,
		clients:  clients,
		logger:   logger.With("component", "stream"),
		channels: make(map[string]ChannelSpec, len(cfg.Channels)),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	for _, ch := range cfg.Channels {
		key := ChannelKey(ch.Name)
		m.channels[key] = ChannelSpec{
			Key:     key,
			Name:    ch.Name,
			URL:     ch.URL,
			Profile: ch.Profile,
		}
		m.configured = append(m.configured, key)
	}
	return m
}

// Start launches the background idle reclaimer.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.runReclaimer()
}

// Shutdown terminates every stream and waits for pipelines to drain.
func (m *Manager) Shutdown(reason string) {
	for _, st := range m.registry.Streams() {
		m.Terminate(st.ID, reason)
	}
	m.cancel()
	m.wg.Wait()
}

// Channel resolves a channel key to its spec.
func (m *Manager) Channel(name string) (ChannelSpec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spec, ok := m.channels[ChannelKey(name)]
	return spec, ok
}

// Channels returns the configured channels in config order. Ad-hoc
// play targets are excluded.
func (m *Manager) Channels() []ChannelSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChannelSpec, 0, len(m.configured))
	for _, key := range m.configured {
		out = append(out, m.channels[key])
	}
	return out
}

// RegisterPlayTarget makes an ad-hoc URL tunable under a synthetic
// channel key so the HLS handlers treat it like any channel. The key
// is stable per URL; repeated play requests share one stream.
func (m *Manager) RegisterPlayTarget(rawURL, profileName string, ov *profile.Overrides) (string, error) {
	if err := validateStreamURL(rawURL); err != nil {
		return "", err
	}
	h := fnv.New32a()
	h.Write([]byte(rawURL))
	key := fmt.Sprintf("play-%08x", h.Sum32())

	name := key
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		name = u.Host
	}

	m.mu.Lock()
	m.channels[key] = ChannelSpec{Key: key, Name: name, URL: rawURL, Profile: profileName, Overrides: ov}
	m.mu.Unlock()
	return key, nil
}

// Lookup returns the stream for an id.
func (m *Manager) Lookup(id int64) (*Stream, bool) {
	return m.registry.Lookup(id)
}

// ByChannel returns the running stream for a channel key, if any.
// Cold starts in flight do not resolve.
func (m *Manager) ByChannel(name string) (*Stream, bool) {
	id, ok := m.registry.ChannelID(ChannelKey(name))
	if !ok || id == StartingID {
		return nil, false
	}
	return m.registry.Lookup(id)
}

// Streams returns a snapshot of live streams.
func (m *Manager) Streams() []*Stream {
	return m.registry.Streams()
}

// ActiveCount returns the number of live streams.
func (m *Manager) ActiveCount() int {
	return m.registry.Count()
}

// Limit returns the configured concurrent stream ceiling.
func (m *Manager) Limit() int {
	return m.cfg.Streaming.MaxConcurrentStreams
}

// TotalMemory sums retained segment bytes across all streams.
func (m *Manager) TotalMemory() int64 {
	return m.registry.TotalMemory()
}

// Terminate is the only authoritative teardown path. It reports
// whether id named a live stream. Repeat calls are no-ops.
func (m *Manager) Terminate(id int64, reason string) bool {
	st, ok := m.registry.Lookup(id)
	if !ok {
		return false
	}
	if !st.terminating.CompareAndSwap(false, true) {
		return true
	}
	st.cancel()

	logger := m.logger.With("stream", st.IDStr, "channel", st.Channel)

	st.mu.Lock()
	rawCap, proc, mon := st.capture, st.transcoder, st.monitor
	st.mu.Unlock()

	// The capture dies first: destroying it after the page or the
	// transcoder leaks the browser's capture slot and poisons the
	// next start.
	if rawCap != nil {
		rawCap.Destroy()
	}
	if proc != nil {
		proc.Kill()
	}

	var metrics monitor.Metrics
	if mon != nil {
		metrics = mon.Stop()
	}

	// A tab replacement may have swapped the pipeline while the
	// monitor drained; release whatever is installed now as well.
	st.mu.Lock()
	page, rawCap2, proc2, seg := st.page, st.capture, st.transcoder, st.segmenter
	st.mu.Unlock()
	if rawCap2 != nil && rawCap2 != rawCap {
		rawCap2.Destroy()
	}
	if proc2 != nil && proc2 != proc {
		proc2.Kill()
	}

	m.registry.DropChannel(st.Channel, id)
	if page != nil {
		go func() { _ = page.Close() }()
	}
	st.Store.Terminate()
	m.registry.Delete(id)
	m.clients.Clear(id)
	m.emitter.StreamRemoved(id)

	segments := 0
	var stats hls.SessionStats
	if seg != nil {
		segments = seg.SegmentIndex()
		stats = seg.Stats()
	}
	logger.Info("stream terminated",
		"reason", reason,
		"duration", time.Since(st.StartTime).Round(time.Second).String(),
		"segments", segments,
		"tab_replacements", stats.TabReplacements,
		"malformed_moofs", stats.MalformedMoofs,
		"memory", bytesize.Format(bytesize.Size(st.MemoryUsage())),
		"recovery", metrics.Summary(),
	)
	return true
}

func (m *Manager) runReclaimer() {
	defer m.wg.Done()
	ticker := time.NewTicker(reclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			for _, st := range m.idleStreams() {
				m.Terminate(st.ID, "idle timeout")
			}
		}
	}
}

// reclaimIdle terminates up to limit idle streams to free capacity.
func (m *Manager) reclaimIdle(limit int) bool {
	reclaimed := 0
	for _, st := range m.idleStreams() {
		if reclaimed >= limit {
			break
		}
		if m.Terminate(st.ID, "reclaimed for new stream") {
			reclaimed++
		}
	}
	return reclaimed > 0
}

// idleStreams returns streams with no MPEG-TS consumers and no client
// activity past the idle timeout, oldest first.
func (m *Manager) idleStreams() []*Stream {
	cutoff := time.Now().Add(-m.cfg.HLS.IdleTimeout)
	var idle []*Stream
	for _, st := range m.registry.Streams() {
		if st.TSClients() > 0 {
			continue
		}
		if st.LastAccess().After(cutoff) {
			continue
		}
		idle = append(idle, st)
	}
	sort.Slice(idle, func(i, j int) bool {
		return idle[i].LastAccess().Before(idle[j].LastAccess())
	})
	return idle
}

// runPipeline pumps capture bytes into the segmenter, through the
// transcoder when one is configured, until the source ends. An end not
// explained by termination or tab replacement takes the stream down.
func (m *Manager) runPipeline(st *Stream, gen int64, src io.Reader, proc *remux.Process, seg *hls.Segmenter) {
	defer m.wg.Done()
	var err error
	if proc != nil {
		err = remux.Pipeline(st.ctx, src, proc, seg)
	} else {
		_, err = io.Copy(seg, src)
	}
	if st.terminating.Load() || st.replacing.Load() || st.ctx.Err() != nil || st.pipelineGen() != gen {
		return
	}
	reason := "capture ended"
	if err != nil && !remux.IsExpectedStreamError(err) {
		reason = fmt.Sprintf("pipeline error: %v", err)
	}
	m.Terminate(st.ID, reason)
}

func (m *Manager) statusOf(st *Stream, h status.Health) status.StreamStatus {
	return status.StreamStatus{
		ID:              st.ID,
		IDStr:           st.IDStr,
		Channel:         st.ChannelName,
		URL:             st.URL,
		Health:          h,
		DurationSeconds: time.Since(st.StartTime).Seconds(),
		MemoryBytes:     st.MemoryUsage(),
		Clients:         m.clients.Counts(st.ID),
	}
}

func (m *Manager) publishHealth(st *Stream, u monitor.HealthUpdate) {
	s := m.statusOf(st, u.Health)
	s.EscalationLevel = u.EscalationLevel
	s.ReadyState = u.ReadyState
	s.NetworkState = u.NetworkState
	s.RecoveryAttempts = u.RecoveryAttempts
	s.LastIssue = u.LastIssue
	m.emitter.StreamHealthChanged(s)
}
