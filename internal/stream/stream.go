// Package stream owns the running captures: a registry mapping ids and
// channel keys to live entries, the setup pipeline that turns a URL
// into an HLS stream, tab replacement, idle reclamation, and the single
// authoritative termination path.
package stream

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tabtuner/tabtuner/internal/capture"
	"github.com/tabtuner/tabtuner/internal/hls"
	"github.com/tabtuner/tabtuner/internal/monitor"
	"github.com/tabtuner/tabtuner/internal/profile"
	"github.com/tabtuner/tabtuner/internal/remux"
)

// Stream is one live capture: a browser tab, its recorded byte stream,
// an optional transcoder, and the segmenter feeding the HLS store. The
// registry owns the entry; the entry owns its resources. Monitor and
// HTTP handlers hold only handles.
type Stream struct {
	ID          int64
	IDStr       string
	Channel     string // channel index key
	ChannelName string
	URL         string
	ClientAddr  string
	StartTime   time.Time

	Store *hls.Store

	ctx    context.Context
	cancel context.CancelFunc

	terminating atomic.Bool
	replacing   atomic.Bool
	lastAccess  atomic.Int64 // unix nanos
	tsClients   atomic.Int32

	mu         sync.Mutex
	page       Page
	capture    *capture.Stream
	transcoder *remux.Process
	segmenter  *hls.Segmenter
	monitor    *monitor.Monitor
	tuner      *profile.Tuner
	target     profile.Target
	profile    profile.Profile
	gen        int64 // pipeline generation, bumped on tab replacement
}

// Touch records client activity for idle accounting.
func (st *Stream) Touch() {
	st.lastAccess.Store(time.Now().UnixNano())
}

// LastAccess returns the time of the most recent client activity.
func (st *Stream) LastAccess() time.Time {
	return time.Unix(0, st.lastAccess.Load())
}

// MemoryUsage returns the retained init plus segment bytes.
func (st *Stream) MemoryUsage() int64 {
	return st.Store.MemoryUsage()
}

// Profile returns the resolved site profile.
func (st *Stream) Profile() profile.Profile {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.profile
}

// Segmenter returns the live segmenter. It changes on tab replacement.
func (st *Stream) Segmenter() *hls.Segmenter {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.segmenter
}

// Terminating reports whether termination has begun.
func (st *Stream) Terminating() bool {
	return st.terminating.Load()
}

// AddTSClient counts one more MPEG-TS consumer.
func (st *Stream) AddTSClient() int32 {
	st.Touch()
	return st.tsClients.Add(1)
}

// RemoveTSClient counts one MPEG-TS consumer gone. Bumping lastAccess
// when the last one leaves gives channel surfers the normal idle grace.
func (st *Stream) RemoveTSClient() int32 {
	n := st.tsClients.Add(-1)
	if n <= 0 {
		st.Touch()
	}
	return n
}

// TSClients returns the current MPEG-TS consumer count.
func (st *Stream) TSClients() int32 {
	return st.tsClients.Load()
}

// setPipeline installs a freshly built capture generation and returns
// its generation number.
func (st *Stream) setPipeline(page Page, cap *capture.Stream, proc *remux.Process, seg *hls.Segmenter) int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.page = page
	st.capture = cap
	st.transcoder = proc
	st.segmenter = seg
	st.gen++
	return st.gen
}

func (st *Stream) pipelineGen() int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.gen
}

func (st *Stream) setTuning(tuner *profile.Tuner, target profile.Target) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.tuner = tuner
	st.target = target
}

func (st *Stream) setMonitor(mon *monitor.Monitor) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.monitor = mon
}

// newStreamID returns a short display id, "tab-" plus six alphanumerics.
func newStreamID() string {
	s := ulid.Make().String()
	return "tab-" + strings.ToLower(s[len(s)-6:])
}
