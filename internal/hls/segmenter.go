package hls

import (
	"bytes"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/tabtuner/tabtuner/internal/mp4"
)

// SessionStats aggregates per-stream segmentation diagnostics. They carry
// across tab replacements so a stream's whole life is summarized at
// termination.
type SessionStats struct {
	MalformedMoofs       int
	TabReplacements      int
	KeyframeMoofs        int
	NonKeyframeMoofs     int
	UnknownKeyframeMoofs int

	// Inter-track A/V spread in seconds, sampled at each segment emission.
	SyncSpreadMin     float64
	SyncSpreadMax     float64
	SyncSpreadMean    float64
	SyncSpreadSamples int
}

func (st *SessionStats) recordSpread(spread float64) {
	if st.SyncSpreadSamples == 0 || spread < st.SyncSpreadMin {
		st.SyncSpreadMin = spread
	}
	if spread > st.SyncSpreadMax {
		st.SyncSpreadMax = spread
	}
	st.SyncSpreadMean = (st.SyncSpreadMean*float64(st.SyncSpreadSamples) + spread) / float64(st.SyncSpreadSamples+1)
	st.SyncSpreadSamples++
}

// Handoff is the read-only snapshot a successor segmenter is constructed
// from when the capture underneath a stream is replaced. Maps are copies;
// instances never share state.
type Handoff struct {
	// TrackTimestamps holds each track's next expected baseMediaDecodeTime
	// at the moment the predecessor stopped.
	TrackTimestamps map[uint32]uint64
	// InitSegment is the predecessor's published init. A successor whose
	// own init is byte-identical suppresses the pending discontinuity.
	InitSegment []byte
	InitVersion int
	// SegmentIndex is the next index to assign, preserving numbering.
	SegmentIndex         int
	PendingDiscontinuity bool
	Stats                SessionStats
}

// SegmenterConfig carries construction parameters for a Segmenter.
type SegmenterConfig struct {
	StreamID       int64
	TargetDuration time.Duration
	MaxSegments    int
	// Handoff is nil for a fresh stream.
	Handoff *Handoff
	Logger  *slog.Logger
}

// minSegmentSeconds floors every EXTINF so players never see a zero or
// negative duration.
const minSegmentSeconds = 0.1

// Segmenter consumes a fragmented MP4 byte stream and produces the init
// segment, numbered media segments and playlist text into a Store.
//
// It implements io.Writer; the capture pump is the single writer.
// MarkDiscontinuity and the getters may be called from other goroutines.
type Segmenter struct {
	mu     sync.Mutex
	store  *Store
	logger *slog.Logger
	parser *mp4.Parser
	now    func() time.Time

	target      time.Duration
	maxSegments int

	// Handoff inputs.
	initialTimestamps map[uint32]uint64
	prevInit          []byte
	normalizedRef     *float64

	ftyp       []byte
	initSeg    []byte
	hasInit    bool
	timescales map[uint32]uint32

	initVersion          int
	segmentIndex         int
	firstSegmentEmitted  bool
	pendingDiscontinuity bool

	offsets          map[uint32]int64
	trackTimestamps  map[uint32]uint64
	segmentDurations map[uint32]uint64

	fragment         []byte
	segmentStartTime time.Time
	window           []PlaylistEntry
	lastSegmentSize  int

	stats SessionStats
}

// NewSegmenter creates a segmenter writing into store. With a handoff the
// successor continues the predecessor's segment numbering, init versioning
// and timeline.
func NewSegmenter(cfg SegmenterConfig, store *Store) *Segmenter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Segmenter{
		store:            store,
		logger:           logger,
		now:              time.Now,
		target:           cfg.TargetDuration,
		maxSegments:      cfg.MaxSegments,
		initVersion:      1,
		timescales:       make(map[uint32]uint32),
		offsets:          make(map[uint32]int64),
		trackTimestamps:  make(map[uint32]uint64),
		segmentDurations: make(map[uint32]uint64),
	}
	if s.maxSegments < 1 {
		s.maxSegments = 1
	}

	if h := cfg.Handoff; h != nil {
		s.initialTimestamps = make(map[uint32]uint64, len(h.TrackTimestamps))
		for id, ts := range h.TrackTimestamps {
			s.initialTimestamps[id] = ts
		}
		s.prevInit = h.InitSegment
		s.initVersion = h.InitVersion
		s.segmentIndex = h.SegmentIndex
		s.pendingDiscontinuity = h.PendingDiscontinuity
		s.stats = h.Stats
	}

	s.parser = mp4.NewParser(s.handleBox)
	return s
}

// Write feeds raw capture bytes through the box parser. It returns an
// error only on unrecoverable top-level stream corruption; per-moof
// failures degrade to pass-through.
func (s *Segmenter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parser.Write(p)
}

// MarkDiscontinuity flushes any buffered fragment as a short segment and
// marks the next emitted segment as discontinuous. Called by recovery
// actions that reset the player's source.
func (s *Segmenter) MarkDiscontinuity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.fragment) > 0 {
		s.emitSegment(s.now())
	}
	s.pendingDiscontinuity = true
}

// Snapshot captures the handoff state a successor segmenter needs. The
// caller decides whether the successor starts with a pending
// discontinuity.
func (s *Segmenter) Snapshot() Handoff {
	s.mu.Lock()
	defer s.mu.Unlock()

	timestamps := make(map[uint32]uint64, len(s.trackTimestamps))
	for id, ts := range s.trackTimestamps {
		timestamps[id] = ts
	}
	return Handoff{
		TrackTimestamps: timestamps,
		InitSegment:     s.initSeg,
		InitVersion:     s.initVersion,
		SegmentIndex:    s.segmentIndex,
		Stats:           s.stats,
	}
}

// SegmentIndex returns the next segment index to be assigned.
func (s *Segmenter) SegmentIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segmentIndex
}

// InitVersion returns the current init segment version.
func (s *Segmenter) InitVersion() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initVersion
}

// InitSegment returns the published init bytes, nil before the moov.
func (s *Segmenter) InitSegment() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initSeg
}

// LastSegmentSize returns the byte size of the most recent segment.
func (s *Segmenter) LastSegmentSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSegmentSize
}

// Stats returns a copy of the session statistics.
func (s *Segmenter) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// handleBox runs synchronously inside Write with s.mu held.
func (s *Segmenter) handleBox(b mp4.Box) {
	switch b.Type {
	case mp4.BoxTypeFtyp:
		if !s.hasInit {
			s.ftyp = b.Data
		}
	case mp4.BoxTypeMoov:
		s.handleMoov(b.Data)
	case mp4.BoxTypeMoof:
		s.handleMoof(b.Data)
	default:
		// mdat and pass-through boxes travel inside the current fragment
		// once decoder parameters are known.
		if s.hasInit {
			s.appendFragment(b.Data)
		}
	}
}

func (s *Segmenter) handleMoov(moov []byte) {
	initSeg := make([]byte, 0, len(s.ftyp)+len(moov))
	initSeg = append(initSeg, s.ftyp...)
	initSeg = append(initSeg, moov...)

	if s.hasInit {
		if bytes.Equal(s.initSeg, initSeg) {
			s.logger.Debug("duplicate moov ignored")
			return
		}
		// Decoder parameters changed under a running capture. Publish the
		// new init and force a discontinuity so clients reinitialize.
		s.initVersion++
		s.initSeg = initSeg
		s.parseTimescales(moov)
		s.pendingDiscontinuity = true
		s.store.SetInit(initSeg)
		s.refreshPlaylist()
		s.logger.Warn("init segment changed mid-stream",
			"init_version", s.initVersion)
		return
	}

	s.hasInit = true
	s.initSeg = initSeg

	suppressed := false
	if s.prevInit != nil {
		if bytes.Equal(s.prevInit, initSeg) {
			// Same decoder parameters as before the replacement: no
			// client-side flush needed.
			s.pendingDiscontinuity = false
			suppressed = true
		} else {
			s.initVersion++
		}
	}

	s.parseTimescales(moov)
	s.computeNormalizedReference()
	s.store.SetInit(initSeg)

	s.logger.Info("init segment published",
		"init_version", s.initVersion,
		"tracks", len(s.timescales),
		"discontinuity_suppressed", suppressed)
}

func (s *Segmenter) parseTimescales(moov []byte) {
	s.timescales = make(map[uint32]uint32)
	info, err := mp4.ParseMoov(moov)
	if err != nil {
		// Wall-clock EXTINF fallback takes over.
		s.logger.Warn("moov timescale parse failed", "error", err)
		return
	}
	for _, t := range info.Tracks {
		s.timescales[t.ID] = t.TimeScale
		s.logger.Debug("track",
			"track_id", t.ID,
			"timescale", t.TimeScale,
			"kind", t.Kind,
			"codec", t.Codec)
	}
}

// computeNormalizedReference derives the single shared timeline position
// (seconds) that every track of a replacement capture is aligned to. Using
// one reference for all tracks avoids freezing the predecessor's A/V
// jitter into the offsets.
func (s *Segmenter) computeNormalizedReference() {
	if len(s.initialTimestamps) == 0 || len(s.timescales) == 0 {
		return
	}
	var sum float64
	var n int
	for id, ts := range s.initialTimestamps {
		scale, ok := s.timescales[id]
		if !ok || scale == 0 {
			continue
		}
		sum += float64(ts) / float64(scale)
		n++
	}
	if n == 0 {
		return
	}
	ref := sum / float64(n)
	s.normalizedRef = &ref
	s.logger.Info("timeline handoff reference computed",
		"normalized_position_sec", ref,
		"tracks", n)
}

func (s *Segmenter) handleMoof(moof []byte) {
	if !s.hasInit {
		return
	}
	now := s.now()

	if len(s.fragment) > 0 {
		// The first segment ships as soon as one whole fragment exists to
		// minimize time to first frame; afterwards cuts follow the target
		// duration by wall clock.
		if !s.firstSegmentEmitted || now.Sub(s.segmentStartTime) >= s.target {
			s.emitSegment(now)
		}
	}

	switch sync, err := mp4.FirstSampleIsSync(moof); {
	case err != nil || sync == nil:
		s.stats.UnknownKeyframeMoofs++
	case *sync:
		s.stats.KeyframeMoofs++
	default:
		s.stats.NonKeyframeMoofs++
	}

	timings, err := mp4.RewriteMoof(moof, nil)
	if err != nil {
		s.stats.MalformedMoofs++
		s.logger.Debug("malformed moof passed through", "error", err)
		s.appendFragment(moof)
		return
	}

	for trackID, timing := range timings {
		if _, ok := s.offsets[trackID]; !ok {
			s.offsets[trackID] = s.initialOffset(trackID, timing.BaseTime)
		}
	}

	needsRewrite := false
	for trackID := range timings {
		if s.offsets[trackID] != 0 {
			needsRewrite = true
			break
		}
	}
	if needsRewrite {
		// Single write pass over the original values: tracks are offset
		// atomically and never double-offset.
		if _, err := mp4.RewriteMoof(moof, s.offsets); err != nil {
			s.stats.MalformedMoofs++
			s.logger.Debug("tfdt rewrite failed, passing through original timestamps", "error", err)
			s.appendFragment(moof)
			return
		}
	}

	for trackID, timing := range timings {
		s.segmentDurations[trackID] += timing.Duration
		rewritten := uint64(int64(timing.BaseTime) + s.offsets[trackID])
		s.trackTimestamps[trackID] = rewritten + timing.Duration
	}

	s.appendFragment(moof)
}

// initialOffset computes a track's tick offset the first time it appears.
func (s *Segmenter) initialOffset(trackID uint32, originalBase uint64) int64 {
	if s.normalizedRef != nil {
		if scale, ok := s.timescales[trackID]; ok && scale > 0 {
			target := int64(math.Round(*s.normalizedRef * float64(scale)))
			return target - int64(originalBase)
		}
	}
	if initial, ok := s.initialTimestamps[trackID]; ok {
		return int64(initial) - int64(originalBase)
	}
	return 0
}

func (s *Segmenter) appendFragment(data []byte) {
	if len(s.fragment) == 0 {
		s.segmentStartTime = s.now()
	}
	s.fragment = append(s.fragment, data...)
}

func (s *Segmenter) emitSegment(now time.Time) {
	name := SegmentName(s.segmentIndex)

	discontinuity := s.pendingDiscontinuity
	s.pendingDiscontinuity = false

	duration := s.mediaDuration()
	if duration == 0 {
		duration = now.Sub(s.segmentStartTime).Seconds()
	}
	if duration < minSegmentSeconds {
		duration = minSegmentSeconds
	}

	s.recordSyncSpread()

	data := s.fragment
	s.fragment = nil
	s.store.AddSegment(name, data)
	s.lastSegmentSize = len(data)

	s.window = append(s.window, PlaylistEntry{
		Index:         s.segmentIndex,
		Duration:      duration,
		Discontinuity: discontinuity,
	})
	if len(s.window) > s.maxSegments {
		s.window = s.window[1:]
	}

	s.logger.Debug("segment emitted",
		"segment", name,
		"bytes", len(data),
		"duration_sec", duration,
		"discontinuity", discontinuity)

	s.segmentIndex++
	s.firstSegmentEmitted = true
	clear(s.segmentDurations)

	s.refreshPlaylist()
}

// mediaDuration is the longest accumulated track duration of the current
// fragment, in seconds. Zero when no track has both samples and a
// timescale.
func (s *Segmenter) mediaDuration() float64 {
	var max float64
	for trackID, ticks := range s.segmentDurations {
		scale, ok := s.timescales[trackID]
		if !ok || scale == 0 {
			continue
		}
		if d := float64(ticks) / float64(scale); d > max {
			max = d
		}
	}
	return max
}

// recordSyncSpread samples the inter-track position spread when at least
// two tracks have known timescales.
func (s *Segmenter) recordSyncSpread() {
	var min, max float64
	n := 0
	for trackID, ts := range s.trackTimestamps {
		scale, ok := s.timescales[trackID]
		if !ok || scale == 0 {
			continue
		}
		pos := float64(ts) / float64(scale)
		if n == 0 || pos < min {
			min = pos
		}
		if n == 0 || pos > max {
			max = pos
		}
		n++
	}
	if n < 2 {
		return
	}
	s.stats.recordSpread(max - min)
}

func (s *Segmenter) refreshPlaylist() {
	target := int(math.Ceil(s.target.Seconds()))
	s.store.SetPlaylist(RenderPlaylist(s.window, s.initVersion, target))
}
