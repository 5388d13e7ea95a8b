package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/tabtuner/tabtuner/internal/hls"
	"github.com/tabtuner/tabtuner/internal/monitor"
)

// replaceTab swaps the browser side of a stream while keeping its HLS
// timeline: the successor segmenter resumes numbering, init versioning
// and track timestamps from a handoff snapshot and starts with a
// pending discontinuity so decoders reset cleanly.
func (m *Manager) replaceTab(ctx context.Context, st *Stream) (*monitor.Replacement, error) {
	if st.terminating.Load() {
		return nil, errors.New("stream terminating")
	}
	st.replacing.Store(true)
	defer st.replacing.Store(false)

	logger := m.logger.With("stream", st.IDStr, "channel", st.Channel)
	logger.Info("replacing tab")

	st.mu.Lock()
	oldPage, oldCap, oldProc, oldSeg := st.page, st.capture, st.transcoder, st.segmenter
	st.mu.Unlock()

	// The old capture dies first so the browser frees its capture slot
	// before a new recorder starts.
	if oldCap != nil {
		oldCap.Destroy()
	}
	var handoff hls.Handoff
	if oldSeg != nil {
		handoff = oldSeg.Snapshot()
	}
	handoff.PendingDiscontinuity = true
	handoff.Stats.TabReplacements++
	if oldProc != nil {
		oldProc.Kill()
	}
	if oldPage != nil {
		_ = oldPage.Close()
	}

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := m.buildPipeline(ctx, st, &handoff); err != nil {
			lastErr = err
			logger.Warn("tab replacement attempt failed", "attempt", attempt, "error", err)
			continue
		}
		st.mu.Lock()
		page, seg, target := st.page, st.segmenter, st.target
		st.mu.Unlock()
		if target == nil {
			target = page
		}
		logger.Info("tab replaced", "next_segment", seg.SegmentIndex())
		return &monitor.Replacement{Page: page, Target: target, Segmenter: seg}, nil
	}
	return nil, fmt.Errorf("tab replacement: %w", lastErr)
}
