package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tabtuner/tabtuner/internal/status"
)

// startRecovery transitions to the recovering state and runs one
// ladder rung on its own goroutine. Ticks reduce to status emission
// until it completes. Proactive reloads reuse the machinery but do not
// count against the circuit breaker or the recovery metrics.
func (m *Monitor) startRecovery(now time.Time, method Method, reason string, proactive bool) {
	if !m.recovering.CompareAndSwap(false, true) {
		return
	}

	m.mu.Lock()
	if !proactive {
		m.escalationLevel = method.EscalationLevel()
		m.lastIssue = &status.Issue{Type: reason, Time: now}
		m.lastUnhealthy = now
		m.metrics.Attempts[method]++
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.runRecovery(method, reason, proactive)
}

func (m *Monitor) runRecovery(method Method, reason string, proactive bool) {
	defer m.wg.Done()
	defer m.recovering.Store(false)

	start := time.Now()
	if !proactive && m.breaker.RecordFailure(start) {
		failures, since := m.breaker.Stats()
		m.logger.Error("recovery circuit breaker tripped, terminating stream",
			"failures", failures, "window_start", since, "last_reason", reason)
		m.terminate("recovery circuit breaker tripped")
		return
	}

	m.logger.Info("recovery attempt", "method", method, "reason", reason)

	var err error
	switch method {
	case MethodEnsurePlayback:
		err = m.recoverEnsurePlayback()
	case MethodSourceReload:
		err = m.recoverSourceReload()
	case MethodPageReload:
		err = m.recoverPageReload()
	case MethodTabReplace:
		err = m.recoverTabReplace()
	default:
		err = fmt.Errorf("unknown recovery method %q", method)
	}
	m.finishRecovery(method, start, proactive, err)
}

// finishRecovery applies the post-attempt bookkeeping: grace period,
// liveness arming, and the pending-success marker that sustained
// playback later confirms.
func (m *Monitor) finishRecovery(method Method, start time.Time, proactive bool, err error) {
	now := time.Now()

	m.mu.Lock()
	m.graceUntil = now.Add(graceFor(method))
	m.lastRecoveryEnd = now
	if !proactive {
		m.metrics.TotalRecoveryTime += now.Sub(start)
	}
	if err == nil {
		if !proactive {
			m.metrics.PendingMethod = method
			m.metrics.PendingSince = start
		}
		m.livenessPending = true
		m.livenessBaseIndex = m.seg.SegmentIndex()
		m.livenessDeadline = time.Time{}
		m.productionStalled = false
		m.stallCount = 0
		m.pauseCount = 0
		m.lastTimeValid = false
		m.bufferingSince = time.Time{}
	}
	page := m.page
	m.mu.Unlock()

	if err != nil {
		if m.ctx.Err() != nil {
			return
		}
		m.logger.Warn("recovery attempt failed", "method", method, "error", err)
		return
	}
	// Keep the tab minimized so the compositor stays on the cheap path.
	if mErr := page.Minimize(); mErr != nil {
		m.logger.Debug("re-minimize failed", "error", mErr)
	}
	m.logger.Info("recovery action applied, awaiting sustained playback", "method", method)
}

func graceFor(method Method) time.Duration {
	switch method {
	case MethodEnsurePlayback:
		return graceEnsurePlayback
	case MethodSourceReload:
		return graceSourceReload
	default:
		return gracePageReload
	}
}

// recoverEnsurePlayback is level 1: unpause and unmute in place.
func (m *Monitor) recoverEnsurePlayback() error {
	m.mu.Lock()
	target := m.target
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, recoveryEvalTimeout)
	defer cancel()
	return m.tuner.EnsurePlayback(ctx, target)
}

// recoverSourceReload is level 2: force the media element to reopen
// its source. Allowed once per page session; marks a discontinuity on
// success because the decoder timeline restarts.
func (m *Monitor) recoverSourceReload() error {
	m.mu.Lock()
	m.sourceReloadTried = true
	target := m.target
	seg := m.seg
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, recoveryEvalTimeout)
	defer cancel()
	if err := m.tuner.ReloadSource(ctx, target); err != nil {
		return err
	}
	seg.MarkDiscontinuity()
	return nil
}

// recoverPageReload is level 3: navigate the page again and re-tune.
// Rate limited; marks a discontinuity regardless of outcome because
// navigation tears the old media pipeline down either way.
func (m *Monitor) recoverPageReload() error {
	now := time.Now()
	if !m.reloads.allow(now) {
		return fmt.Errorf("page reload rate limit reached (%d per %s)",
			m.cfg.Playback.MaxPageReloads, m.cfg.Playback.PageReloadWindow)
	}

	m.mu.Lock()
	page := m.page
	seg := m.seg
	m.mu.Unlock()

	seg.MarkDiscontinuity()

	navCtx, cancel := context.WithTimeout(m.ctx, m.cfg.NavigationTimeout)
	err := page.Navigate(navCtx, m.cfg.URL)
	cancel()
	if err == nil {
		tuneCtx, cancel := context.WithTimeout(m.ctx, tuneTimeout)
		newTarget, tErr := m.tuner.Tune(tuneCtx, page, m.cfg.Channel)
		cancel()
		if tErr == nil {
			m.mu.Lock()
			m.target = newTarget
			m.lastNavigation = time.Now()
			// Fresh page session: the source reload budget renews.
			m.sourceReloadTried = false
			m.pageReloadFailures = 0
			m.videoMissingCount = 0
			m.mu.Unlock()
			return nil
		}
		err = tErr
	}

	m.mu.Lock()
	m.pageReloadFailures++
	m.mu.Unlock()
	return fmt.Errorf("page reload recovery: %w", err)
}

// recoverTabReplace rebuilds the entire capture pipeline on a fresh
// tab. Success is the strongest reset: counters, escalation, segment
// monitoring, and the circuit breaker all clear.
func (m *Monitor) recoverTabReplace() error {
	if m.cfg.ReplaceTab == nil {
		return errors.New("tab replacement unavailable")
	}
	rep, err := m.cfg.ReplaceTab(m.ctx)
	if err != nil {
		return fmt.Errorf("tab replacement: %w", err)
	}

	m.mu.Lock()
	m.page = rep.Page
	m.target = rep.Target
	m.seg = rep.Segmenter
	m.consecutiveTimeouts = 0
	m.videoMissingCount = 0
	m.stallCount = 0
	m.pauseCount = 0
	m.lastTimeValid = false
	m.bufferingSince = time.Time{}
	m.tinySegments = 0
	m.lastSegmentIndex = rep.Segmenter.SegmentIndex()
	m.escalationLevel = 0
	m.sourceReloadTried = false
	m.pageReloadFailures = 0
	m.productionStalled = false
	m.lastNavigation = time.Now()
	m.mu.Unlock()

	m.breaker.Reset()
	return nil
}
