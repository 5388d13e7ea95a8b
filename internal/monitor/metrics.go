package monitor

import (
	"fmt"
	"time"
)

// Method is one recovery mechanism, ordered by escalation level.
type Method string

const (
	// MethodEnsurePlayback unpauses and unmutes in place.
	MethodEnsurePlayback Method = "ensure_playback"
	// MethodSourceReload forces the media element to reopen its source.
	MethodSourceReload Method = "source_reload"
	// MethodPageReload navigates the page again and re-tunes.
	MethodPageReload Method = "page_reload"
	// MethodTabReplace tears the whole tab down and rebuilds the
	// capture pipeline on a fresh one.
	MethodTabReplace Method = "tab_replacement"
)

// EscalationLevel maps the method onto the 0-4 status scale.
func (m Method) EscalationLevel() int {
	switch m {
	case MethodEnsurePlayback:
		return 1
	case MethodSourceReload:
		return 2
	case MethodPageReload:
		return 3
	case MethodTabReplace:
		return 4
	}
	return 0
}

// Metrics accumulates recovery bookkeeping across a stream's life,
// including across tab replacements. Returned by Stop for the
// termination summary.
type Metrics struct {
	Attempts  map[Method]int
	Successes map[Method]int

	// TotalRecoveryTime is wall time spent executing recoveries.
	TotalRecoveryTime time.Duration

	// Pending recovery awaiting its sustained-playback confirmation.
	PendingMethod Method
	PendingSince  time.Time
}

func newMetrics() Metrics {
	return Metrics{
		Attempts:  make(map[Method]int),
		Successes: make(map[Method]int),
	}
}

// TotalAttempts sums attempts across methods.
func (m Metrics) TotalAttempts() int {
	n := 0
	for _, v := range m.Attempts {
		n += v
	}
	return n
}

// TotalSuccesses sums confirmed recoveries across methods.
func (m Metrics) TotalSuccesses() int {
	n := 0
	for _, v := range m.Successes {
		n += v
	}
	return n
}

// Summary renders the one-line form used in termination logs.
func (m Metrics) Summary() string {
	return fmt.Sprintf("attempts=%d confirmed=%d recovery_time=%s",
		m.TotalAttempts(), m.TotalSuccesses(), m.TotalRecoveryTime.Round(time.Millisecond))
}

func (m *Metrics) clone() Metrics {
	out := *m
	out.Attempts = make(map[Method]int, len(m.Attempts))
	for k, v := range m.Attempts {
		out.Attempts[k] = v
	}
	out.Successes = make(map[Method]int, len(m.Successes))
	for k, v := range m.Successes {
		out.Successes[k] = v
	}
	return out
}
