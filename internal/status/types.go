// Package status maintains the live view of every stream and the system,
// broadcasts incremental changes to subscribers, and tracks connected
// clients per stream.
package status

import "time"

// Health is the coarse per-stream health classification.
type Health string

// Health states in escalation order.
const (
	HealthHealthy    Health = "healthy"
	HealthBuffering  Health = "buffering"
	HealthStalled    Health = "stalled"
	HealthRecovering Health = "recovering"
	HealthError      Health = "error"
)

// StreamStatus is the reported state of one stream.
type StreamStatus struct {
	ID               int64        `json:"id"`
	IDStr            string       `json:"idStr"`
	Channel          string       `json:"channel,omitempty"`
	URL              string       `json:"url,omitempty"`
	Health           Health       `json:"health"`
	EscalationLevel  int          `json:"escalationLevel"`
	DurationSeconds  float64      `json:"durationSeconds"`
	MemoryBytes      int64        `json:"memoryBytes"`
	ReadyState       int          `json:"readyState"`
	NetworkState     int          `json:"networkState"`
	RecoveryAttempts int          `json:"recoveryAttempts"`
	LastIssue        *Issue       `json:"lastIssue,omitempty"`
	ShowName         string       `json:"showName,omitempty"`
	LogoURL          string       `json:"logoUrl,omitempty"`
	Clients          ClientCounts `json:"clients"`
}

// Issue records the most recent playback problem.
type Issue struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
}

// ClientCounts summarizes connected clients by type.
type ClientCounts struct {
	Total  int `json:"total"`
	HLS    int `json:"hls"`
	MPEGTS int `json:"mpegts"`
}

// SystemStatus is the reported state of the process and browser.
type SystemStatus struct {
	Browser       BrowserStatus `json:"browser"`
	Streams       StreamsStatus `json:"streams"`
	Memory        MemoryStatus  `json:"memory"`
	UptimeSeconds int64         `json:"uptime"`
}

// BrowserStatus reports browser connectivity.
type BrowserStatus struct {
	Connected bool `json:"connected"`
	PageCount int  `json:"pageCount"`
}

// StreamsStatus reports stream occupancy.
type StreamsStatus struct {
	Active int `json:"active"`
	Limit  int `json:"limit"`
}

// MemoryStatus reports process memory usage in bytes.
type MemoryStatus struct {
	HeapUsed uint64 `json:"heapUsed"`
	RSS      uint64 `json:"rss"`
}

// EventType identifies a status event. The values double as SSE event
// names.
type EventType string

// Event types emitted by the Emitter.
const (
	EventSnapshot            EventType = "snapshot"
	EventStreamAdded         EventType = "streamAdded"
	EventStreamRemoved       EventType = "streamRemoved"
	EventStreamHealthChanged EventType = "streamHealthChanged"
	EventSystemStatusChanged EventType = "systemStatusChanged"
)

// Event is one status broadcast. Snapshot events carry Streams and
// System; stream events carry Stream; system events carry System.
type Event struct {
	Type      EventType      `json:"type"`
	Stream    *StreamStatus  `json:"stream,omitempty"`
	Streams   []StreamStatus `json:"streams,omitempty"`
	System    *SystemStatus  `json:"system,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
