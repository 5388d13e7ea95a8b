package status

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// subscriberBuffer bounds each subscriber's event queue. A full queue
// skips the event rather than blocking the producer.
const subscriberBuffer = 100

// Subscriber receives status events. Events is closed on Unsubscribe.
type Subscriber struct {
	ID     string
	Events chan Event
}

// Emitter holds the current status of every stream plus the cached
// system status, and fans out change events to subscribers.
type Emitter struct {
	mu          sync.RWMutex
	streams     map[int64]StreamStatus
	system      SystemStatus
	hasSystem   bool
	subscribers map[string]*Subscriber
	logger      *slog.Logger
}

// NewEmitter creates an empty status emitter.
func NewEmitter(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		streams:     make(map[int64]StreamStatus),
		subscribers: make(map[string]*Subscriber),
		logger:      logger.With("component", "status"),
	}
}

// Subscribe registers a new subscriber. The first event delivered is a
// snapshot of all current streams and the system status.
func (e *Emitter) Subscribe() *Subscriber {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub := &Subscriber{
		ID:     ulid.Make().String(),
		Events: make(chan Event, subscriberBuffer),
	}
	e.subscribers[sub.ID] = sub

	snapshot := Event{
		Type:      EventSnapshot,
		Streams:   e.streamsLocked(),
		Timestamp: time.Now(),
	}
	if e.hasSystem {
		system := e.system
		snapshot.System = &system
	}
	sub.Events <- snapshot

	e.logger.Debug("status subscriber added", "subscriber_id", sub.ID)
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Unknown IDs
// are ignored.
func (e *Emitter) Unsubscribe(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if sub, ok := e.subscribers[id]; ok {
		close(sub.Events)
		delete(e.subscribers, id)
		e.logger.Debug("status subscriber removed", "subscriber_id", id)
	}
}

// StreamAdded records a new stream and broadcasts it.
func (e *Emitter) StreamAdded(st StreamStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.streams[st.ID] = st
	e.broadcastLocked(Event{Type: EventStreamAdded, Stream: &st})
}

// StreamRemoved drops a stream from the status map and broadcasts its
// removal. Unknown IDs are ignored.
func (e *Emitter) StreamRemoved(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.streams[id]
	if !ok {
		return
	}
	delete(e.streams, id)
	e.broadcastLocked(Event{Type: EventStreamRemoved, Stream: &st})
}

// StreamHealthChanged upserts a stream's status and broadcasts it. The
// monitor calls this on every tick.
func (e *Emitter) StreamHealthChanged(st StreamStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Show info is published out of band; carry it across monitor updates.
	if prev, ok := e.streams[st.ID]; ok {
		if st.ShowName == "" {
			st.ShowName = prev.ShowName
		}
		if st.LogoURL == "" {
			st.LogoURL = prev.LogoURL
		}
	}
	e.streams[st.ID] = st
	e.broadcastLocked(Event{Type: EventStreamHealthChanged, Stream: &st})
}

// SetShowInfo publishes the current show title and logo for a stream.
// A broadcast fires only when either value changed.
func (e *Emitter) SetShowInfo(id int64, showName, logoURL string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.streams[id]
	if !ok || (st.ShowName == showName && st.LogoURL == logoURL) {
		return
	}
	st.ShowName = showName
	st.LogoURL = logoURL
	e.streams[id] = st
	e.broadcastLocked(Event{Type: EventStreamHealthChanged, Stream: &st})
}

// UpdateSystem caches the latest system status. A systemStatusChanged
// event fires only when browser connectivity or the active stream count
// changed; everything else updates silently.
func (e *Emitter) UpdateSystem(sys SystemStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()

	changed := !e.hasSystem ||
		e.system.Browser.Connected != sys.Browser.Connected ||
		e.system.Streams.Active != sys.Streams.Active
	e.system = sys
	e.hasSystem = true

	if changed {
		e.broadcastLocked(Event{Type: EventSystemStatusChanged, System: &sys})
	}
}

// Stream returns the current status for one stream.
func (e *Emitter) Stream(id int64) (StreamStatus, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.streams[id]
	return st, ok
}

// Streams returns all current stream statuses ordered by ID.
func (e *Emitter) Streams() []StreamStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.streamsLocked()
}

// System returns the cached system status.
func (e *Emitter) System() SystemStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.system
}

func (e *Emitter) streamsLocked() []StreamStatus {
	out := make([]StreamStatus, 0, len(e.streams))
	for _, st := range e.streams {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// broadcastLocked delivers an event to every subscriber without
// blocking; a subscriber with a full queue misses the event.
func (e *Emitter) broadcastLocked(ev Event) {
	ev.Timestamp = time.Now()
	for _, sub := range e.subscribers {
		select {
		case sub.Events <- ev:
		default:
			e.logger.Warn("status subscriber queue full, dropping event",
				"subscriber_id", sub.ID,
				"event", string(ev.Type),
			)
		}
	}
}
