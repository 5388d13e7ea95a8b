// Package hls turns a parsed fMP4 box stream into HLS artifacts: a
// versioned init segment, numbered media segments, playlist text, and a
// fan-out event source feeding live consumers.
package hls

import (
	"sync"
)

// EventKind discriminates store events.
type EventKind int

const (
	// EventInit carries new init segment bytes.
	EventInit EventKind = iota
	// EventSegment carries a freshly stored media segment.
	EventSegment
	// EventTerminated is the final event a subscriber observes.
	EventTerminated
)

// Event is one store notification. Data is shared and must not be mutated.
type Event struct {
	Kind     EventKind
	Filename string
	Data     []byte
}

// StoredSegment is one retained media segment.
type StoredSegment struct {
	Name string
	Data []byte
}

// subscriberBuffer bounds each subscriber's queue. Writers never block: when
// a queue is full the oldest event is dropped first.
const subscriberBuffer = 64

// Store retains the init segment, a FIFO window of media segments and the
// current playlist, and broadcasts change events. One writer (the
// segmenter) mutates it; any number of HTTP handlers read it.
type Store struct {
	mu          sync.RWMutex
	maxSegments int

	init     []byte
	order    []string
	segments map[string][]byte
	playlist string

	initReady     chan struct{}
	initFired     bool
	playlistReady chan struct{}
	playlistFired bool
	terminated    chan struct{}
	closed        bool

	nextSubID int
	subs      map[int]chan Event
}

// NewStore creates a store retaining at most maxSegments media segments.
func NewStore(maxSegments int) *Store {
	if maxSegments < 1 {
		maxSegments = 1
	}
	return &Store{
		maxSegments:   maxSegments,
		segments:      make(map[string][]byte),
		initReady:     make(chan struct{}),
		playlistReady: make(chan struct{}),
		terminated:    make(chan struct{}),
		subs:          make(map[int]chan Event),
	}
}

// SetInit stores the init segment bytes, fires initReady on first write and
// notifies subscribers.
func (s *Store) SetInit(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.init = data
	if !s.initFired {
		s.initFired = true
		close(s.initReady)
	}
	s.broadcastLocked(Event{Kind: EventInit, Data: data})
}

// AddSegment stores a media segment under name, evicting the oldest
// segment beyond the retention window. The segment event fires only after
// the segment is visible to readers.
func (s *Store) AddSegment(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, exists := s.segments[name]; !exists {
		s.order = append(s.order, name)
	}
	s.segments[name] = data
	for len(s.order) > s.maxSegments {
		evict := s.order[0]
		s.order = s.order[1:]
		delete(s.segments, evict)
	}
	s.broadcastLocked(Event{Kind: EventSegment, Filename: name, Data: data})
}

// SetPlaylist replaces the playlist text and fires playlistReady on the
// first non-empty write.
func (s *Store) SetPlaylist(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.playlist = text
	if !s.playlistFired && text != "" {
		s.playlistFired = true
		close(s.playlistReady)
	}
}

// Init returns the retained init segment, or nil before the first write.
func (s *Store) Init() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.init
}

// Playlist returns the current playlist text.
func (s *Store) Playlist() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playlist
}

// Segment returns the named media segment.
func (s *Store) Segment(name string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.segments[name]
	return data, ok
}

// Segments returns the retained segments in insertion order.
func (s *Store) Segments() []StoredSegment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StoredSegment, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, StoredSegment{Name: name, Data: s.segments[name]})
	}
	return out
}

// SegmentCount returns the number of retained segments.
func (s *Store) SegmentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// MemoryUsage returns the byte total of the init segment plus all retained
// media segments.
func (s *Store) MemoryUsage() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := int64(len(s.init))
	for _, data := range s.segments {
		total += int64(len(data))
	}
	return total
}

// InitReady is closed once the first init segment is stored.
func (s *Store) InitReady() <-chan struct{} { return s.initReady }

// PlaylistReady is closed once the first playlist is stored.
func (s *Store) PlaylistReady() <-chan struct{} { return s.playlistReady }

// Terminated is closed when the store shuts down.
func (s *Store) Terminated() <-chan struct{} { return s.terminated }

// Subscribe registers an event consumer. The returned cancel function is
// idempotent and safe to call concurrently with event delivery.
func (s *Store) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if s.closed {
		ch <- Event{Kind: EventTerminated}
		close(ch)
		return ch, func() {}
	}

	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if sub, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Terminate emits the terminated event to all subscribers, closes their
// channels and unblocks pending waits. Safe to call more than once.
func (s *Store) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.broadcastLocked(Event{Kind: EventTerminated})
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub)
	}
	close(s.terminated)
}

// broadcastLocked delivers ev to every subscriber without blocking,
// dropping each full subscriber's oldest event to make room.
func (s *Store) broadcastLocked(ev Event) {
	for _, sub := range s.subs {
		select {
		case sub <- ev:
		default:
			select {
			case <-sub:
			default:
			}
			select {
			case sub <- ev:
			default:
			}
		}
	}
}
