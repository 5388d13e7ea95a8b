package stream

import "sync"

// StartingID is the channel-index sentinel marking a cold start in
// flight: requests for the same channel wait for its outcome instead
// of double-starting.
const StartingID int64 = -1

// Registry is the ground truth for live streams. The channel index
// maps channel keys to stream ids, or StartingID while setup runs.
type Registry struct {
	mu       sync.Mutex
	nextID   int64
	streams  map[int64]*Stream
	channels map[string]int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		streams:  make(map[int64]*Stream),
		channels: make(map[string]int64),
	}
}

// NextID allocates a monotonic stream id.
func (r *Registry) NextID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID
}

// MarkStarting claims the cold-start slot for a channel. It reports
// false when the index already holds an id or another start is in
// flight.
func (r *Registry) MarkStarting(channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[channel]; ok {
		return false
	}
	r.channels[channel] = StartingID
	return true
}

// ClearStarting removes the sentinel after a failed start. A real id
// committed in the meantime is left untouched.
func (r *Registry) ClearStarting(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channels[channel] == StartingID {
		delete(r.channels, channel)
	}
}

// Commit publishes a fully built stream: id lookup plus channel index.
func (r *Registry) Commit(st *Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[st.ID] = st
	r.channels[st.Channel] = st.ID
}

// Lookup returns the stream for an id.
func (r *Registry) Lookup(id int64) (*Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.streams[id]
	return st, ok
}

// ChannelID returns the channel-index value. The id may be StartingID.
func (r *Registry) ChannelID(channel string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.channels[channel]
	return id, ok
}

// DropChannel removes the channel mapping only if it still points at
// id, so a successor registered under the same key keeps its slot.
func (r *Registry) DropChannel(channel string, id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channels[channel] == id {
		delete(r.channels, channel)
	}
}

// Delete removes the id entry.
func (r *Registry) Delete(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streams, id)
}

// Streams returns a snapshot of the live entries.
func (r *Registry) Streams() []*Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Stream, 0, len(r.streams))
	for _, st := range r.streams {
		out = append(out, st)
	}
	return out
}

// Count returns the number of live entries. Sentinels do not count.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// TotalMemory sums retained segment bytes across all streams.
func (r *Registry) TotalMemory() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for _, st := range r.streams {
		total += st.MemoryUsage()
	}
	return total
}
