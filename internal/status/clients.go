package status

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ClientType distinguishes the two delivery paths.
type ClientType string

// Client types.
const (
	ClientHLS    ClientType = "hls"
	ClientMPEGTS ClientType = "mpegts"
)

type registration struct {
	addr       string
	clientType ClientType
}

// ClientRegistry tracks connected clients per stream. Each registration
// gets a unique token so the same address connecting twice counts twice
// and unregistering is naturally idempotent.
type ClientRegistry struct {
	mu       sync.Mutex
	byStream map[int64]map[string]registration
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		byStream: make(map[int64]map[string]registration),
	}
}

// Register records a client and returns its registration token.
func (r *ClientRegistry) Register(streamID int64, addr string, t ClientType) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	token := uuid.NewString()
	regs, ok := r.byStream[streamID]
	if !ok {
		regs = make(map[string]registration)
		r.byStream[streamID] = regs
	}
	regs[token] = registration{addr: addr, clientType: t}
	return token
}

// RegisterOnce records a client unless the same address is already
// registered for the stream with the same type. HLS players re-fetch the
// playlist every few seconds and must not inflate the client count.
func (r *ClientRegistry) RegisterOnce(streamID int64, addr string, t ClientType) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	regs, ok := r.byStream[streamID]
	if !ok {
		regs = make(map[string]registration)
		r.byStream[streamID] = regs
	}
	for token, reg := range regs {
		if reg.addr == addr && reg.clientType == t {
			return token
		}
	}
	token := uuid.NewString()
	regs[token] = registration{addr: addr, clientType: t}
	return token
}

// Unregister removes a registration. Unknown tokens are no-ops.
func (r *ClientRegistry) Unregister(streamID int64, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	regs, ok := r.byStream[streamID]
	if !ok {
		return
	}
	delete(regs, token)
	if len(regs) == 0 {
		delete(r.byStream, streamID)
	}
}

// Clear drops every registration for a stream. Called on termination.
func (r *ClientRegistry) Clear(streamID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byStream, streamID)
}

// Counts returns per-type client counts for a stream.
func (r *ClientRegistry) Counts(streamID int64) ClientCounts {
	r.mu.Lock()
	defer r.mu.Unlock()

	var c ClientCounts
	for _, reg := range r.byStream[streamID] {
		c.Total++
		switch reg.clientType {
		case ClientHLS:
			c.HLS++
		case ClientMPEGTS:
			c.MPEGTS++
		}
	}
	return c
}

// Addresses returns the distinct client addresses for a stream, sorted.
// The show-info poller probes these for a local DVR guide API.
func (r *ClientRegistry) Addresses(streamID int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{})
	for _, reg := range r.byStream[streamID] {
		seen[reg.addr] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for addr := range seen {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}
