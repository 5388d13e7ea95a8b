package stream

import (
	"context"
	"testing"

	"github.com/tabtuner/tabtuner/internal/hls"
)

func registryStream(id int64, channel string) *Stream {
	st := &Stream{ID: id, Channel: channel, Store: hls.NewStore(4)}
	st.ctx, st.cancel = context.WithCancel(context.Background())
	return st
}

func TestRegistryIDsAreMonotonic(t *testing.T) {
	r := NewRegistry()
	for want := int64(1); want <= 3; want++ {
		if got := r.NextID(); got != want {
			t.Fatalf("NextID = %d, want %d", got, want)
		}
	}
}

func TestRegistrySentinelLifecycle(t *testing.T) {
	r := NewRegistry()

	if !r.MarkStarting("news") {
		t.Fatalf("MarkStarting failed on empty index")
	}
	if r.MarkStarting("news") {
		t.Fatalf("second MarkStarting succeeded")
	}
	if id, ok := r.ChannelID("news"); !ok || id != StartingID {
		t.Fatalf("ChannelID = (%d, %v), want sentinel", id, ok)
	}

	// A failed start clears the sentinel and frees the channel.
	r.ClearStarting("news")
	if _, ok := r.ChannelID("news"); ok {
		t.Fatalf("sentinel survived ClearStarting")
	}
	if !r.MarkStarting("news") {
		t.Fatalf("channel not restartable after ClearStarting")
	}

	// Commit replaces the sentinel with the real id.
	st := registryStream(7, "news")
	r.Commit(st)
	if id, ok := r.ChannelID("news"); !ok || id != 7 {
		t.Fatalf("ChannelID after commit = (%d, %v), want 7", id, ok)
	}
	if got, ok := r.Lookup(7); !ok || got != st {
		t.Fatalf("Lookup(7) missing committed stream")
	}

	// ClearStarting never removes a real id.
	r.ClearStarting("news")
	if id, ok := r.ChannelID("news"); !ok || id != 7 {
		t.Fatalf("ClearStarting removed a committed id")
	}
}

func TestRegistryDropChannelChecksOwner(t *testing.T) {
	r := NewRegistry()
	r.Commit(registryStream(1, "news"))

	// A stale terminator for a previous stream must not evict the
	// current owner.
	r.DropChannel("news", 99)
	if id, ok := r.ChannelID("news"); !ok || id != 1 {
		t.Fatalf("DropChannel with wrong id evicted the mapping")
	}

	r.DropChannel("news", 1)
	if _, ok := r.ChannelID("news"); ok {
		t.Fatalf("DropChannel with owning id left the mapping")
	}
}

func TestRegistryCountAndMemory(t *testing.T) {
	r := NewRegistry()
	if r.Count() != 0 || r.TotalMemory() != 0 {
		t.Fatalf("empty registry reports usage")
	}

	a := registryStream(1, "a")
	b := registryStream(2, "b")
	a.Store.SetInit([]byte("0123456789"))
	b.Store.AddSegment("segment0.m4s", make([]byte, 100))
	r.Commit(a)
	r.Commit(b)

	if got := r.Count(); got != 2 {
		t.Fatalf("Count = %d, want 2", got)
	}
	if got := r.TotalMemory(); got != 110 {
		t.Fatalf("TotalMemory = %d, want 110", got)
	}

	r.Delete(1)
	if got := r.Count(); got != 1 {
		t.Fatalf("Count after delete = %d, want 1", got)
	}
	if got := r.TotalMemory(); got != 100 {
		t.Fatalf("TotalMemory after delete = %d, want 100", got)
	}
}
