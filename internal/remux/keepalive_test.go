package remux

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/asticode/go-astits"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) {
	return 0, errors.New("sink closed")
}

func TestKeepaliveEmitsValidTables(t *testing.T) {
	var buf bytes.Buffer
	k := StartKeepalive(&buf, time.Hour, nil)
	k.Stop()

	if buf.Len() == 0 {
		t.Fatal("no keepalive bytes written before first tick")
	}
	if buf.Len()%188 != 0 {
		t.Fatalf("wrote %d bytes, not a multiple of the TS packet size", buf.Len())
	}
	if buf.Bytes()[0] != 0x47 {
		t.Fatalf("first byte = %#x, want TS sync byte 0x47", buf.Bytes()[0])
	}

	dem := astits.NewDemuxer(context.Background(), bytes.NewReader(buf.Bytes()))
	var sawPAT, sawPMT bool
	for i := 0; i < 16 && !(sawPAT && sawPMT); i++ {
		data, err := dem.NextData()
		if err != nil {
			break
		}
		if data.PAT != nil {
			sawPAT = true
			if len(data.PAT.Programs) != 1 {
				t.Errorf("PAT has %d programs, want 1", len(data.PAT.Programs))
			}
		}
		if data.PMT != nil {
			sawPMT = true
			if data.PMT.PCRPID != VideoPID {
				t.Errorf("PCR PID = %d, want %d", data.PMT.PCRPID, VideoPID)
			}
			pids := map[uint16]astits.StreamType{}
			for _, es := range data.PMT.ElementaryStreams {
				pids[es.ElementaryPID] = es.StreamType
			}
			if pids[VideoPID] != astits.StreamTypeH264Video {
				t.Errorf("PID %d stream type = %v, want H264", VideoPID, pids[VideoPID])
			}
			if pids[AudioPID] != astits.StreamTypeAACAudio {
				t.Errorf("PID %d stream type = %v, want AAC", AudioPID, pids[AudioPID])
			}
		}
	}
	if !sawPAT {
		t.Error("demuxer found no PAT")
	}
	if !sawPMT {
		t.Error("demuxer found no PMT")
	}
}

func TestKeepaliveRepeatsTables(t *testing.T) {
	var buf syncBuffer
	k := StartKeepalive(&buf, 5*time.Millisecond, nil)

	deadline := time.Now().Add(2 * time.Second)
	first := -1
	for time.Now().Before(deadline) {
		n := buf.Len()
		if first == -1 && n > 0 {
			first = n
		}
		if first > 0 && n > first {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	k.Stop()

	if first <= 0 || buf.Len() <= first {
		t.Fatalf("tables not repeated: first=%d total=%d", first, buf.Len())
	}
}

func TestKeepaliveStopIsIdempotent(t *testing.T) {
	var buf bytes.Buffer
	k := StartKeepalive(&buf, time.Hour, nil)
	k.Stop()
	k.Stop()
}

func TestKeepaliveStopAfterWriterFailure(t *testing.T) {
	k := StartKeepalive(failWriter{}, time.Hour, nil)

	done := make(chan struct{})
	go func() {
		k.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop hung after writer failure")
	}
}
