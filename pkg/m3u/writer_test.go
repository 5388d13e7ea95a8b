package m3u

import (
	"fmt"
	"strings"
	"testing"
)

func TestWriter_Header(t *testing.T) {
	var buf strings.Builder
	w := NewWriter(&buf)

	if err := w.WriteHeader(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Repeated calls must not duplicate the header.
	if err := w.WriteHeader(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if buf.String() != "#EXTM3U\n" {
		t.Errorf("expected bare header, got %q", buf.String())
	}
}

func TestWriter_EntryWithAttributes(t *testing.T) {
	var buf strings.Builder
	w := NewWriter(&buf)

	err := w.WriteEntry(&Entry{
		TvgID:         "channel1",
		TvgName:       "Channel One",
		TvgLogo:       "http://example.com/logo.png",
		GroupTitle:    "News",
		ChannelNumber: 42,
		Title:         "Channel 1 HD",
		URL:           "http://example.com/stream1.m3u8",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "#EXTM3U\n" +
		`#EXTINF:-1 tvg-id="channel1" tvg-name="Channel One" tvg-logo="http://example.com/logo.png" group-title="News" tvg-chno="42",Channel 1 HD` + "\n" +
		"http://example.com/stream1.m3u8\n"
	if buf.String() != want {
		t.Errorf("output mismatch:\ngot:  %q\nwant: %q", buf.String(), want)
	}
}

func TestWriter_EntryWithoutAttributes(t *testing.T) {
	var buf strings.Builder
	w := NewWriter(&buf)

	err := w.WriteEntry(&Entry{
		Title: "Plain Channel",
		URL:   "http://example.com/plain.m3u8",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "#EXTM3U\n#EXTINF:-1,Plain Channel\nhttp://example.com/plain.m3u8\n"
	if buf.String() != want {
		t.Errorf("output mismatch:\ngot:  %q\nwant: %q", buf.String(), want)
	}
}

func TestWriter_HeaderWrittenOnce(t *testing.T) {
	var buf strings.Builder
	w := NewWriter(&buf)

	for i := 1; i <= 3; i++ {
		err := w.WriteEntry(&Entry{
			TvgID:         fmt.Sprintf("ch%d", i),
			ChannelNumber: i,
			Title:         fmt.Sprintf("Channel %d", i),
			URL:           fmt.Sprintf("http://example.com/ch%d.m3u8", i),
		})
		if err != nil {
			t.Fatalf("entry %d: unexpected error: %v", i, err)
		}
	}

	out := buf.String()
	if got := strings.Count(out, "#EXTM3U"); got != 1 {
		t.Errorf("expected 1 header, got %d", got)
	}
	if got := strings.Count(out, "#EXTINF:"); got != 3 {
		t.Errorf("expected 3 entries, got %d", got)
	}
	if !strings.HasPrefix(out, "#EXTM3U\n") {
		t.Errorf("header must come first, got %q", out[:20])
	}
}

func TestWriter_PositiveDuration(t *testing.T) {
	var buf strings.Builder
	w := NewWriter(&buf)

	err := w.WriteEntry(&Entry{
		Duration: 1800,
		Title:    "Recorded Show",
		URL:      "http://example.com/vod.m3u8",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(buf.String(), "#EXTINF:1800,Recorded Show") {
		t.Errorf("expected positive duration preserved, got %q", buf.String())
	}
}

func TestWriter_EscapesQuotes(t *testing.T) {
	var buf strings.Builder
	w := NewWriter(&buf)

	err := w.WriteEntry(&Entry{
		TvgName: `The "Best" Channel`,
		Title:   "Quoted",
		URL:     "http://example.com/q.m3u8",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(buf.String(), `tvg-name="The \"Best\" Channel"`) {
		t.Errorf("expected escaped quotes, got %q", buf.String())
	}
}

func TestWriter_ExtraAttributes(t *testing.T) {
	var buf strings.Builder
	w := NewWriter(&buf)

	err := w.WriteEntry(&Entry{
		Title: "Extra",
		URL:   "http://example.com/x.m3u8",
		Extra: map[string]string{"timeshift": "120", "catchup": "shift"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Extra keys are emitted in sorted order so output is byte-stable.
	if !strings.Contains(buf.String(), `catchup="shift" timeshift="120"`) {
		t.Errorf("expected sorted extra attributes, got %q", buf.String())
	}
}

func TestWriter_FlattensLineBreaks(t *testing.T) {
	var buf strings.Builder
	w := NewWriter(&buf)

	err := w.WriteEntry(&Entry{
		TvgName: "Line\nBroken",
		Title:   "Multi\r\nLine Title",
		URL:     "http://example.com/b.m3u8",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, `tvg-name="Line Broken"`) {
		t.Errorf("expected flattened attribute, got %q", out)
	}
	if !strings.Contains(out, ",Multi  Line Title\n") {
		t.Errorf("expected flattened title, got %q", out)
	}
	// Exactly three lines: header, EXTINF, URL.
	if got := strings.Count(out, "\n"); got != 3 {
		t.Errorf("expected 3 lines, got %d in %q", got, out)
	}
}

// errWriter fails after n successful writes.
type errWriter struct {
	n   int
	err error
}

func (w *errWriter) Write(p []byte) (int, error) {
	if w.n <= 0 {
		return 0, w.err
	}
	w.n--
	return len(p), nil
}

func TestWriter_PropagatesWriteErrors(t *testing.T) {
	sink := &errWriter{n: 0, err: fmt.Errorf("pipe closed")}
	w := NewWriter(sink)

	if err := w.WriteHeader(); err == nil {
		t.Fatal("expected header write error")
	}

	// Header succeeded, EXTINF line fails.
	sink = &errWriter{n: 1, err: fmt.Errorf("pipe closed")}
	w = NewWriter(sink)
	err := w.WriteEntry(&Entry{Title: "x", URL: "http://example.com/x"})
	if err == nil {
		t.Fatal("expected entry write error")
	}
	if !strings.Contains(err.Error(), "EXTINF") {
		t.Errorf("expected EXTINF in error, got %v", err)
	}
}
