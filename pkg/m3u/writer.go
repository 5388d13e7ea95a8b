// Package m3u provides streaming M3U playlist writing with extended
// EXTINF metadata (tvg-* attributes) as consumed by IPTV players.
package m3u

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// Entry represents a single channel entry in an M3U playlist.
type Entry struct {
	// Duration is the track duration in seconds (-1 for live streams).
	Duration int

	// TvgID is the EPG channel identifier.
	TvgID string

	// TvgName is the display name from tvg-name attribute.
	TvgName string

	// TvgLogo is the URL to the channel logo.
	TvgLogo string

	// GroupTitle is the category/group from group-title attribute.
	GroupTitle string

	// ChannelNumber is the channel number from tvg-chno attribute.
	ChannelNumber int

	// Title is the display title from EXTINF line.
	Title string

	// URL is the stream URL.
	URL string

	// Extra contains any additional attributes, emitted in sorted key
	// order so playlists are byte-stable across requests.
	Extra map[string]string
}

// Writer provides streaming M3U playlist writing.
type Writer struct {
	w             io.Writer
	headerWritten bool
}

// NewWriter creates a new M3U writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteHeader writes the M3U header.
// This is automatically called by WriteEntry if not already written.
func (w *Writer) WriteHeader() error {
	if w.headerWritten {
		return nil
	}
	if _, err := fmt.Fprintln(w.w, "#EXTM3U"); err != nil {
		return fmt.Errorf("writing M3U header: %w", err)
	}
	w.headerWritten = true
	return nil
}

// WriteEntry writes a single channel entry to the M3U playlist.
func (w *Writer) WriteEntry(entry *Entry) error {
	if err := w.WriteHeader(); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w.w, extinfLine(entry)); err != nil {
		return fmt.Errorf("writing EXTINF: %w", err)
	}
	if _, err := fmt.Fprintln(w.w, entry.URL); err != nil {
		return fmt.Errorf("writing URL: %w", err)
	}
	return nil
}

// extinfLine builds "#EXTINF:<duration> <attributes>,<title>". The
// tvg-* attributes come first in a fixed order, then Extra keys sorted.
func extinfLine(entry *Entry) string {
	duration := entry.Duration
	if duration == 0 {
		duration = -1 // live stream
	}

	var b strings.Builder
	fmt.Fprintf(&b, "#EXTINF:%d", duration)

	writeAttr(&b, "tvg-id", entry.TvgID)
	writeAttr(&b, "tvg-name", entry.TvgName)
	writeAttr(&b, "tvg-logo", entry.TvgLogo)
	writeAttr(&b, "group-title", entry.GroupTitle)
	if entry.ChannelNumber > 0 {
		fmt.Fprintf(&b, ` tvg-chno="%d"`, entry.ChannelNumber)
	}

	if len(entry.Extra) > 0 {
		keys := make([]string, 0, len(entry.Extra))
		for k := range entry.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeAttr(&b, k, entry.Extra[k])
		}
	}

	b.WriteByte(',')
	b.WriteString(flattenBreaks.Replace(entry.Title))
	return b.String()
}

// writeAttr appends ` name="value"`, skipping empty values.
func writeAttr(b *strings.Builder, name, value string) {
	if value == "" {
		return
	}
	b.WriteByte(' ')
	b.WriteString(name)
	b.WriteString(`="`)
	b.WriteString(escapeAttr(value))
	b.WriteByte('"')
}

// flattenBreaks replaces line breaks, which would otherwise terminate
// the EXTINF line early and corrupt the playlist.
var flattenBreaks = strings.NewReplacer("\r", " ", "\n", " ")

// escapeAttr makes a string safe inside a double-quoted attribute.
func escapeAttr(s string) string {
	return strings.ReplaceAll(flattenBreaks.Replace(s), `"`, `\"`)
}
