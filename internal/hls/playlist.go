package hls

import (
	"fmt"
	"math"
	"strings"
)

// PlaylistEntry is one media segment in the playlist window.
type PlaylistEntry struct {
	Index         int
	Duration      float64
	Discontinuity bool
}

// SegmentName returns the published filename for a segment index.
func SegmentName(index int) string {
	return fmt.Sprintf("segment%d.m4s", index)
}

// InitName is the published filename of the init segment.
const InitName = "init.mp4"

// RenderPlaylist produces a live media playlist over the given window.
// The declared target duration never falls below the configured value or
// any EXTINF in the window. The init map is re-emitted after every
// discontinuity so clients reload decoder parameters.
func RenderPlaylist(entries []PlaylistEntry, initVersion, targetDurationSec int) string {
	target := targetDurationSec
	for _, e := range entries {
		if d := int(math.Ceil(e.Duration)); d > target {
			target = d
		}
	}

	mediaSequence := 0
	if len(entries) > 0 {
		mediaSequence = entries[0].Index
	}

	mapLine := fmt.Sprintf("#EXT-X-MAP:URI=\"%s?v=%d\"", InitName, initVersion)

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:7\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", target)
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", mediaSequence)
	b.WriteString(mapLine)
	b.WriteByte('\n')

	for _, e := range entries {
		if e.Discontinuity {
			b.WriteString("#EXT-X-DISCONTINUITY\n")
			b.WriteString(mapLine)
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", e.Duration)
		b.WriteString(SegmentName(e.Index))
		b.WriteByte('\n')
	}

	return b.String()
}
