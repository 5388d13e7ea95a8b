package mp4

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
)

// Track describes one track found in a moov box.
type Track struct {
	ID        uint32
	TimeScale uint32
	Kind      string // "video", "audio" or "" when unknown
	Codec     string // best effort, for logging
}

// MoovInfo holds the track layout extracted from an init segment's moov.
type MoovInfo struct {
	Tracks []Track
}

// ParseMoov extracts per-track timescales from a complete moov box.
// It decodes the init with mediacommon first and falls back to walking
// trak/mdia/mdhd by hand when the codec set is not one mediacommon knows,
// so timing still resolves for exotic recorder output.
func ParseMoov(moov []byte) (*MoovInfo, error) {
	if len(moov) < 8 || string(moov[4:8]) != string(BoxTypeMoov) {
		return nil, fmt.Errorf("not a moov box")
	}

	if info, err := parseMoovInit(moov); err == nil && len(info.Tracks) > 0 {
		return info, nil
	}

	info, err := parseMoovManual(moov)
	if err != nil {
		return nil, err
	}
	if len(info.Tracks) == 0 {
		return nil, fmt.Errorf("moov contains no tracks")
	}
	return info, nil
}

// Timescale returns the timescale of the given track.
func (m *MoovInfo) Timescale(trackID uint32) (uint32, bool) {
	for _, t := range m.Tracks {
		if t.ID == trackID {
			return t.TimeScale, true
		}
	}
	return 0, false
}

// VideoTrackID returns the ID of the first video track, or 0 when the
// moov has none.
func (m *MoovInfo) VideoTrackID() uint32 {
	for _, t := range m.Tracks {
		if t.Kind == "video" {
			return t.ID
		}
	}
	return 0
}

func parseMoovInit(moov []byte) (*MoovInfo, error) {
	var init fmp4.Init
	if err := init.Unmarshal(bytes.NewReader(moov)); err != nil {
		return nil, fmt.Errorf("unmarshaling init: %w", err)
	}

	info := &MoovInfo{}
	for _, track := range init.Tracks {
		t := Track{
			ID:        uint32(track.ID),
			TimeScale: track.TimeScale,
		}
		if track.Codec != nil {
			if track.Codec.IsVideo() {
				t.Kind = "video"
			} else {
				t.Kind = "audio"
			}
			t.Codec = codecName(track.Codec)
		}
		info.Tracks = append(info.Tracks, t)
	}
	return info, nil
}

func codecName(c fmp4.Codec) string {
	switch c.(type) {
	case *fmp4.CodecH264:
		return "h264"
	case *fmp4.CodecH265:
		return "h265"
	case *fmp4.CodecAV1:
		return "av1"
	case *fmp4.CodecVP9:
		return "vp9"
	case *fmp4.CodecMPEG4Audio:
		return "aac"
	case *fmp4.CodecOpus:
		return "opus"
	default:
		return fmt.Sprintf("%T", c)
	}
}

// parseMoovManual walks moov > trak > {tkhd, mdia > {mdhd, hdlr}} directly.
func parseMoovManual(moov []byte) (*MoovInfo, error) {
	info := &MoovInfo{}

	err := walkChildren(moov, 8, len(moov), func(typ string, ps, pe int) error {
		if typ != "trak" {
			return nil
		}

		var t Track

		tkhdStart, tkhdEnd, ok, err := findChild(moov, ps, pe, "tkhd")
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("trak without tkhd")
		}
		t.ID, err = parseTkhdTrackID(moov[tkhdStart:tkhdEnd])
		if err != nil {
			return err
		}

		mdiaStart, mdiaEnd, ok, err := findChild(moov, ps, pe, "mdia")
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("trak without mdia")
		}

		mdhdStart, mdhdEnd, ok, err := findChild(moov, mdiaStart, mdiaEnd, "mdhd")
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("mdia without mdhd")
		}
		t.TimeScale, err = parseMdhdTimescale(moov[mdhdStart:mdhdEnd])
		if err != nil {
			return err
		}

		if hs, he, ok, err := findChild(moov, mdiaStart, mdiaEnd, "hdlr"); err == nil && ok && he-hs >= 12 {
			switch string(moov[hs+8 : hs+12]) {
			case "vide":
				t.Kind = "video"
			case "soun":
				t.Kind = "audio"
			}
		}

		info.Tracks = append(info.Tracks, t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

func parseTkhdTrackID(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, fmt.Errorf("tkhd too short")
	}
	// Version 1 widens the creation and modification times to 64 bits,
	// pushing track_ID from offset 12 to 20.
	offset := 12
	if payload[0] == 1 {
		offset = 20
	}
	if len(payload) < offset+4 {
		return 0, fmt.Errorf("tkhd too short for version %d", payload[0])
	}
	return binary.BigEndian.Uint32(payload[offset : offset+4]), nil
}

func parseMdhdTimescale(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, fmt.Errorf("mdhd too short")
	}
	offset := 12
	if payload[0] == 1 {
		offset = 20
	}
	if len(payload) < offset+4 {
		return 0, fmt.Errorf("mdhd too short for version %d", payload[0])
	}
	return binary.BigEndian.Uint32(payload[offset : offset+4]), nil
}
