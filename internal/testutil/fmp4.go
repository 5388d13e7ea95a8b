// Package testutil builds fragmented MP4 fixtures for tests: init
// segments, moof/mdat pairs and deliberately malformed boxes.
package testutil

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
)

// Track IDs and timescales used by Init and the fragment builders.
const (
	VideoTrackID    = 1
	VideoTimescale  = 90000
	AudioTrackID    = 2
	AudioTimescale  = 44100
	SamplesPerTrun  = 30
	VideoSampleDur  = 3000 // 90000/30fps
	SyncSampleFlags = 0x02000000
	NonSyncFlags    = 0x01010000
)

// testSPS is a 1920x1080 baseline H264 sequence parameter set.
var testSPS = []byte{
	0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
	0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
	0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9, 0x20,
}

var testPPS = []byte{0x08, 0x06, 0x07, 0x08}

// Box assembles an MP4 box with a 32-bit size header.
func Box(typ string, parts ...[]byte) []byte {
	payload := bytes.Join(parts, nil)
	out := make([]byte, 8, 8+len(payload))
	binary.BigEndian.PutUint32(out[0:4], uint32(8+len(payload)))
	copy(out[4:8], typ)
	return append(out, payload...)
}

// WideBox assembles a box with a 64-bit extended size header.
func WideBox(typ string, parts ...[]byte) []byte {
	payload := bytes.Join(parts, nil)
	out := make([]byte, 16, 16+len(payload))
	binary.BigEndian.PutUint32(out[0:4], 1)
	copy(out[4:8], typ)
	binary.BigEndian.PutUint64(out[8:16], uint64(16+len(payload)))
	return append(out, payload...)
}

// FullBox assembles a box with a version byte and 24-bit flags.
func FullBox(typ string, version byte, flags uint32, parts ...[]byte) []byte {
	head := []byte{version, byte(flags >> 16), byte(flags >> 8), byte(flags)}
	return Box(typ, append([][]byte{head}, parts...)...)
}

// U32 encodes v big-endian.
func U32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// U64 encodes v big-endian.
func U64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// Ftyp returns a minimal ftyp box.
func Ftyp() []byte {
	return Box("ftyp", []byte("iso5"), U32(512), []byte("iso5"), []byte("mp41"))
}

// Init returns a complete ftyp+moov init segment with an H264 video track
// (ID 1, timescale 90000) and an AAC audio track (ID 2, timescale 44100).
func Init() []byte {
	init := fmp4.Init{
		Tracks: []*fmp4.InitTrack{
			{
				ID:        VideoTrackID,
				TimeScale: VideoTimescale,
				Codec: &fmp4.CodecH264{
					SPS: testSPS,
					PPS: testPPS,
				},
			},
			{
				ID:        AudioTrackID,
				TimeScale: AudioTimescale,
				Codec: &fmp4.CodecMPEG4Audio{
					Config: mpeg4audio.AudioSpecificConfig{
						Type:         mpeg4audio.ObjectTypeAACLC,
						SampleRate:   AudioTimescale,
						ChannelCount: 2,
					},
				},
			},
		},
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		panic(fmt.Sprintf("marshaling test init: %v", err))
	}
	return buf.Bytes()
}

// MoovOf returns the moov box contained in an init segment.
func MoovOf(init []byte) []byte {
	pos := 0
	for pos+8 <= len(init) {
		size := int(binary.BigEndian.Uint32(init[pos : pos+4]))
		if string(init[pos+4:pos+8]) == "moov" {
			return init[pos : pos+size]
		}
		pos += size
	}
	panic("init segment has no moov")
}

// MoovTrack describes one track for SimpleMoov.
type MoovTrack struct {
	ID        uint32
	TimeScale uint32
	Handler   string // "vide" or "soun"
}

// SimpleMoov hand-assembles a moov with tkhd/mdhd/hdlr per track and no
// sample descriptions, for exercising parsers that walk the raw boxes.
func SimpleMoov(tracks ...MoovTrack) []byte {
	var traks [][]byte
	for _, t := range tracks {
		tkhd := FullBox("tkhd", 0, 7, U32(0), U32(0), U32(t.ID), U32(0), U32(0))
		mdhd := FullBox("mdhd", 0, 0, U32(0), U32(0), U32(t.TimeScale), U32(0), U32(0))
		hdlr := FullBox("hdlr", 0, 0, U32(0), []byte(t.Handler), U32(0), U32(0), U32(0), []byte{0})
		mdia := Box("mdia", mdhd, hdlr)
		traks = append(traks, Box("trak", tkhd, mdia))
	}
	mvhd := FullBox("mvhd", 0, 0, U32(0), U32(0), U32(1000), U32(0))
	return Box("moov", append([][]byte{mvhd}, traks...)...)
}

// Traf describes one track fragment for Moof.
type Traf struct {
	TrackID     uint32
	TfdtVersion byte
	BaseTime    uint64

	// Durations lists per-sample durations. When nil, the trun carries no
	// durations and SampleCount samples fall back to DefaultDuration.
	Durations       []uint32
	SampleCount     uint32
	DefaultDuration uint32

	// SampleFlags lists per-sample flags; it must match the sample count
	// when set. FirstSampleFlags and DefaultFlags populate the trun and
	// tfhd fallbacks.
	SampleFlags      []uint32
	FirstSampleFlags *uint32
	DefaultFlags     *uint32
}

func (tr Traf) sampleCount() uint32 {
	if tr.Durations != nil {
		return uint32(len(tr.Durations))
	}
	return tr.SampleCount
}

func (tr Traf) build() []byte {
	tfhdFlags := uint32(0)
	var tfhdFields [][]byte
	if tr.DefaultDuration != 0 {
		tfhdFlags |= 0x000008
		tfhdFields = append(tfhdFields, U32(tr.DefaultDuration))
	}
	if tr.DefaultFlags != nil {
		tfhdFlags |= 0x000020
		tfhdFields = append(tfhdFields, U32(*tr.DefaultFlags))
	}
	tfhd := FullBox("tfhd", 0, tfhdFlags, append([][]byte{U32(tr.TrackID)}, tfhdFields...)...)

	var tfdt []byte
	if tr.TfdtVersion == 1 {
		tfdt = FullBox("tfdt", 1, 0, U64(tr.BaseTime))
	} else {
		tfdt = FullBox("tfdt", 0, 0, U32(uint32(tr.BaseTime)))
	}

	count := tr.sampleCount()
	trunFlags := uint32(0)
	var trunFields [][]byte
	if tr.FirstSampleFlags != nil {
		trunFlags |= 0x000004
		trunFields = append(trunFields, U32(*tr.FirstSampleFlags))
	}
	if tr.Durations != nil {
		trunFlags |= 0x000100
	}
	if tr.SampleFlags != nil {
		trunFlags |= 0x000400
	}
	for i := uint32(0); i < count; i++ {
		if tr.Durations != nil {
			trunFields = append(trunFields, U32(tr.Durations[i]))
		}
		if tr.SampleFlags != nil {
			trunFields = append(trunFields, U32(tr.SampleFlags[i]))
		}
	}
	trun := FullBox("trun", 0, trunFlags, append([][]byte{U32(count)}, trunFields...)...)

	return Box("traf", tfhd, tfdt, trun)
}

// Moof assembles a moof with the given sequence number and trafs.
func Moof(seq uint32, trafs ...Traf) []byte {
	parts := [][]byte{FullBox("mfhd", 0, 0, U32(seq))}
	for _, tr := range trafs {
		parts = append(parts, tr.build())
	}
	return Box("moof", parts...)
}

// Mdat returns an mdat box with n payload bytes.
func Mdat(n int) []byte {
	return Box("mdat", bytes.Repeat([]byte{0xAA}, n))
}

// Fragment returns a moof immediately followed by an mdat of mdatSize
// payload bytes.
func Fragment(seq uint32, mdatSize int, trafs ...Traf) []byte {
	return append(Moof(seq, trafs...), Mdat(mdatSize)...)
}

// VideoTraf returns a traf for the video track: samples per-sample
// durations summing to durTicks, first sample marked sync or not.
func VideoTraf(baseTime uint64, durTicks uint64, sync bool) Traf {
	durations := splitTicks(durTicks, SamplesPerTrun)
	flags := make([]uint32, SamplesPerTrun)
	for i := range flags {
		flags[i] = NonSyncFlags
	}
	if sync {
		flags[0] = SyncSampleFlags
	}
	return Traf{
		TrackID:     VideoTrackID,
		TfdtVersion: 1,
		BaseTime:    baseTime,
		Durations:   durations,
		SampleFlags: flags,
	}
}

// AudioTraf returns a traf for the audio track with a default duration.
func AudioTraf(baseTime uint64, durTicks uint64) Traf {
	count := uint32(SamplesPerTrun)
	return Traf{
		TrackID:         AudioTrackID,
		TfdtVersion:     1,
		BaseTime:        baseTime,
		SampleCount:     count,
		DefaultDuration: uint32(durTicks / uint64(count)),
	}
}

func splitTicks(total uint64, n int) []uint32 {
	out := make([]uint32, n)
	base := total / uint64(n)
	rem := total - base*uint64(n)
	for i := range out {
		out[i] = uint32(base)
	}
	out[n-1] += uint32(rem)
	return out
}
