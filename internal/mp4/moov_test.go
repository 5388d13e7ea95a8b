package mp4

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabtuner/tabtuner/internal/testutil"
)

func TestParseMoov_FromInitSegment(t *testing.T) {
	moov := testutil.MoovOf(testutil.Init())

	info, err := ParseMoov(moov)
	require.NoError(t, err)
	require.Len(t, info.Tracks, 2)

	video := info.Tracks[0]
	assert.Equal(t, uint32(testutil.VideoTrackID), video.ID)
	assert.Equal(t, uint32(testutil.VideoTimescale), video.TimeScale)
	assert.Equal(t, "video", video.Kind)
	assert.Equal(t, "h264", video.Codec)

	audio := info.Tracks[1]
	assert.Equal(t, uint32(testutil.AudioTrackID), audio.ID)
	assert.Equal(t, uint32(testutil.AudioTimescale), audio.TimeScale)
	assert.Equal(t, "audio", audio.Kind)
	assert.Equal(t, "aac", audio.Codec)
}

func TestParseMoov_FallbackWalk(t *testing.T) {
	// No sample descriptions, so the mediacommon decode fails and the
	// raw trak walk must produce the timescales.
	moov := testutil.SimpleMoov(
		testutil.MoovTrack{ID: 1, TimeScale: 90000, Handler: "vide"},
		testutil.MoovTrack{ID: 2, TimeScale: 48000, Handler: "soun"},
	)

	info, err := ParseMoov(moov)
	require.NoError(t, err)
	require.Len(t, info.Tracks, 2)

	ts, ok := info.Timescale(1)
	require.True(t, ok)
	assert.Equal(t, uint32(90000), ts)
	assert.Equal(t, "video", info.Tracks[0].Kind)

	ts, ok = info.Timescale(2)
	require.True(t, ok)
	assert.Equal(t, uint32(48000), ts)
	assert.Equal(t, "audio", info.Tracks[1].Kind)
}

func TestParseMoov_RejectsNonMoov(t *testing.T) {
	_, err := ParseMoov(testutil.Ftyp())
	assert.Error(t, err)

	_, err = ParseMoov([]byte{0, 0})
	assert.Error(t, err)
}

func TestParseMoov_NoTracks(t *testing.T) {
	moov := testutil.Box("moov", testutil.FullBox("mvhd", 0, 0, testutil.U32(1000)))
	_, err := ParseMoov(moov)
	assert.Error(t, err)
}

func TestMoovInfo_Lookups(t *testing.T) {
	info := &MoovInfo{Tracks: []Track{
		{ID: 7, TimeScale: 1000, Kind: "audio"},
		{ID: 9, TimeScale: 90000, Kind: "video"},
	}}

	ts, ok := info.Timescale(9)
	assert.True(t, ok)
	assert.Equal(t, uint32(90000), ts)

	_, ok = info.Timescale(3)
	assert.False(t, ok)

	assert.Equal(t, uint32(9), info.VideoTrackID())

	none := &MoovInfo{Tracks: []Track{{ID: 1, Kind: "audio"}}}
	assert.Equal(t, uint32(0), none.VideoTrackID())
}
