// Package remux spawns and supervises the ffmpeg subprocesses that bridge
// container formats: the per-connection fMP4 to MPEG-TS copy remux serving
// transport-stream clients, and the WebM to fMP4 transcode that feeds the
// segmenter when the capture runs in ffmpeg mode.
package remux

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
)

// Command is a fully built remuxer invocation.
type Command struct {
	Binary string
	Args   []string
}

// String renders the invocation for logs.
func (c Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// Builder assembles ffmpeg argument lists. Input is always pipe:0 and
// output pipe:1; the remuxers never touch the filesystem.
type Builder struct {
	binary     string
	logLevel   string
	inputArgs  []string
	outputArgs []string
	extraErr   error
}

// NewBuilder creates a builder for the given ffmpeg binary.
func NewBuilder(binary string) *Builder {
	return &Builder{
		binary:   binary,
		logLevel: "error",
	}
}

// LogLevel overrides the ffmpeg log level.
func (b *Builder) LogLevel(level string) *Builder {
	b.logLevel = level
	return b
}

// InputArgs appends arguments placed before -i.
func (b *Builder) InputArgs(args ...string) *Builder {
	b.inputArgs = append(b.inputArgs, args...)
	return b
}

// OutputArgs appends arguments placed after -i.
func (b *Builder) OutputArgs(args ...string) *Builder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// CopyCodecs copies every stream without re-encoding.
func (b *Builder) CopyCodecs() *Builder {
	return b.OutputArgs("-c", "copy")
}

// CopyVideo copies the video stream while leaving audio handling to a
// later call.
func (b *Builder) CopyVideo() *Builder {
	return b.OutputArgs("-c:v", "copy")
}

// TranscodeAudio re-encodes audio with the given codec and bitrate.
func (b *Builder) TranscodeAudio(codec string, bitsPerSecond int) *Builder {
	b.OutputArgs("-c:a", codec)
	if bitsPerSecond > 0 {
		b.OutputArgs("-b:a", strconv.Itoa(bitsPerSecond))
	}
	return b
}

// MpegTSArgs configures the MPEG-TS muxer for live delivery: original
// timestamps preserved, PAT/PMT resent ahead of every keyframe, PIDs
// aligned with the startup keepalive tables.
func (b *Builder) MpegTSArgs() *Builder {
	return b.OutputArgs(
		"-f", "mpegts",
		"-mpegts_copyts", "1",
		"-avoid_negative_ts", "disabled",
		"-mpegts_start_pid", "256",
		"-mpegts_pmt_start_pid", "4096",
		"-mpegts_flags", "resend_headers+initial_discontinuity",
		"-muxdelay", "0",
		"-muxpreload", "0",
		"-flush_packets", "1",
	)
}

// FMP4Args configures the fragmented MP4 muxer for live segmenter input.
// frag_duration is the primary fragmentation control; keyframe-aligned
// fragments would be far too small at short GOPs.
func (b *Builder) FMP4Args(fragDuration time.Duration) *Builder {
	b.OutputArgs(
		"-f", "mp4",
		"-movflags", "empty_moov+default_base_moof+skip_trailer",
	)
	if fragDuration > 0 {
		b.OutputArgs("-frag_duration", strconv.Itoa(int(fragDuration.Microseconds())))
	}
	return b
}

// ExtraOutputArgs splits a shell-quoted option string and appends it to
// the output arguments. A malformed string fails the eventual Build.
func (b *Builder) ExtraOutputArgs(opts string) *Builder {
	if opts == "" {
		return b
	}
	args, err := shellquote.Split(opts)
	if err != nil {
		b.extraErr = fmt.Errorf("parsing extra ffmpeg args %q: %w", opts, err)
		return b
	}
	return b.OutputArgs(args...)
}

// Build assembles the final invocation.
func (b *Builder) Build() (Command, error) {
	if b.extraErr != nil {
		return Command{}, b.extraErr
	}
	args := []string{"-hide_banner", "-loglevel", b.logLevel}
	args = append(args, b.inputArgs...)
	args = append(args, "-i", "pipe:0")
	args = append(args, b.outputArgs...)
	args = append(args, "pipe:1")
	return Command{Binary: b.binary, Args: args}, nil
}

// MpegTSCopy builds the per-connection fMP4 to MPEG-TS copy remux.
func MpegTSCopy(binary, extraArgs string) (Command, error) {
	return NewBuilder(binary).
		InputArgs("-fflags", "+genpts+igndts").
		CopyCodecs().
		MpegTSArgs().
		ExtraOutputArgs(extraArgs).
		Build()
}

// WebMToFMP4 builds the capture-side transcode: video copied, audio
// re-encoded to AAC, fragmented MP4 out. Browser WebM audio (opus) has no
// fMP4 pass-through players reliably accept, so audio always transcodes.
func WebMToFMP4(binary string, audioBitsPerSecond int, fragDuration time.Duration, extraArgs string) (Command, error) {
	return NewBuilder(binary).
		InputArgs("-fflags", "+genpts").
		CopyVideo().
		TranscodeAudio("aac", audioBitsPerSecond).
		FMP4Args(fragDuration).
		ExtraOutputArgs(extraArgs).
		Build()
}
