package capture

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ysmood/gson"

	"github.com/tabtuner/tabtuner/internal/config"
)

// ErrCaptureActive is the browser-side rejection for starting a capture
// while another one holds the tab-capture slot. At startup-probe time or
// during setup this means the process-global slot leaked.
var ErrCaptureActive = errors.New("cannot capture a tab with an active stream")

// Page is the tab surface capture needs. *browser.Page implements it.
type Page interface {
	Eval(ctx context.Context, js string, args ...interface{}) (gson.JSON, error)
	Expose(name string, fn func(gson.JSON) (interface{}, error)) (func() error, error)
}

// Options configures one capture.
type Options struct {
	MIME               string
	VideoBitsPerSecond int
	AudioBitsPerSecond int
	FrameRate          int
	// Timeslice is the MediaRecorder chunk cadence.
	Timeslice time.Duration
}

const defaultTimeslice = 500 * time.Millisecond

// OptionsFromConfig builds capture options from streaming configuration.
func OptionsFromConfig(cfg config.StreamingConfig) Options {
	return Options{
		MIME:               MIMEForMode(cfg.CaptureMode),
		VideoBitsPerSecond: cfg.VideoBitsPerSecond.Int(),
		AudioBitsPerSecond: cfg.AudioBitsPerSecond.Int(),
		FrameRate:          cfg.FrameRate,
		Timeslice:          defaultTimeslice,
	}
}

// MIMEForMode returns the MediaRecorder container for a capture mode:
// fMP4 when the segmenter consumes the bytes directly, WebM when an
// ffmpeg transcode sits in between.
func MIMEForMode(mode string) string {
	if mode == config.CaptureModeFFmpeg {
		return "video/webm;codecs=h264,opus"
	}
	return "video/mp4;codecs=avc1,mp4a.40.2"
}

const (
	bindingName  = "__tabtunerChunk"
	recorderSlot = "__tabtunerRecorder"

	destroyTimeout = 3 * time.Second
)

// startCaptureJS begins recording the current tab and streams chunks to
// the exposed binding as base64. It throws the browser's own wording
// when a recorder already owns the tab, so slot-leak detection sees one
// error string regardless of which layer rejected the capture.
const startCaptureJS = `async (mime, videoBits, audioBits, frameRate, timesliceMs, binding) => {
	if (window.` + recorderSlot + `) {
		throw new Error('cannot capture a tab with an active stream');
	}
	const stream = await navigator.mediaDevices.getDisplayMedia({
		preferCurrentTab: true,
		selfBrowserSurface: 'include',
		video: { frameRate: { ideal: frameRate } },
		audio: { echoCancellation: false, noiseSuppression: false, autoGainControl: false },
	});
	if (!MediaRecorder.isTypeSupported(mime)) {
		stream.getTracks().forEach((t) => t.stop());
		throw new Error('unsupported capture mime: ' + mime);
	}
	const recorder = new MediaRecorder(stream, {
		mimeType: mime,
		videoBitsPerSecond: videoBits,
		audioBitsPerSecond: audioBits,
	});
	recorder.ondataavailable = async (ev) => {
		if (!ev.data || ev.data.size === 0) return;
		const bytes = new Uint8Array(await ev.data.arrayBuffer());
		let ascii = '';
		const step = 0x8000;
		for (let i = 0; i < bytes.length; i += step) {
			ascii += String.fromCharCode.apply(null, bytes.subarray(i, i + step));
		}
		window[binding](btoa(ascii));
	};
	recorder.onstop = () => stream.getTracks().forEach((t) => t.stop());
	window.` + recorderSlot + ` = { recorder, stream };
	recorder.start(timesliceMs);
	return true;
}`

// stopCaptureJS stops the recorder and its tracks and frees the slot.
const stopCaptureJS = `() => {
	const holder = window.` + recorderSlot + `;
	if (!holder) return false;
	try {
		if (holder.recorder.state !== 'inactive') holder.recorder.stop();
	} catch (e) {}
	holder.stream.getTracks().forEach((t) => { try { t.stop(); } catch (e) {} });
	delete window.` + recorderSlot + `;
	return true;
}`

// Stream is a running tab capture exposed as an io.Reader of container
// bytes. Destroy stops the recorder and closes the reader with EOF.
type Stream struct {
	page        Page
	pr          *io.PipeReader
	pw          *io.PipeWriter
	stopBinding func() error
	destroyOnce sync.Once
	logger      *slog.Logger
}

// Start begins capturing the page. The caller must hold the capture
// queue slot; Start itself does not serialize.
func Start(ctx context.Context, page Page, opts Options, logger *slog.Logger) (*Stream, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pr, pw := io.Pipe()
	s := &Stream{
		page:   page,
		pr:     pr,
		pw:     pw,
		logger: logger.With("component", "capture"),
	}

	stop, err := page.Expose(bindingName, s.onChunk)
	if err != nil {
		pw.Close()
		return nil, fmt.Errorf("exposing chunk binding: %w", err)
	}
	s.stopBinding = stop

	_, err = page.Eval(ctx, startCaptureJS,
		opts.MIME,
		opts.VideoBitsPerSecond,
		opts.AudioBitsPerSecond,
		opts.FrameRate,
		opts.Timeslice.Milliseconds(),
		bindingName,
	)
	if err != nil {
		_ = stop()
		pw.Close()
		if strings.Contains(err.Error(), "active stream") {
			return nil, ErrCaptureActive
		}
		return nil, fmt.Errorf("starting capture: %w", err)
	}

	s.logger.Debug("capture started", "mime", opts.MIME, "frame_rate", opts.FrameRate)
	return s, nil
}

// onChunk receives one base64 MediaRecorder chunk from the page.
func (s *Stream) onChunk(v gson.JSON) (interface{}, error) {
	data, err := base64.StdEncoding.DecodeString(v.Str())
	if err != nil {
		s.logger.Debug("dropping undecodable capture chunk", "error", err)
		return nil, nil
	}
	// A closed pipe means teardown is underway; the recorder stops soon.
	if _, err := s.pw.Write(data); err != nil {
		return nil, nil
	}
	return nil, nil
}

// Read returns captured container bytes, EOF after Destroy.
func (s *Stream) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

// Destroy stops the recorder and tracks in the page (best-effort; the
// page may already be gone), removes the binding, and closes the pipe.
// Idempotent. The browser releases its capture slot asynchronously
// afterwards; callers that immediately start a new capture should allow
// a short settle delay.
func (s *Stream) Destroy() {
	s.destroyOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
		defer cancel()
		if _, err := s.page.Eval(ctx, stopCaptureJS); err != nil {
			s.logger.Debug("capture stop script failed", "error", err)
		}
		if s.stopBinding != nil {
			_ = s.stopBinding()
		}
		_ = s.pw.Close()
		s.logger.Debug("capture destroyed")
	})
}
