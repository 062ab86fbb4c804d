// Package capture writes frames delivered by the worker to image files by
// piping raw pixels through ffmpeg.
package capture

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/richinsley/gorenderbridge/gpu"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// ErrClosed is returned by Capture after Close.
var ErrClosed = errors.New("capture: closed")

const queueSize = 8

// Frame is one captured frame. Pixels are owned by the frame.
type Frame struct {
	ViewportID int
	Seq        uint64
	Resolution gpu.Resolution
	Format     gpu.Format
	Pixels     []byte
}

// Capturer accepts frames without blocking the render loop.
type Capturer interface {
	Capture(f Frame) error
	Close() error
}

// EncodeFunc writes one frame to path.
type EncodeFunc func(f Frame, path string) error

// Writer encodes frames on its own goroutine, one file per frame.
type Writer struct {
	dir    string
	encode EncodeFunc
	log    *slog.Logger

	frames chan Frame
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	errs   []error
}

// NewWriter starts a writer that stores frames in dir using the ffmpeg at
// ffmpegPath (empty means the one on PATH).
func NewWriter(dir, ffmpegPath string, log *slog.Logger) *Writer {
	return NewWriterFunc(dir, FFmpegEncoder(ffmpegPath), log)
}

// NewWriterFunc starts a writer with a custom encoder.
func NewWriterFunc(dir string, encode EncodeFunc, log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	w := &Writer{
		dir:    dir,
		encode: encode,
		log:    log,
		frames: make(chan Frame, queueSize),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

// FileName returns the file a frame is written to.
func FileName(f Frame) string {
	return fmt.Sprintf("viewport%d_%06d.png", f.ViewportID, f.Seq)
}

func (w *Writer) run() {
	defer close(w.done)
	for f := range w.frames {
		path := filepath.Join(w.dir, FileName(f))
		if err := w.encode(f, path); err != nil {
			w.log.Error("capture failed", "viewport", f.ViewportID, "seq", f.Seq, "err", err)
			w.mu.Lock()
			w.errs = append(w.errs, err)
			w.mu.Unlock()
			continue
		}
		w.log.Info("captured frame", "path", path, "resolution", f.Resolution.String())
	}
}

// Capture queues f. A full queue drops the frame with an error.
func (w *Writer) Capture(f Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if len(f.Pixels) < f.Format.FrameSize(f.Resolution) {
		return fmt.Errorf("capture: %d bytes for a %v %v frame", len(f.Pixels), f.Resolution, f.Format)
	}
	select {
	case w.frames <- f:
		return nil
	default:
		return fmt.Errorf("capture: queue full, dropping viewport %d frame %d", f.ViewportID, f.Seq)
	}
}

// Close waits for queued frames and returns the encode errors seen.
func (w *Writer) Close() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.frames)
	}
	w.mu.Unlock()
	<-w.done

	w.mu.Lock()
	defer w.mu.Unlock()
	return errors.Join(w.errs...)
}

// PixelFormat returns the ffmpeg raw pixel format of f.
func PixelFormat(f gpu.Format) (string, error) {
	switch f {
	case gpu.FormatRGBA8:
		return "rgba", nil
	case gpu.FormatRGBA16F:
		return "rgbaf16le", nil
	case gpu.FormatRGBA32F:
		return "rgbaf32le", nil
	case gpu.FormatR32F:
		return "grayf32le", nil
	}
	return "", fmt.Errorf("capture: no pixel format for %v", f)
}

// Args returns the ffmpeg input and output arguments for f. Readback rows
// are bottom-up, so the image is flipped.
func Args(f Frame) (in, out ffmpeg.KwArgs, err error) {
	pixFmt, err := PixelFormat(f.Format)
	if err != nil {
		return nil, nil, err
	}
	in = ffmpeg.KwArgs{
		"f":       "rawvideo",
		"pix_fmt": pixFmt,
		"s":       fmt.Sprintf("%dx%d", f.Resolution.Width, f.Resolution.Height),
	}
	out = ffmpeg.KwArgs{
		"frames:v": 1,
		"vf":       "vflip",
	}
	if f.Format != gpu.FormatRGBA8 {
		out["pix_fmt"] = "rgba64be"
	}
	return in, out, nil
}

// FFmpegEncoder returns an EncodeFunc running ffmpeg once per frame.
func FFmpegEncoder(ffmpegPath string) EncodeFunc {
	return func(f Frame, path string) error {
		in, out, err := Args(f)
		if err != nil {
			return err
		}
		var stderr bytes.Buffer
		cmd := ffmpeg.Input("pipe:", in).
			Output(path, out).
			OverWriteOutput().
			WithInput(bytes.NewReader(f.Pixels[:f.Format.FrameSize(f.Resolution)])).
			WithErrorOutput(&stderr)
		if ffmpegPath != "" {
			cmd = cmd.SetFfmpegPath(ffmpegPath)
		}
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("ffmpeg %s: %w: %s", path, err, lastLine(stderr.String()))
		}
		return nil
	}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
