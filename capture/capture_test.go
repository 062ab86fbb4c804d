package capture

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/richinsley/gorenderbridge/gpu"
	"github.com/richinsley/gorenderbridge/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(id int, seq uint64, format gpu.Format) Frame {
	res := gpu.Resolution{Width: 4, Height: 2}
	return Frame{ViewportID: id, Seq: seq, Resolution: res, Format: format, Pixels: make([]byte, format.FrameSize(res))}
}

func TestArgs(t *testing.T) {
	in, out, err := Args(frame(0, 1, gpu.FormatRGBA32F))
	require.NoError(t, err)
	assert.Equal(t, "rawvideo", in["f"])
	assert.Equal(t, "rgbaf32le", in["pix_fmt"])
	assert.Equal(t, "4x2", in["s"])
	assert.Equal(t, "vflip", out["vf"])
	assert.Equal(t, "rgba64be", out["pix_fmt"])

	_, out, err = Args(frame(1, 1, gpu.FormatRGBA8))
	require.NoError(t, err)
	assert.NotContains(t, out, "pix_fmt")

	_, _, err = Args(frame(1, 1, gpu.Format(99)))
	assert.Error(t, err)
}

func TestWriterEncodesInOrder(t *testing.T) {
	dir := t.TempDir()
	var mu sync.Mutex
	var paths []string
	w := NewWriterFunc(dir, func(f Frame, path string) error {
		mu.Lock()
		defer mu.Unlock()
		paths = append(paths, path)
		if f.Seq == 3 {
			return errors.New("disk full")
		}
		return nil
	}, logging.Discard())

	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, w.Capture(frame(2, seq, gpu.FormatRGBA16F)))
	}
	err := w.Close()
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, []string{
		filepath.Join(dir, "viewport2_000001.png"),
		filepath.Join(dir, "viewport2_000002.png"),
		filepath.Join(dir, "viewport2_000003.png"),
	}, paths)

	assert.ErrorIs(t, w.Capture(frame(2, 4, gpu.FormatRGBA8)), ErrClosed)
}

func TestWriterRejectsShortFrames(t *testing.T) {
	w := NewWriterFunc(t.TempDir(), func(Frame, string) error { return nil }, logging.Discard())
	defer w.Close()
	f := frame(1, 1, gpu.FormatRGBA8)
	f.Pixels = f.Pixels[:3]
	assert.Error(t, w.Capture(f))
}
