package glgpu

import (
	"errors"
	"fmt"
	"unsafe"

	gl "github.com/go-gl/gl/v4.1-core/gl"
	"github.com/richinsley/gorenderbridge/gpu"
)

// pixelBuffer is a PIXEL_PACK_BUFFER plus the fence of its last readback.
type pixelBuffer struct {
	handle uint32
	size   int
	used   int
	sync   uintptr
}

func (p *pixelBuffer) Allocate(size int) error {
	if size <= 0 {
		return fmt.Errorf("allocate: invalid size %d", size)
	}
	if p.handle == 0 {
		gl.GenBuffers(1, &p.handle)
	}
	gl.BindBuffer(gl.PIXEL_PACK_BUFFER, p.handle)
	gl.BufferData(gl.PIXEL_PACK_BUFFER, size, nil, gl.STREAM_READ)
	gl.BindBuffer(gl.PIXEL_PACK_BUFFER, 0)
	p.size = size
	p.deleteSync()
	return nil
}

func (p *pixelBuffer) ReadPixels(tex gpu.Texture, format gpu.Format) error {
	t, ok := tex.(*Texture)
	if !ok {
		return fmt.Errorf("read pixels: %T is not a GL texture", tex)
	}
	need := format.FrameSize(t.res)
	if need > p.size {
		return fmt.Errorf("read pixels: buffer holds %d bytes, %v at %v needs %d", p.size, format, t.res, need)
	}
	_, pf, pt, err := glFormat(format)
	if err != nil {
		return fmt.Errorf("read pixels: %w", err)
	}
	fbo, err := t.Framebuffer()
	if err != nil {
		return fmt.Errorf("read pixels: %w", err)
	}

	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, fbo)
	gl.ReadBuffer(gl.COLOR_ATTACHMENT0)
	gl.BindBuffer(gl.PIXEL_PACK_BUFFER, p.handle)
	gl.PixelStorei(gl.PACK_ALIGNMENT, 1)
	// With a pack buffer bound the pointer is an offset into it.
	gl.ReadPixels(0, 0, int32(t.res.Width), int32(t.res.Height), pf, pt, nil)
	gl.PixelStorei(gl.PACK_ALIGNMENT, 4)
	gl.BindBuffer(gl.PIXEL_PACK_BUFFER, 0)
	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, 0)
	p.used = need
	return nil
}

func (p *pixelBuffer) Fence() {
	p.deleteSync()
	p.sync = gl.FenceSync(gl.SYNC_GPU_COMMANDS_COMPLETE, 0)
}

func (p *pixelBuffer) Signaled() bool {
	if p.sync == 0 {
		return false
	}
	switch gl.ClientWaitSync(p.sync, gl.SYNC_FLUSH_COMMANDS_BIT, 0) {
	case gl.ALREADY_SIGNALED, gl.CONDITION_SATISFIED:
		return true
	}
	return false
}

func (p *pixelBuffer) CopyTo(dst []byte) error {
	if len(dst) < p.used {
		return fmt.Errorf("copy: destination holds %d bytes, need %d", len(dst), p.used)
	}
	gl.BindBuffer(gl.PIXEL_PACK_BUFFER, p.handle)
	defer gl.BindBuffer(gl.PIXEL_PACK_BUFFER, 0)
	ptr := gl.MapBufferRange(gl.PIXEL_PACK_BUFFER, 0, p.used, gl.MAP_READ_BIT)
	if ptr == nil {
		return errors.New("copy: failed to map pixel buffer")
	}
	copy(dst, unsafe.Slice((*byte)(ptr), p.used))
	gl.UnmapBuffer(gl.PIXEL_PACK_BUFFER)
	return nil
}

func (p *pixelBuffer) deleteSync() {
	if p.sync != 0 {
		gl.DeleteSync(p.sync)
		p.sync = 0
	}
}

func (p *pixelBuffer) Release() {
	p.deleteSync()
	if p.handle != 0 {
		gl.DeleteBuffers(1, &p.handle)
		p.handle = 0
	}
	p.size, p.used = 0, 0
}
