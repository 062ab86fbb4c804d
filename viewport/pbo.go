package viewport

import (
	"errors"
	"fmt"

	"github.com/richinsley/gorenderbridge/gpu"
)

var errNotReady = errors.New("pixel buffer not signaled")

// PBO copies one texture into one destination buffer without stalling the
// GPU: Setup queues the copy and a fence, Poll checks the fence, Load copies
// the finished data out.
type PBO struct {
	buf  gpu.PixelBuffer
	size int
	dst  []byte
}

func newPBO(dev gpu.Device) *PBO {
	return &PBO{buf: dev.NewPixelBuffer()}
}

// Setup queues a readback of tex as format into dst. The GPU buffer is only
// reallocated when the frame size changes.
func (p *PBO) Setup(tex gpu.Texture, format gpu.Format, dst []byte) error {
	size := format.FrameSize(tex.Resolution())
	if len(dst) < size {
		return fmt.Errorf("pbo: destination holds %d bytes, %v at %v needs %d", len(dst), format, tex.Resolution(), size)
	}
	if size != p.size {
		if err := p.buf.Allocate(size); err != nil {
			return fmt.Errorf("pbo: %w", err)
		}
		p.size = size
	}
	if err := p.buf.ReadPixels(tex, format); err != nil {
		return fmt.Errorf("pbo: %w", err)
	}
	p.buf.Fence()
	p.dst = dst[:size]
	return nil
}

// Poll reports whether the queued readback has completed.
func (p *PBO) Poll() bool { return p.buf.Signaled() }

// Load copies the completed readback into the destination.
func (p *PBO) Load() error {
	if !p.Poll() {
		return errNotReady
	}
	if err := p.buf.CopyTo(p.dst); err != nil {
		return fmt.Errorf("pbo: %w", err)
	}
	return nil
}

// Release frees the GPU buffer.
func (p *PBO) Release() {
	p.buf.Release()
	p.size = 0
	p.dst = nil
}

// pboPool is an arena of PBOs addressed by slot with a free list, so sets can
// move between in-flight and free without reallocating GPU buffers.
type pboPool struct {
	dev  gpu.Device
	pbos []*PBO
	free []int
}

func (p *pboPool) get() int {
	if n := len(p.free); n > 0 {
		slot := p.free[n-1]
		p.free = p.free[:n-1]
		return slot
	}
	p.pbos = append(p.pbos, newPBO(p.dev))
	return len(p.pbos) - 1
}

func (p *pboPool) put(slot int) { p.free = append(p.free, slot) }

func (p *pboPool) at(slot int) *PBO { return p.pbos[slot] }

func (p *pboPool) len() int { return len(p.pbos) }

func (p *pboPool) idle() int { return len(p.free) }

func (p *pboPool) release() {
	for _, pbo := range p.pbos {
		pbo.Release()
	}
	p.pbos, p.free = nil, nil
}

// pboSet is the group of PBOs holding one sample's outputs.
type pboSet struct {
	slots  []int
	res    gpu.Resolution
	final  bool
	epoch  uint64
	issued uint64
}
