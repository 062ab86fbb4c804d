// Package softgpu is a CPU implementation of gpu.Device. Readback is an
// immediate copy, but fences only signal after a configurable number of polls
// so asynchronous readback paths behave as they do on a real GPU.
package softgpu

import (
	"errors"
	"fmt"
	"sync"

	"github.com/richinsley/gorenderbridge/gpu"
)

// Device is a CPU gpu.Device.
type Device struct {
	mu           sync.Mutex
	fenceLatency int
	hold         bool
	reads        int
	live         int
}

// New returns a device whose fences signal on the first poll.
func New() *Device {
	return &Device{}
}

// SetFenceLatency sets how many Signaled polls report false before a fence
// signals.
func (d *Device) SetFenceLatency(n int) {
	d.mu.Lock()
	d.fenceLatency = n
	d.mu.Unlock()
}

// HoldFences stops (or resumes) every fence from signalling.
func (d *Device) HoldFences(hold bool) {
	d.mu.Lock()
	d.hold = hold
	d.mu.Unlock()
}

// Reads returns how many readbacks have been queued.
func (d *Device) Reads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}

// LiveBuffers returns the number of pixel buffers not yet released.
func (d *Device) LiveBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

// Texture holds RGBA float pixels, bottom row first like GL.
type Texture struct {
	res      gpu.Resolution
	format   gpu.Format
	pix      []float32
	released bool
}

// NewTexture wraps RGBA float pixels. pix may be nil for a cleared texture.
func NewTexture(res gpu.Resolution, format gpu.Format, pix []float32) *Texture {
	if pix == nil {
		pix = make([]float32, res.Pixels()*4)
	}
	return &Texture{res: res, format: format, pix: pix}
}

func (t *Texture) Resolution() gpu.Resolution { return t.res }
func (t *Texture) Format() gpu.Format         { return t.format }
func (t *Texture) Release()                   { t.released = true }

// Released reports whether Release was called.
func (t *Texture) Released() bool { return t.released }

// Pixels exposes the RGBA float storage.
func (t *Texture) Pixels() []float32 { return t.pix }

// Fill sets every pixel to c.
func (t *Texture) Fill(c [4]float32) {
	for i := 0; i < len(t.pix); i += 4 {
		copy(t.pix[i:i+4], c[:])
	}
}

type pixelBuffer struct {
	dev      *Device
	data     []byte
	used     int
	fenced   bool
	signaled bool
	polls    int
	released bool
}

func (d *Device) NewPixelBuffer() gpu.PixelBuffer {
	d.mu.Lock()
	d.live++
	d.mu.Unlock()
	return &pixelBuffer{dev: d}
}

func (p *pixelBuffer) Allocate(size int) error {
	if size < 0 {
		return fmt.Errorf("allocate: negative size %d", size)
	}
	p.data = make([]byte, size)
	p.fenced, p.signaled = false, false
	return nil
}

func (p *pixelBuffer) ReadPixels(tex gpu.Texture, format gpu.Format) error {
	t, ok := tex.(*Texture)
	if !ok {
		return fmt.Errorf("read pixels: %T is not a softgpu texture", tex)
	}
	if t.released {
		return errors.New("read pixels: texture released")
	}
	need := format.FrameSize(t.res)
	if need > len(p.data) {
		return fmt.Errorf("read pixels: buffer holds %d bytes, %v at %v needs %d", len(p.data), format, t.res, need)
	}
	if err := gpu.EncodePixels(p.data[:need], t.pix, format); err != nil {
		return err
	}
	p.used = need
	p.fenced, p.signaled = false, false
	p.dev.mu.Lock()
	p.dev.reads++
	p.dev.mu.Unlock()
	return nil
}

func (p *pixelBuffer) Fence() {
	p.fenced = true
	p.signaled = false
	p.polls = 0
}

func (p *pixelBuffer) Signaled() bool {
	if !p.fenced {
		return false
	}
	if p.signaled {
		return true
	}
	p.dev.mu.Lock()
	defer p.dev.mu.Unlock()
	if p.dev.hold {
		return false
	}
	p.polls++
	p.signaled = p.polls > p.dev.fenceLatency
	return p.signaled
}

func (p *pixelBuffer) CopyTo(dst []byte) error {
	if !p.signaled {
		return errors.New("copy: fence not signaled")
	}
	if len(dst) < p.used {
		return fmt.Errorf("copy: destination holds %d bytes, need %d", len(dst), p.used)
	}
	copy(dst, p.data[:p.used])
	return nil
}

func (p *pixelBuffer) Release() {
	if p.released {
		return
	}
	p.released = true
	p.data = nil
	p.dev.mu.Lock()
	p.dev.live--
	p.dev.mu.Unlock()
}

func (d *Device) NewTarget(res gpu.Resolution, format gpu.Format) (gpu.Texture, error) {
	if !res.Valid() {
		return nil, fmt.Errorf("new target: invalid resolution %v", res)
	}
	return NewTexture(res, format, nil), nil
}

func (d *Device) LoadTexture(desc gpu.TextureDesc, texels []float32) (gpu.Texture, error) {
	if !desc.Resolution.Valid() {
		return nil, fmt.Errorf("load texture: invalid resolution %v", desc.Resolution)
	}
	if len(texels) != desc.Resolution.Pixels()*desc.Channels {
		return nil, fmt.Errorf("load texture: %d texels for %v with %d channels", len(texels), desc.Resolution, desc.Channels)
	}
	rgba, err := gpu.ExpandChannels(texels, desc.Channels)
	if err != nil {
		return nil, fmt.Errorf("load texture: %w", err)
	}
	format := gpu.FormatRGBA32F
	if desc.Channels == 1 {
		format = gpu.FormatR32F
	}
	return NewTexture(desc.Resolution, format, append([]float32(nil), rgba...)), nil
}

func (d *Device) LoadGradient(pixels []float32, nearest bool) (gpu.Texture, error) {
	if len(pixels) == 0 || len(pixels)%4 != 0 {
		return nil, fmt.Errorf("load gradient: %d floats is not a list of RGBA pixels", len(pixels))
	}
	res := gpu.Resolution{Width: len(pixels) / 4, Height: 1}
	return NewTexture(res, gpu.FormatRGBA32F, append([]float32(nil), pixels...)), nil
}

// Mesh records what would have been uploaded.
type Mesh struct {
	Vertices int
	Indices  int
	Draws    int
}

func (m *Mesh) IndexCount() int { return m.Indices }
func (m *Mesh) Draw()           { m.Draws++ }
func (m *Mesh) Release()        {}

func (d *Device) LoadMesh(data *gpu.MeshData) ([]gpu.Mesh, error) {
	if err := data.Validate(); err != nil {
		return nil, fmt.Errorf("load mesh: %w", err)
	}
	meshes := make([]gpu.Mesh, 0, len(data.Indices))
	for _, idx := range data.Indices {
		meshes = append(meshes, &Mesh{Vertices: data.VertexCount(), Indices: len(idx)})
	}
	return meshes, nil
}

var _ gpu.Device = (*Device)(nil)
