// Package gpu is the small slice of a graphics device the render bridge
// needs: textures that can be read back, pixel buffers with fences, meshes.
package gpu

import "fmt"

// Resolution is a framebuffer size in pixels.
type Resolution struct {
	Width, Height int
}

func (r Resolution) String() string { return fmt.Sprintf("%dx%d", r.Width, r.Height) }

// Pixels returns Width*Height.
func (r Resolution) Pixels() int { return r.Width * r.Height }

// Valid reports whether both dimensions are positive.
func (r Resolution) Valid() bool { return r.Width > 0 && r.Height > 0 }

// Format is a pixel layout for textures and readback.
type Format int

const (
	FormatRGBA8 Format = iota
	FormatRGBA16F
	FormatRGBA32F
	FormatR32F
)

func (f Format) String() string {
	switch f {
	case FormatRGBA8:
		return "RGBA8"
	case FormatRGBA16F:
		return "RGBA16F"
	case FormatRGBA32F:
		return "RGBA32F"
	case FormatR32F:
		return "R32F"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// Channels returns the number of components per pixel.
func (f Format) Channels() int {
	if f == FormatR32F {
		return 1
	}
	return 4
}

// BytesPerPixel returns the size of one pixel.
func (f Format) BytesPerPixel() int {
	switch f {
	case FormatRGBA8:
		return 4
	case FormatRGBA16F:
		return 8
	case FormatRGBA32F:
		return 16
	case FormatR32F:
		return 4
	}
	return 0
}

// FrameSize returns the byte size of a frame at res.
func (f Format) FrameSize(res Resolution) int { return res.Pixels() * f.BytesPerPixel() }

// FormatForBitDepth maps a per-channel bit depth to a colour format.
func FormatForBitDepth(bits int) (Format, error) {
	switch bits {
	case 8:
		return FormatRGBA8, nil
	case 16:
		return FormatRGBA16F, nil
	case 32:
		return FormatRGBA32F, nil
	}
	return 0, fmt.Errorf("unsupported bit depth %d", bits)
}

// Texture is a GPU image that can be rendered into and read back.
type Texture interface {
	Resolution() Resolution
	Format() Format
	Release()
}

// PixelBuffer is a GPU-side staging buffer used to read textures back without
// stalling: ReadPixels and Fence queue work, Signaled polls, CopyTo maps the
// finished data.
type PixelBuffer interface {
	// Allocate (re)sizes the buffer storage.
	Allocate(size int) error
	// ReadPixels queues a copy of tex, converted to format, into the buffer.
	ReadPixels(tex Texture, format Format) error
	// Fence marks the end of the queued copy.
	Fence()
	// Signaled polls the fence without waiting.
	Signaled() bool
	// CopyTo maps the buffer and copies its contents into dst.
	CopyTo(dst []byte) error
	Release()
}

// TextureDesc describes texel data uploaded from the host.
type TextureDesc struct {
	Resolution Resolution
	Channels   int
	SRGB       bool
}

// MeshData is the vertex and index data of a mesh. Indices holds one index
// list per submesh.
type MeshData struct {
	Positions []float32
	Normals   []float32
	Tangents  []float32
	UVs       [][]float32
	Colors    [][]uint8
	Indices   [][]uint32
}

// VertexCount returns the number of vertices in Positions.
func (m *MeshData) VertexCount() int { return len(m.Positions) / 3 }

// Validate checks attribute lengths against the vertex count.
func (m *MeshData) Validate() error {
	n := m.VertexCount()
	if len(m.Positions)%3 != 0 {
		return fmt.Errorf("positions: %d floats is not a multiple of 3", len(m.Positions))
	}
	if m.Normals != nil && len(m.Normals) != n*3 {
		return fmt.Errorf("normals: %d floats for %d vertices", len(m.Normals), n)
	}
	if m.Tangents != nil && len(m.Tangents) != n*4 {
		return fmt.Errorf("tangents: %d floats for %d vertices", len(m.Tangents), n)
	}
	for i, uv := range m.UVs {
		if len(uv) != n*2 {
			return fmt.Errorf("uv %d: %d floats for %d vertices", i, len(uv), n)
		}
	}
	for i, c := range m.Colors {
		if len(c) != n*4 {
			return fmt.Errorf("color %d: %d bytes for %d vertices", i, len(c), n)
		}
	}
	for i, idx := range m.Indices {
		for _, v := range idx {
			if int(v) >= n {
				return fmt.Errorf("submesh %d: index %d out of range", i, v)
			}
		}
	}
	return nil
}

// Mesh is one drawable submesh.
type Mesh interface {
	IndexCount() int
	Draw()
	Release()
}

// Device creates GPU resources. All calls happen on the thread that owns the
// graphics context.
type Device interface {
	NewPixelBuffer() PixelBuffer
	// NewTarget allocates a render target texture.
	NewTarget(res Resolution, format Format) (Texture, error)
	// LoadTexture uploads float texels with desc.Channels components per pixel.
	LoadTexture(desc TextureDesc, texels []float32) (Texture, error)
	// LoadGradient uploads a 1D RGBA ramp.
	LoadGradient(pixels []float32, nearest bool) (Texture, error)
	LoadMesh(data *MeshData) ([]Mesh, error)
}
